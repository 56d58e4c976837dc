// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

func main() {
	// stdout carries the ResourceList, so logs go to stderr
	level := hclog.LevelFromString(os.Getenv("TREEMERGE_LOG_LEVEL"))
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "treemerge-krm",
		Level:  level,
		Output: os.Stderr,
	})

	if err := Run(os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "treemerge-krm:", err)
		os.Exit(1)
	}
}
