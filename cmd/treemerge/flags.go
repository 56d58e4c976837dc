// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/sam-fredrickson/deeptree"
)

var (
	_ pflag.Value = (*arrayMode)(nil)
	_ pflag.Value = (*conflictMode)(nil)
	_ pflag.Value = (*format)(nil)
)

type arrayMode deeptree.ArrayMode

func (a *arrayMode) String() string {
	return deeptree.ArrayMode(*a).String()
}

func (a *arrayMode) Set(value string) error {
	var mode deeptree.ArrayMode
	switch value {
	case "", "concat":
		mode = deeptree.ArrayConcat
	case "dedup":
		mode = deeptree.ArrayDedup
	case "replace":
		mode = deeptree.ArrayReplace
	default:
		return fmt.Errorf("array mode %q is invalid", value)
	}
	*a = arrayMode(mode)
	return nil
}

func (a *arrayMode) Type() string {
	return "mode"
}

func (a *arrayMode) Mode() deeptree.ArrayMode {
	return deeptree.ArrayMode(*a)
}

type conflictMode deeptree.ConflictMode

func (c *conflictMode) String() string {
	return deeptree.ConflictMode(*c).String()
}

func (c *conflictMode) Set(value string) error {
	var mode deeptree.ConflictMode
	switch value {
	case "", "incoming":
		mode = deeptree.ConflictIncoming
	case "existing":
		mode = deeptree.ConflictKeepExisting
	case "error":
		mode = deeptree.ConflictError
	default:
		return fmt.Errorf("conflict mode %q is invalid", value)
	}
	*c = conflictMode(mode)
	return nil
}

func (c *conflictMode) Type() string {
	return "mode"
}

func (c *conflictMode) Mode() deeptree.ConflictMode {
	return deeptree.ConflictMode(*c)
}

type format deeptree.Format

func (f *format) String() string {
	return string(*f)
}

func (f *format) Set(value string) error {
	if value == "" {
		*f = ""
		return nil
	}
	parsed, err := deeptree.ParseFormat(value)
	if err != nil {
		return err
	}
	*f = format(parsed)
	return nil
}

func (f *format) Type() string {
	return "format"
}

func (f *format) Format() deeptree.Format {
	return deeptree.Format(*f)
}
