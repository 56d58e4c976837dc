// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/deeptree"
)

var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var debug bool
	logger := hclog.NewNullLogger()

	root := &cobra.Command{
		Use:   "treemerge",
		Short: "Merge and query configuration trees (YAML, JSON, TOML)",
		Long: `treemerge deep-merges configuration files and reads values out of them.

Mappings are merged recursively, arrays are concatenated (or deduplicated,
or replaced), and scalars from later files win.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(debug, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging on stderr")

	loggerFn := func() hclog.Logger { return logger }
	root.AddCommand(newMergeCommand(loggerFn))
	root.AddCommand(newGetCommand(loggerFn))

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nusage: %s", err, cmd.UseLine())
	})

	return root
}

// newLogger creates the command logger. Without debug everything is discarded.
func newLogger(debug bool, stderr io.Writer) hclog.Logger {
	level := hclog.Error
	output := io.Discard

	if debug {
		level = hclog.Debug
		output = stderr
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "treemerge",
		Level:  level,
		Output: output,
	})
}

// MergeConfig holds the settings of the merge subcommand.
type MergeConfig struct {
	ArrayMode    deeptree.ArrayMode
	ConflictMode deeptree.ConflictMode
	ReservedKeys []string
	OutputFormat deeptree.Format
	Logger       hclog.Logger
}

func newMergeCommand(logger func() hclog.Logger) *cobra.Command {
	var arrays arrayMode
	var conflict conflictMode
	var ignoreArrays bool
	var reserved []string
	var outputFormat format
	var outputPath string

	cmd := &cobra.Command{
		Use:   "merge [flags] FILE...",
		Short: "Deep-merge files into the first one",
		Example: `  # merge env-specific overlay into common base
  treemerge merge --out config.yaml base.yaml env.yaml

  # replace arrays instead of concatenating them
  treemerge merge --ignore-arrays base.yaml prod.yaml env.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := MergeConfig{
				ArrayMode:    arrays.Mode(),
				ConflictMode: conflict.Mode(),
				ReservedKeys: reserved,
				OutputFormat: outputFormat.Format(),
				Logger:       logger(),
			}
			if ignoreArrays {
				cfg.ArrayMode = deeptree.ArrayReplace
			}

			output := cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				output = f
			}

			return RunMerge(cfg, args, output)
		},
	}

	flags := cmd.Flags()
	flags.Var(&arrays, "arrays", `array mode [concat, dedup, replace] (default "concat")`)
	flags.BoolVar(&ignoreArrays, "ignore-arrays", false, "replace arrays instead of merging them (same as --arrays replace)")
	flags.Var(&conflict, "conflict", `shape conflict mode [incoming, existing, error] (default "incoming")`)
	flags.StringSliceVar(&reserved, "reserved", nil, "comma-separated keys never written to the result")
	flags.Var(&outputFormat, "format", `output format [json, yaml, toml] (defaults to first file's format)`)
	flags.StringVarP(&outputPath, "out", "o", "", "output file path (defaults to stdout)")

	return cmd
}

// RunMerge merges files into the first one and writes the result to output.
func RunMerge(cfg MergeConfig, files []string, output io.Writer) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to merge")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	merger, err := deeptree.NewMerger(deeptree.Options{
		ArrayMode:    cfg.ArrayMode,
		ConflictMode: cfg.ConflictMode,
		ReservedKeys: cfg.ReservedKeys,
		Logger:       logger.Named("merge"),
	})
	if err != nil {
		return err
	}

	outputFormat := cfg.OutputFormat
	var docs []any
	for _, file := range files {
		doc, fileFormat, err := unmarshalFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		logger.Debug("loaded file", "file", file, "format", fileFormat, "shape", deeptree.ShapeOf(doc))
		docs = append(docs, doc)
		if outputFormat == "" {
			outputFormat = fileFormat
		}
	}

	target, ok := docs[0].(map[string]any)
	if !ok {
		logger.Warn("first file is not a mapping, starting from an empty one", "file", files[0])
		target = map[string]any{}
	}

	merged, err := merger.MergeInto(target, docs[1:]...)
	if err != nil {
		return fmt.Errorf("merge failed while processing files %v: %w", files, err)
	}

	if outputFormat == deeptree.FormatTOML && deeptree.HasNull(merged) {
		logger.Warn("toml has no null, null values are left out of the output")
	}

	marshaled, err := outputFormat.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal result as %s: %w", outputFormat, err)
	}

	_, err = output.Write(marshaled)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}

// GetConfig holds the settings of the get subcommand.
type GetConfig struct {
	OutputFormat deeptree.Format
	// Default is printed when the path is absent; nil prints null.
	Default any
	// Strict makes an absent path an error.
	Strict bool
	Logger hclog.Logger
}

func newGetCommand(logger func() hclog.Logger) *cobra.Command {
	var outputFormat format
	var defaultValue string
	var strict bool

	cmd := &cobra.Command{
		Use:   "get [flags] FILE PATH",
		Short: "Print the value at a dotted path",
		Example: `  treemerge get config.yaml server.port
  treemerge get --default 8080 config.yaml server.port
  treemerge get --format json config.toml database`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetConfig{
				OutputFormat: outputFormat.Format(),
				Strict:       strict,
				Logger:       logger(),
			}
			if cmd.Flags().Changed("default") {
				cfg.Default = defaultValue
			}
			return RunGet(cfg, args[0], args[1], cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.Var(&outputFormat, "format", `output format for mappings and arrays [json, yaml, toml] (defaults to the file's format)`)
	flags.StringVar(&defaultValue, "default", "", "value printed when the path is absent")
	flags.BoolVar(&strict, "strict", false, "fail when the path is absent")

	return cmd
}

// RunGet prints the value found at path in file.
// Scalars are printed as text; mappings and arrays are encoded.
func RunGet(cfg GetConfig, file, path string, output io.Writer) error {
	doc, fileFormat, err := unmarshalFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	value, found := deeptree.Lookup(doc, path)
	if !found {
		if cfg.Strict {
			return fmt.Errorf("path %q not found in %s", path, file)
		}
		if cfg.Logger != nil {
			cfg.Logger.Debug("path not found, using default", "path", path, "file", file)
		}
		value = cfg.Default
	}

	outputFormat := cfg.OutputFormat
	if outputFormat == "" {
		outputFormat = fileFormat
	}

	var text []byte
	switch deeptree.ShapeOf(value) {
	case deeptree.ShapeScalar:
		if value == nil {
			text = []byte("null")
		} else {
			text = []byte(fmt.Sprint(value))
		}
	case deeptree.ShapeSequence:
		// TOML documents need a table at the root
		if outputFormat == deeptree.FormatTOML {
			outputFormat = deeptree.FormatJSON
		}
		fallthrough
	default:
		text, err = outputFormat.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value as %s: %w", outputFormat, err)
		}
	}

	text = []byte(strings.TrimRight(string(text), "\n") + "\n")
	if _, err := output.Write(text); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func unmarshalFile(file string) (any, deeptree.Format, error) {
	f, err := deeptree.FormatFromPath(file)
	if err != nil {
		return nil, "", err
	}

	contents, err := os.ReadFile(file)
	if err != nil {
		return nil, f, err
	}

	doc, err := f.Decode(contents)
	if err != nil {
		return nil, f, err
	}
	return doc, f, nil
}
