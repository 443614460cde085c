// Package cmd defines and implements the CLI commands for the stf-fetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/config"
	"github.com/JakeFAU/stf-case-fetcher/internal/logging"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitStorage     = 3
	exitInterrupted = 130
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	preset     string
	logLevel   string
	logFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "stf-fetch",
		Short: "Batch fetcher for Brazilian Supreme Court (STF) case records.",
		Long: `stf-fetch retrieves STF case records in bulk. Each case is looked up in the
basedosdados structured dataset first and scraped from the court portal when
the dataset has nothing usable. Progress is checkpointed so an interrupted
run resumes where it stopped, and results are written as Parquet part files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.preset, "preset", "", fmt.Sprintf("configuration preset %v", config.Presets()))
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "also append JSON logs to this file")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &casefetch.ConfigurationError{Field: "flags", Reason: err.Error()}
	})

	cmd.AddCommand(newFetchCmd(opts))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newAnalyzeCmd(opts))
	return cmd
}

// load resolves the configuration for cmd and builds a logger writing to
// the command's stderr and the optional log file. The returned func
// flushes and closes the logger.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(o.configPath, o.preset, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, done, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Output:      cmd.ErrOrStderr(),
		File:        cfg.Logging.File,
	})
	if err != nil {
		return config.Config{}, nil, nil, &casefetch.ConfigurationError{Field: "logging", Reason: err.Error()}
	}
	return cfg, logger, done, nil
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

// Main is the entry point used by package main.
func Main() {
	os.Exit(Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr *casefetch.ConfigurationError
	var storageErr *casefetch.StorageError
	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &storageErr):
		return exitStorage
	case errors.Is(err, casefetch.ErrInterrupted):
		return exitInterrupted
	default:
		return exitFailure
	}
}
