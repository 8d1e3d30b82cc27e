// Package cmd is the strata command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/config"
)

var (
	configPath    string
	backend       string
	containerPath string
	logLevel      string
	logFormat     string

	cfg = config.Default()
	log = logrus.New()
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a config file (.hcl, .json, .yaml)")
	pf.StringVarP(&backend, "backend", "b", "", "Storage back-end: file, badger or memory")
	pf.StringVarP(&containerPath, "path", "p", "", "Container file, or badger directory")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

var rootCmd = &cobra.Command{
	Use:           "strata",
	Short:         "Strata: hierarchical containers of chunked datasets with one writer and many readers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		if backend != "" {
			cfg.Backend = config.Backend(backend)
		}
		if containerPath != "" {
			cfg.Path = containerPath
		}
		if logLevel != "" {
			if cfg.LogLevel, err = logrus.ParseLevel(logLevel); err != nil {
				return err
			}
		}
		if logFormat != "" {
			cfg.LogFormat = logFormat
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log = cfg.NewLogger()
		return nil
	},
}

// createContainer lays out a new container where the configuration
// points.
func createContainer(ctx context.Context) (*container.File, error) {
	b, err := cfg.OpenBackend(true, false)
	if err != nil {
		return nil, err
	}
	opts := cfg.Options(false)
	opts.Logger = log
	return container.Create(ctx, b, opts)
}

// openContainer opens the configured container as the writer, or as a
// reader when readOnly is set.
func openContainer(ctx context.Context, readOnly bool) (*container.File, error) {
	b, err := cfg.OpenBackend(false, readOnly)
	if err != nil {
		return nil, err
	}
	opts := cfg.Options(readOnly)
	opts.Logger = log
	return container.Open(ctx, b, opts)
}

// withContainer runs fn against the configured container and closes it,
// publishing the writer's changes.
func withContainer(ctx context.Context, readOnly bool, fn func(f *container.File) error) error {
	f, err := openContainer(ctx, readOnly)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.CloseFile(ctx)
		return err
	}
	return f.CloseFile(ctx)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
