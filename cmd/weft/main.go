// Package main provides the weft binary entry point. Weft is a workflow
// automation platform: workflows are DAGs of connector operations started by
// webhook or polling triggers and executed with per-node retry, dead-letter
// capture, and an LLM call shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/weftworks/weft/config"
	"github.com/weftworks/weft/connector"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "weft"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitRegistry = 2
	exitStore    = 3
)

// exitError carries a process exit code with the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Workflow automation platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Weft runs workflow automations: DAGs of connector operations started by
webhook or polling triggers, with per-node retry, dead-letter capture, and
an LLM call shell with caching and budget enforcement.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(connectorsCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, trigger intake, and workflow runtime",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := newLogger(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := &App{cfg: cfg, logger: logger}
			return app.Run(ctx)
		},
	}
}

func connectorsCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Inspect and validate connector definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded connectors",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := newLogger(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}
			registry := connector.NewRegistry(cfg.Connectors.Dir, connector.WithLogger(logger))
			if _, err := registry.Load(); err != nil {
				return &exitError{exitRegistry, fmt.Errorf("load connectors: %w", err)}
			}
			for _, def := range registry.ListConnectors() {
				fmt.Printf("%-20s %-28s %-14s %d actions, %d triggers\n",
					def.ID, def.Name, def.Category, len(def.Actions), len(def.Triggers))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate connector definition files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := loadConfig(*configPath, logger)
				if err != nil {
					return err
				}
				dir = cfg.Connectors.Dir
			}
			return validateConnectors(dir)
		},
	})

	return cmd
}

// validateConnectors checks every definition file under dir and reports
// per-file diagnostics. Any invalid file fails the command.
func validateConnectors(dir string) error {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml}")
	if err != nil {
		return &exitError{exitRegistry, fmt.Errorf("glob %s: %w", dir, err)}
	}
	sort.Strings(matches)

	invalid := 0
	for _, rel := range matches {
		path := filepath.Join(dir, rel)
		def, err := connector.LoadDefinition(path)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", rel, err)
			invalid++
			continue
		}
		fmt.Printf("✓ %s (%s: %d actions, %d triggers)\n",
			rel, def.ID, len(def.Actions), len(def.Triggers))
	}

	if invalid > 0 {
		return &exitError{exitRegistry, fmt.Errorf("%d of %d definitions invalid", invalid, len(matches))}
	}
	fmt.Printf("%d definitions valid\n", len(matches))
	return nil
}

// loadConfig loads the layered config, or the explicit file when --config is
// set. Failures map to the configuration-error exit code.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = loader.LoadFile(path)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, &exitError{exitConfig, fmt.Errorf("load config: %w", err)}
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
