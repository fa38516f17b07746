// Package main provides the simflow binary entry point.
// Simflow orchestrates CAE preprocessing workflows (geometry, mesh,
// materials, physics) with human review checkpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/simflow/config"
	"github.com/c360studio/simflow/pipeline"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "simflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "CAE preprocessing workflow engine",
		Long: `Simflow runs CAE preprocessing pipelines (geometry, mesh, materials,
physics) through analysis agents, validates the result and pauses for human
review whenever confidence is low, a stage keeps failing or a template asks
for sign-off.

Configuration is read from ~/.config/simflow/config.yaml, simflow.yaml in the
working directory or its parents, the --config file and SIMFLOW_* environment
variables, in that order.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&g),
		expireCmd(&g),
		templatesCmd(&g),
		configCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func serveCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Merge(&config.Config{API: config.APIConfig{ListenAddr: listen}})
			}

			printBanner(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return NewApp(cfg, logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen_addr")
	return cmd
}

func expireCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue checkpoints once and exit",
		Long: `Rejects every checkpoint past its deadline and fails the workflows
waiting on them. Useful from cron when no server is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			app := NewApp(cfg, logger)
			if err := app.Build(ctx); err != nil {
				return err
			}
			defer app.Close()

			failed, err := app.engine.ExpireCheckpoints(ctx)
			for _, id := range failed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
}

func templatesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect pipeline templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the templates workflows can start on",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			reg, err := loadTemplates(cfg, logger)
			if err != nil {
				logger.Warn("Some templates failed to load", "error", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTAGES\tMAX ITER\tSOURCE")
			for _, t := range reg.List() {
				names := make([]string, 0, len(t.Stages))
				for _, s := range t.Stages {
					name := s.Name
					if s.RequiresReview {
						name += "*"
					}
					names = append(names, name)
				}
				source := reg.Source(t.Name)
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.Name, strings.Join(names, ","), t.MaxIterations, source)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE...",
		Short: "Check template files without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				t, err := pipeline.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s, %d stages)\n", path, t.Name, len(t.Stages))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d templates invalid", failed, len(args))
			}
			return nil
		},
	})

	return cmd
}

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(newLogger(g.logLevel)).EnsureUserConfig()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g.configPath, logger)
			if err != nil {
				return err
			}
			out, err := marshalConfig(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func newLogger(level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).WithFile(path).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printBanner(cmd *cobra.Command) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", appName, Version)
}
