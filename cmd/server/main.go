package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/medvaultapp/medvault/internal/app"
	"github.com/medvaultapp/medvault/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logFormat string
	cmd := &cobra.Command{
		Use:   "medvault",
		Short: "Personal health record security core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), logFormat)
		},
	}
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log output format: json or text")
	cmd.AddCommand(newCheckConfigCommand())
	return cmd
}

func run(ctx context.Context, logFormat string) error {
	logger := newLogger(logFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// newCheckConfigCommand validates the environment without starting
// the server, for deploy-time preflight.
func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (profile=%s listen=%s)\n", cfg.Profile, cfg.ListenAddr)
			return nil
		},
	}
}

func newLogger(format string) *slog.Logger {
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
