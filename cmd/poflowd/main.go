// Command poflowd runs the purchase order workflow daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"poflow/internal/config"
	"poflow/internal/daemon"
	"poflow/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:           "poflowd",
		Short:         "Purchase order workflow daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath, logLevel)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	return cmd
}

func run(ctx context.Context, configPath, logLevel string) error {
	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logging.NewFromConfig(cfg, "poflowd")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !exists {
		logger.Warn("config file not found; using defaults",
			logging.String("path", resolved),
			logging.String(logging.FieldEventType, "config_defaults"),
			logging.String(logging.FieldErrorHint, "run `poflow config init` to create one"),
		)
	}

	d, err := daemon.New(ctx, cfg, logger, daemon.Options{Version: version})
	if err != nil {
		logging.ErrorWithContext(logger, "daemon setup failed", "daemon_setup_failed", logging.Error(err))
		return err
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("poflowd shutting down")
	return nil
}
