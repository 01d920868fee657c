package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/daemon"
	"github.com/tenexlabs/tenex/internal/telemetry"
)

func daemonCmd() *cobra.Command {
	var whitelist []string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the multi-project daemon",
		Run: func(cmd *cobra.Command, args []string) {
			if len(whitelist) > 0 {
				os.Setenv("TENEX_WHITELIST", strings.Join(whitelist, ","))
			}
			runDaemon(cmd, args)
		},
	}
	cmd.Flags().StringSliceVar(&whitelist, "whitelist", nil, "author pubkeys (hex or npub) allowed to activate projects")
	return cmd
}

func runDaemon(_ *cobra.Command, _ []string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed, tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("daemon init failed", "error", err)
		os.Exit(1)
	}

	slog.Info("daemon starting",
		"relays", cfg.Relays, "projects", len(cfg.Projects), "whitelist", len(cfg.Whitelist))
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon stopped")
}
