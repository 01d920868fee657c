package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/daemon"
	"github.com/tenexlabs/tenex/internal/project"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project operations",
	}
	cmd.AddCommand(projectRunCmd())
	return cmd
}

func projectRunCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single project from a local definition",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}
			cfg.Projects = nil

			dir := config.ExpandHome(path)
			proj, err := project.LoadCache(filepath.Dir(dir), filepath.Base(dir))
			if err != nil {
				slog.Error("failed to load project definition", "path", dir, "error", err)
				os.Exit(1)
			}

			d, err := daemon.New(cfg)
			if err != nil {
				slog.Error("daemon init failed", "error", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return d.Run(ctx) })
			if err := d.StartProject(ctx, proj); err != nil {
				slog.Error("project start failed", "project", proj.ID(), "error", err)
				stop()
			}
			if err := g.Wait(); err != nil && ctx.Err() == nil {
				slog.Error("daemon failed", "error", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "directory containing project.json")
	cmd.MarkFlagRequired("path")
	return cmd
}
