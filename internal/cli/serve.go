package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/app"
	"github.com/devrev/pairdb/tierstore/internal/config"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin server and the archival scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting tierstore",
				zap.String("node_id", cfg.NodeID),
				zap.String("version", Version),
				zap.String("hot_store", cfg.HotStore.Driver),
				zap.String("cold_store", cfg.ColdStore.Driver),
				zap.Bool("index_enabled", cfg.Index.Enabled),
				zap.Duration("retention", cfg.Archival.RetentionPeriod),
				zap.Duration("schedule_interval", cfg.Archival.ScheduleInterval))

			a, err := app.New(ctx, cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer a.Close()

			if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("Shutdown complete")
			return nil
		},
	}
}

