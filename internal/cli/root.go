// Package cli implements the tierstore command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/app"
	"github.com/devrev/pairdb/tierstore/internal/config"
)

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tierstore",
		Short:         "Hot/cold record tiering with an archival coordinator",
		Long:          "tierstore moves records past their retention period from a hot store into immutable archive batches and serves reads from whichever tier holds them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	open := func(ctx context.Context, warm bool) (*app.App, error) {
		return openApp(ctx, configPath, warm)
	}

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newCycleCmd(open))
	root.AddCommand(newReadCmd(open))
	root.AddCommand(newRecordCmd(open))
	root.AddCommand(newIndexCmd(open))
	root.AddCommand(newQuarantineCmd(open))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line
func Execute() error {
	return NewRootCmd().Execute()
}

type appOpener func(ctx context.Context, warm bool) (*app.App, error)

// openApp wires a node for a one-shot command. Warming loads the locator
// index, which reads need and archival benefits from.
func openApp(ctx context.Context, configPath string, warm bool) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if warm {
		if err := a.Warm(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("warm index: %w", err)
		}
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("Failed to close cleanly", zap.Error(err))
	}
	a.Logger.Sync()
}
