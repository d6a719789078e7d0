package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatnerd/internal/orchestrator"
	"chatnerd/internal/ui"
)

var runUI bool

// runCmd starts every worker of the account
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start all workers of the configured account",
	Long: `Starts every worker, restoring stored credentials or showing a link
challenge, and answers incoming messages until interrupted.

With --ui a live dashboard replaces console logging.`,
	Args: cobra.NoArgs,
	RunE: runWorkers,
}

func init() {
	runCmd.Flags().BoolVar(&runUI, "ui", false, "Show the terminal dashboard")
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runUI)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	m, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer m.Close()

	logger.Info("starting workers",
		zap.String("account", cfg.AccountID),
		zap.Int("workers", cfg.Workers),
		zap.Bool("sequential", cfg.SequentialStart))

	if !runUI {
		if err := m.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	evs, err := m.Bus().Subscribe(runCtx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(m.Workers()))
	for _, w := range m.Workers() {
		names = append(names, w.Identity().WorkerID)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.Run(gctx) })
	g.Go(func() error {
		// Quitting the dashboard stops the workers.
		defer cancel()
		return ui.Run(gctx, evs, names)
	})
	if err := g.Wait(); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
