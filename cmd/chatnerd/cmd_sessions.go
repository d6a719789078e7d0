package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatnerd/internal/lifecycle"
	"chatnerd/internal/orchestrator"
	"chatnerd/internal/types"
	"chatnerd/internal/ui"
)

// sessionsCmd inspects stored credentials
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored session credentials",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities with a stored credential",
	Args:  cobra.NoArgs,
	RunE:  listSessions,
}

// logoutCmd drops a worker's credential and browser profile while it is not running
var logoutCmd = &cobra.Command{
	Use:   "logout [worker]",
	Short: "Remove a worker's credential and browser profile",
	Long: `Removes the stored credential and the browser user data of one worker
(default worker0), or of every configured worker with --all. The next run
shows a fresh link challenge.

Run this while the workers are stopped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: logoutWorkers,
}

var logoutAll bool

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Log out every configured worker")
}

func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := orchestrator.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No stored sessions.")
		return nil
	}
	t := ui.NewTable("ACCOUNT", "WORKER", "PROFILE")
	for _, id := range ids {
		profile := "-"
		if _, err := os.Stat(cfg.UserDataDir(id.WorkerID)); err == nil && id.AccountID == cfg.AccountID {
			profile = cfg.UserDataDir(id.WorkerID)
		}
		t.AddRow(id.AccountID, id.WorkerID, profile)
	}
	fmt.Fprint(out, t.View(ui.DefaultStyles()))
	return nil
}

func logoutWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := orchestrator.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var workers []string
	switch {
	case logoutAll:
		for i := 0; i < cfg.Workers; i++ {
			workers = append(workers, types.WorkerName(i))
		}
	case len(args) == 1:
		workers = []string{args[0]}
	default:
		workers = []string{types.WorkerName(0)}
	}

	for _, w := range workers {
		id := types.Identity{AccountID: cfg.AccountID, WorkerID: w}
		if err := lifecycle.Purge(ctx, store, id, cfg.UserDataDir(w)); err != nil {
			return fmt.Errorf("logout %s: %w", id, err)
		}
		logger.Info("logged out", zap.String("identity", id.String()))
		fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", id)
	}
	return nil
}
