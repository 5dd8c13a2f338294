package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/cozegate/internal/session"
	"github.com/ashureev/cozegate/internal/sweeper"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one cleanup pass against the store and exit",
	Long: `Drop index entries for expired sessions and, on SQLite, delete expired
rows. Useful from an external scheduler when the in-process schedule is off.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	kv, purger, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	registry := session.NewRegistry(kv, session.Config{
		IdleTTL:    cfg.Coze.SessionExpire,
		MaxPerUser: cfg.Coze.MaxSessionsPerUser,
	}, nil)

	report, err := sweeper.New(registry, purger, nil).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions, purged %d records in %s\n",
		report.PrunedSessions, report.PurgedRecords, report.Duration)
	return nil
}
