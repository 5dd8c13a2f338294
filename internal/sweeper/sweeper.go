// Package sweeper periodically removes dangling index members and, for
// stores without native expiry, expired rows.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/cozegate/internal/metrics"
	"github.com/ashureev/cozegate/internal/shared"
	"github.com/ashureev/cozegate/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	sweepTimeout   = time.Minute
	purgeAttempts   = 3
	purgeBaseDelay = 100 * time.Millisecond
)

// Pruner drops index members whose records are gone.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	PrunedSessions int           `json:"pruned_sessions"`
	PurgedRecords  int64         `json:"purged_records"`
	Duration       time.Duration `json:"duration_ns"`
}

// Fields renders the report for the response envelope.
func (r Report) Fields() map[string]any {
	return map[string]any{
		"pruned_sessions": r.PrunedSessions,
		"purged_records":  r.PurgedRecords,
		"duration_ms":     r.Duration.Milliseconds(),
	}
}

// Sweeper runs cleanup on demand or on a cron schedule.
type Sweeper struct {
	pruner  Pruner
	purger  store.Purger
	metrics *metrics.Metrics
}

// New returns a Sweeper. purger and m may be nil.
func New(pruner Pruner, purger store.Purger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{pruner: pruner, purger: purger, metrics: m}
}

// RunOnce prunes the session index and purges expired rows.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	pruned, err := s.pruner.Prune(ctx)
	report.PrunedSessions = pruned
	if err != nil {
		return report, fmt.Errorf("prune sessions: %w", err)
	}

	if s.purger != nil {
		purged, err := s.purgeWithRetry(ctx)
		if err != nil {
			return report, fmt.Errorf("purge expired: %w", err)
		}
		report.PurgedRecords = purged
	}

	report.Duration = time.Since(start)
	s.metrics.Sweep(report.PurgedRecords)
	if report.PrunedSessions > 0 || report.PurgedRecords > 0 {
		slog.Info("Sweep completed",
			"pruned_sessions", report.PrunedSessions,
			"purged_records", report.PurgedRecords,
			"duration", report.Duration)
	}
	return report, nil
}

func (s *Sweeper) purgeWithRetry(ctx context.Context) (int64, error) {
	var purged int64
	err := shared.RetryOnConflict(ctx, shared.RetryPolicy{MaxAttempts: purgeAttempts, BaseDelay: purgeBaseDelay}, "purge_expired", func() error {
		n, err := s.purger.PurgeExpired(ctx)
		purged = n
		return err
	})
	return purged, err
}

// Start schedules RunOnce with a standard cron expression or descriptor
// ("@every 5m") and stops the schedule when ctx is done.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	slog.Info("Sweeper started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("Sweeper shutting down", "reason", ctx.Err())
	}()
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if _, err := s.RunOnce(runCtx); err != nil {
		slog.Error("Sweep failed", "error", err)
	}
}
