// Package maintenance runs the engine's scheduled housekeeping: log
// retention, blob garbage collection, FTS index optimization, and WAL
// checkpoints. The server owns one Service; sweeps borrow the event
// store's handle.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/observability"
)

const (
	// DefaultSweepSchedule runs the retention sweep nightly at 03:00.
	DefaultSweepSchedule = "0 3 * * *"

	// DefaultCheckpointSchedule truncates the WAL every half hour.
	DefaultCheckpointSchedule = "*/30 * * * *"

	// DefaultLogDays is how long log rows are kept.
	DefaultLogDays = 30

	// sweepTimeout bounds one full retention pass.
	sweepTimeout = 5 * time.Minute
)

// Config carries the retention settings, straight from the config file.
type Config struct {
	LogDays            int
	SweepSchedule      string
	CheckpointSchedule string
}

func (c Config) withDefaults() Config {
	if c.LogDays <= 0 {
		c.LogDays = DefaultLogDays
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if c.CheckpointSchedule == "" {
		c.CheckpointSchedule = DefaultCheckpointSchedule
	}
	return c
}

// Service schedules the sweeps.
type Service struct {
	store   *eventstore.Store
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
}

// NewService builds a Service; Start arms the schedules.
func NewService(store *eventstore.Store, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Service{
		store:   store,
		config:  cfg.withDefaults(),
		logger:  logger.Component("maintenance"),
		metrics: metrics,
		cron:    cron.New(),
	}
}

// Start registers the cron entries and starts the scheduler.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if err := s.RunRetentionSweep(ctx); err != nil {
			s.logger.Error(ctx, "retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	if _, err := s.cron.AddFunc(s.config.CheckpointSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.RunCheckpoint(ctx); err != nil {
			s.logger.Error(ctx, "wal checkpoint failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule wal checkpoint: %w", err)
	}

	s.cron.Start()
	s.logger.Info(context.Background(), "maintenance schedules armed",
		"sweep", s.config.SweepSchedule,
		"checkpoint", s.config.CheckpointSchedule,
		"log_days", s.config.LogDays)
	return nil
}

// RunRetentionSweep prunes old log rows, collects unreferenced blobs, and
// optimizes the search index. Partial failures abort the pass.
func (s *Service) RunRetentionSweep(ctx context.Context) error {
	start := time.Now()
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.LogDays)

	pruned, err := s.store.PruneLogs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune logs: %w", err)
	}
	if s.metrics != nil && pruned > 0 {
		s.metrics.LogRowsPruned.Add(float64(pruned))
	}

	deleted, err := s.store.BlobStore().DeleteUnreferenced(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect blobs: %w", err)
	}
	if s.metrics != nil && deleted > 0 {
		s.metrics.BlobsDeleted.Add(float64(deleted))
	}

	if err := s.store.OptimizeSearchIndex(ctx); err != nil {
		return fmt.Errorf("failed to optimize search index: %w", err)
	}

	s.logger.Info(ctx, "retention sweep finished",
		"log_rows_pruned", pruned,
		"blobs_deleted", deleted,
		"cutoff", cutoff.Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// RunCheckpoint truncates the WAL.
func (s *Service) RunCheckpoint(ctx context.Context) error {
	if err := s.store.DB().Checkpoint(ctx); err != nil {
		return err
	}
	s.logger.Debug(ctx, "wal checkpoint finished")
	return nil
}

// Close stops the scheduler, waits for a running sweep, and leaves the WAL
// checkpointed.
func (s *Service) Close() error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(sweepTimeout):
		s.logger.Warn(context.Background(), "maintenance close timed out waiting for running jobs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return s.RunCheckpoint(ctx)
}
