package syncer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maltedev/vendor-sync/internal/models"
)

type BatchSyncer interface {
	RunSyncAll(ctx context.Context) ([]*models.SyncResult, error)
}

// Scheduler runs batch syncs on a fixed interval. A tick that arrives while
// a batch is still running is skipped.
type Scheduler struct {
	syncer   BatchSyncer
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

func NewScheduler(syncer BatchSyncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one batch unless one is already in flight. It reports whether
// a batch ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous batch still running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	start := time.Now()
	results, err := s.syncer.RunSyncAll(ctx)
	if err != nil {
		s.logger.Error("scheduled batch sync failed", "error", err)
		return true
	}

	failed := 0
	for _, r := range results {
		if r.Status == models.SyncFailed {
			failed++
		}
	}
	s.logger.Info("scheduled batch sync finished",
		"vendors", len(results),
		"failed", failed,
		"duration", time.Since(start))
	return true
}
