package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
)

// Reaper closes stage runs left open by a replica that died mid-run, so the stage
// can be scheduled again.
type Reaper struct {
	runs         repository.CronRunRepository
	interval     time.Duration
	staleTimeout time.Duration
	logger       *slog.Logger
}

func NewReaper(runs repository.CronRunRepository, interval, staleTimeout time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		runs:         runs,
		interval:     interval,
		staleTimeout: staleTimeout,
		logger:       logger.With("component", "reaper"),
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "stale_timeout", r.staleTimeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shut down")
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap releases every run opened more than staleTimeout ago.
func (r *Reaper) Reap(ctx context.Context) int {
	stages, err := r.runs.CompleteStale(ctx, time.Now().Add(-r.staleTimeout))
	if err != nil {
		r.logger.ErrorContext(ctx, "complete stale runs", "error", err)
		return 0
	}
	for _, st := range stages {
		metrics.ReaperReleasedTotal.WithLabelValues(string(st)).Inc()
		r.logger.WarnContext(ctx, "released stale stage run", "stage", st)
	}
	return len(stages)
}
