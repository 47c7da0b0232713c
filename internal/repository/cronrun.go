package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

type CronRunRepository interface {
	// Start opens a run for stage. ok is false when another run of the stage is still open.
	Start(ctx context.Context, stage domain.StageType, at time.Time) (run *domain.CronJobRun, ok bool, err error)
	Complete(ctx context.Context, runID string) error
	IsRunning(ctx context.Context, stage domain.StageType) (bool, error)

	// CompleteStale closes runs opened before cutoff and returns the stages they held.
	CompleteStale(ctx context.Context, cutoff time.Time) ([]domain.StageType, error)
}
