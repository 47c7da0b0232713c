package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CronRunRepository struct {
	pool *pgxpool.Pool
}

func NewCronRunRepository(pool *pgxpool.Pool) *CronRunRepository {
	return &CronRunRepository{pool: pool}
}

// Start opens a run for stage. The partial unique index on open runs turns a concurrent
// second Start into a no-op on every replica sharing the database.
func (r *CronRunRepository) Start(ctx context.Context, stage domain.StageType, at time.Time) (*domain.CronJobRun, bool, error) {
	var (
		run       domain.CronJobRun
		stageType string
	)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO cron_job_runs (stage_type, created_at)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING id, stage_type, created_at, completed_at`,
		string(stage), at,
	).Scan(&run.ID, &stageType, &run.CreatedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("start cron run: %w", err)
	}
	run.StageType = domain.StageType(stageType)
	return &run, true, nil
}

func (r *CronRunRepository) Complete(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE cron_job_runs
		SET    completed_at = NOW()
		WHERE id = $1 AND completed_at IS NULL`, runID)
	if err != nil {
		return fmt.Errorf("complete cron run: %w", err)
	}
	return nil
}

func (r *CronRunRepository) IsRunning(ctx context.Context, stage domain.StageType) (bool, error) {
	var running bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM cron_job_runs
			WHERE stage_type = $1 AND completed_at IS NULL
		)`, string(stage)).Scan(&running)
	if err != nil {
		return false, fmt.Errorf("check cron run: %w", err)
	}
	return running, nil
}

func (r *CronRunRepository) CompleteStale(ctx context.Context, cutoff time.Time) ([]domain.StageType, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE cron_job_runs
		SET    completed_at = NOW()
		WHERE completed_at IS NULL AND created_at < $1
		RETURNING stage_type`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("complete stale cron runs: %w", err)
	}
	defer rows.Close()

	var stages []domain.StageType
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan stage type: %w", err)
		}
		stages = append(stages, domain.StageType(s))
	}
	return stages, rows.Err()
}
