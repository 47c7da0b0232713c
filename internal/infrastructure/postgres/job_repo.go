package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, requester_id, job_type, status, chain_id, manifest_url, manifest_hash,
	token, fund_amount, escrow_address, reputation_oracle, exchange_oracle, recording_oracle,
	moderation_decision, retries_count, wait_until, failure_reason, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			requester_id, job_type, status, chain_id, manifest_url, manifest_hash,
			token, fund_amount, reputation_oracle, exchange_oracle, recording_oracle
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + jobColumns

	row := r.pool.QueryRow(ctx, query,
		job.RequesterID,
		job.JobType,
		string(job.Status),
		job.ChainID,
		job.ManifestURL,
		job.ManifestHash,
		job.Token,
		job.FundAmount,
		job.ReputationOracle,
		job.ExchangeOracle,
		job.RecordingOracle,
	)

	created, err := scanJob(row)
	if err != nil {
		if isCheckViolation(err) {
			return nil, domain.NewValidationError("job rejected by constraint "+constraintName(err), err)
		}
		return nil, err
	}
	return created, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *JobRepository) GetByEscrow(ctx context.Context, chainID int64, escrowAddress string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE chain_id = $1 AND lower(escrow_address) = lower($2)`,
		chainID, escrowAddress)
	return scanJob(row)
}

func (r *JobRepository) ListJobs(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	var (
		args  []any
		where []string
	)

	if input.RequesterID != "" {
		args = append(args, input.RequesterID)
		where = append(where, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if input.Status != "" {
		args = append(args, string(input.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		jobColumns, whereSQL, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// FindDue returns jobs in one of input.Statuses whose backoff has elapsed, oldest first.
func (r *JobRepository) FindDue(ctx context.Context, input repository.DueJobsInput) ([]*domain.Job, error) {
	statuses := make([]string, len(input.Statuses))
	for i, s := range input.Statuses {
		statuses[i] = string(s)
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ANY($1)
		  AND wait_until <= NOW()`
	if input.DecidedOnly {
		query += `
		  AND moderation_decision IS NOT NULL`
	}
	query += `
		ORDER BY wait_until ASC, created_at ASC, id ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, statuses, input.Limit)
	if err != nil {
		return nil, fmt.Errorf("find due jobs: %w", err)
	}
	return collectJobs(rows)
}

// Transition moves a job between statuses and enqueues its webhooks in one transaction.
// A job that is no longer in input.From is left untouched and ErrStaleTransition is returned.
func (r *JobRepository) Transition(ctx context.Context, input repository.TransitionInput) (job *domain.Job, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	u := input.Update
	var decision *string
	if u.ModerationDecision != nil {
		d := string(*u.ModerationDecision)
		decision = &d
	}

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET    status              = $3,
		       chain_id            = COALESCE($4, chain_id),
		       escrow_address      = COALESCE($5, escrow_address),
		       reputation_oracle   = COALESCE($6, reputation_oracle),
		       exchange_oracle     = COALESCE($7, exchange_oracle),
		       recording_oracle    = COALESCE($8, recording_oracle),
		       failure_reason      = $9,
		       moderation_decision = COALESCE($10, moderation_decision),
		       retries_count       = 0,
		       wait_until          = NOW(),
		       updated_at          = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		input.JobID, string(input.From), string(input.To),
		u.ChainID, u.EscrowAddress, u.ReputationOracle, u.ExchangeOracle, u.RecordingOracle,
		u.FailureReason, decision,
	)

	job, err = scanJob(row)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		err = r.staleOrMissing(ctx, tx, input.JobID)
		return nil, err
	case isUniqueViolation(err):
		err = fmt.Errorf("transition job %s: %w", input.JobID, domain.ErrDuplicateEscrow)
		return nil, err
	case isCheckViolation(err):
		err = domain.NewValidationError("job rejected by constraint "+constraintName(err), err)
		return nil, err
	case err != nil:
		return nil, err
	}

	for _, w := range input.Webhooks {
		if _, err = insertOutgoing(ctx, tx, w); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

func (r *JobRepository) staleOrMissing(ctx context.Context, tx pgx.Tx, jobID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, domain.ErrStaleTransition)
}

func (r *JobRepository) Reschedule(ctx context.Context, input repository.RescheduleInput) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    retries_count  = $3,
		       wait_until     = $4,
		       failure_reason = $5,
		       updated_at     = NOW()
		WHERE id = $1 AND status = $2`,
		input.JobID, string(input.From), input.Retries, input.WaitUntil, input.Reason)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// Defer leaves retries_count and failure_reason alone: nothing failed, the job is only
// waiting on the outside world.
func (r *JobRepository) Defer(ctx context.Context, jobID string, from domain.JobStatus, waitUntil time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    wait_until = $3,
		       updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		jobID, string(from), waitUntil)
	if err != nil {
		return fmt.Errorf("defer job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

func (r *JobRepository) SetModerationDecision(ctx context.Context, jobID string, decision domain.ModerationDecision) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    moderation_decision = $2,
		       wait_until          = NOW(),
		       updated_at          = NOW()
		WHERE id = $1 AND status = 'possible_abuse_in_review'`,
		jobID, string(decision))
	if err != nil {
		return fmt.Errorf("set moderation decision: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetByID(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrNotInReview
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j        domain.Job
		status   string
		decision *string
	)
	err := row.Scan(
		&j.ID, &j.RequesterID, &j.JobType, &status, &j.ChainID, &j.ManifestURL, &j.ManifestHash,
		&j.Token, &j.FundAmount, &j.EscrowAddress, &j.ReputationOracle, &j.ExchangeOracle, &j.RecordingOracle,
		&decision, &j.RetriesCount, &j.WaitUntil, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		if isUniqueViolation(err) || isCheckViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = domain.JobStatus(status)
	if decision != nil {
		d := domain.ModerationDecision(*decision)
		j.ModerationDecision = &d
	}
	return &j, nil
}
