package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outgoingColumns = `id, payload, content_hash, target_url, retries_count, wait_until,
	status, failure_reason, created_at, updated_at`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type OutgoingWebhookRepository struct {
	pool *pgxpool.Pool
}

func NewOutgoingWebhookRepository(pool *pgxpool.Pool) *OutgoingWebhookRepository {
	return &OutgoingWebhookRepository{pool: pool}
}

func (r *OutgoingWebhookRepository) Enqueue(ctx context.Context, w *domain.WebhookOutgoing) (bool, error) {
	return insertOutgoing(ctx, r.pool, w)
}

// insertOutgoing is shared with JobRepository.Transition so a status change and its
// notification commit together.
func insertOutgoing(ctx context.Context, q querier, w *domain.WebhookOutgoing) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO webhook_outgoing (payload, content_hash, target_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_hash) DO NOTHING`,
		w.Payload, w.ContentHash, w.TargetURL)
	if err != nil {
		return false, fmt.Errorf("enqueue webhook: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OutgoingWebhookRepository) FindDue(ctx context.Context, limit int) ([]*domain.WebhookOutgoing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+outgoingColumns+`
		FROM webhook_outgoing
		WHERE status = 'pending' AND wait_until <= NOW()
		ORDER BY wait_until ASC, created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find due webhooks: %w", err)
	}
	return collectOutgoing(rows)
}

func (r *OutgoingWebhookRepository) MarkSent(ctx context.Context, id string) error {
	return r.update(ctx, `
		UPDATE webhook_outgoing
		SET    status = 'sent', failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
}

func (r *OutgoingWebhookRepository) Reschedule(ctx context.Context, id string, retries int, waitUntil time.Time, reason string) error {
	return r.update(ctx, `
		UPDATE webhook_outgoing
		SET    retries_count = $2, wait_until = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, retries, waitUntil, reason)
}

func (r *OutgoingWebhookRepository) MarkFailed(ctx context.Context, id string, retries int, reason string) error {
	return r.update(ctx, `
		UPDATE webhook_outgoing
		SET    status = 'failed', retries_count = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, retries, reason)
}

func (r *OutgoingWebhookRepository) List(ctx context.Context, status domain.OutgoingStatus, limit int) ([]*domain.WebhookOutgoing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+outgoingColumns+`
		FROM webhook_outgoing
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return collectOutgoing(rows)
}

func (r *OutgoingWebhookRepository) update(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

func collectOutgoing(rows pgx.Rows) ([]*domain.WebhookOutgoing, error) {
	defer rows.Close()

	var out []*domain.WebhookOutgoing
	for rows.Next() {
		var (
			w      domain.WebhookOutgoing
			status string
		)
		err := rows.Scan(&w.ID, &w.Payload, &w.ContentHash, &w.TargetURL, &w.RetriesCount, &w.WaitUntil,
			&status, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrWebhookNotFound
			}
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.Status = domain.OutgoingStatus(status)
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return out, nil
}
