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

const incomingColumns = `id, chain_id, escrow_address, event_type, oracle_address, event_data,
	retries_count, wait_until, status, failure_reason, created_at, updated_at`

type IncomingWebhookRepository struct {
	pool *pgxpool.Pool
}

func NewIncomingWebhookRepository(pool *pgxpool.Pool) *IncomingWebhookRepository {
	return &IncomingWebhookRepository{pool: pool}
}

// Save stores an event. A repeat of the same (chain, escrow, event, oracle) resolves to the
// row already stored, whatever its status.
func (r *IncomingWebhookRepository) Save(ctx context.Context, w *domain.WebhookIncoming) (*domain.WebhookIncoming, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_incoming (chain_id, escrow_address, event_type, oracle_address, event_data)
		VALUES ($1, lower($2), $3, lower($4), $5)
		ON CONFLICT (chain_id, escrow_address, event_type, oracle_address) DO NOTHING
		RETURNING `+incomingColumns,
		w.ChainID, w.EscrowAddress, string(w.EventType), w.OracleAddress, nullJSON(w.EventData))

	stored, err := scanIncoming(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, domain.ErrWebhookNotFound) {
		return nil, false, err
	}

	row = r.pool.QueryRow(ctx, `
		SELECT `+incomingColumns+`
		FROM webhook_incoming
		WHERE chain_id = $1 AND escrow_address = lower($2) AND event_type = $3 AND oracle_address = lower($4)`,
		w.ChainID, w.EscrowAddress, string(w.EventType), w.OracleAddress)
	existing, err := scanIncoming(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing incoming webhook: %w", err)
	}
	return existing, false, nil
}

func (r *IncomingWebhookRepository) FindDue(ctx context.Context, limit int) ([]*domain.WebhookIncoming, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+incomingColumns+`
		FROM webhook_incoming
		WHERE status = 'pending' AND wait_until <= NOW()
		ORDER BY wait_until ASC, created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find due incoming webhooks: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookIncoming
	for rows.Next() {
		w, err := scanIncoming(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incoming webhooks: %w", err)
	}
	return out, nil
}

func (r *IncomingWebhookRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.update(ctx, `
		UPDATE webhook_incoming
		SET    status = 'completed', failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
}

func (r *IncomingWebhookRepository) Reschedule(ctx context.Context, id string, retries int, waitUntil time.Time, reason string) error {
	return r.update(ctx, `
		UPDATE webhook_incoming
		SET    retries_count = $2, wait_until = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, retries, waitUntil, reason)
}

func (r *IncomingWebhookRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.update(ctx, `
		UPDATE webhook_incoming
		SET    status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, reason)
}

func (r *IncomingWebhookRepository) update(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update incoming webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

// nullJSON keeps an absent event_data as SQL NULL rather than JSON null.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanIncoming(row rowScanner) (*domain.WebhookIncoming, error) {
	var (
		w         domain.WebhookIncoming
		eventType string
		status    string
	)
	err := row.Scan(&w.ID, &w.ChainID, &w.EscrowAddress, &eventType, &w.OracleAddress, &w.EventData,
		&w.RetriesCount, &w.WaitUntil, &status, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("scan incoming webhook: %w", err)
	}
	w.EventType = domain.EventType(eventType)
	w.Status = domain.IncomingStatus(status)
	return &w, nil
}
