package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

type OutgoingWebhookRepository interface {
	// Enqueue inserts w unless a row with the same content hash exists. created reports which.
	Enqueue(ctx context.Context, w *domain.WebhookOutgoing) (created bool, err error)
	FindDue(ctx context.Context, limit int) ([]*domain.WebhookOutgoing, error)
	MarkSent(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, retries int, waitUntil time.Time, reason string) error
	MarkFailed(ctx context.Context, id string, retries int, reason string) error
	List(ctx context.Context, status domain.OutgoingStatus, limit int) ([]*domain.WebhookOutgoing, error)
}

type IncomingWebhookRepository interface {
	// Save stores w. When the same event from the same oracle already exists the
	// stored row is returned and created is false.
	Save(ctx context.Context, w *domain.WebhookIncoming) (stored *domain.WebhookIncoming, created bool, err error)
	FindDue(ctx context.Context, limit int) ([]*domain.WebhookIncoming, error)
	MarkCompleted(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, retries int, waitUntil time.Time, reason string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}
