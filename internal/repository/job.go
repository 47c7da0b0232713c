package repository

import (
	"context"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

type ListJobsInput struct {
	RequesterID string           // empty = every requester (operators)
	Status      domain.JobStatus // empty = all statuses
	CursorTime  *time.Time       // nil = first page
	CursorID    string           // used only when CursorTime is non-nil
	Limit       int
}

// DueJobsInput selects jobs a stage may act on now.
type DueJobsInput struct {
	Statuses    []domain.JobStatus
	DecidedOnly bool // only jobs with a recorded moderation decision
	Limit       int
}

// TransitionInput moves one job from From to To. Webhooks are enqueued in the same
// transaction; a webhook whose content hash already exists is skipped.
type TransitionInput struct {
	JobID    string
	From     domain.JobStatus
	To       domain.JobStatus
	Update   domain.JobUpdate
	Webhooks []*domain.WebhookOutgoing
}

// RescheduleInput records a failed attempt that will be retried after WaitUntil.
type RescheduleInput struct {
	JobID     string
	From      domain.JobStatus
	Retries   int
	WaitUntil time.Time
	Reason    string
}

// UseCase depends on interface, not concrete implementation.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	GetByEscrow(ctx context.Context, chainID int64, escrowAddress string) (*domain.Job, error)
	ListJobs(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)

	// Stage processors
	FindDue(ctx context.Context, input DueJobsInput) ([]*domain.Job, error)
	Transition(ctx context.Context, input TransitionInput) (*domain.Job, error)
	Reschedule(ctx context.Context, input RescheduleInput) error
	// Defer moves a job that needed no change behind the rest of its stage queue
	// without counting an attempt.
	Defer(ctx context.Context, jobID string, from domain.JobStatus, waitUntil time.Time) error

	SetModerationDecision(ctx context.Context, jobID string, decision domain.ModerationDecision) error
}
