package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/backoff"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
)

// Receiver authenticates inbound oracle events, stores them durably and, as the
// process-incoming-webhooks stage, applies them to the jobs they reference.
type Receiver struct {
	incoming  repository.IncomingWebhookRepository
	jobs      repository.JobRepository
	keys      Keyring
	policy    backoff.Policy
	batchSize int
	logger    *slog.Logger
}

func NewReceiver(
	incoming repository.IncomingWebhookRepository,
	jobs repository.JobRepository,
	keys Keyring,
	policy backoff.Policy,
	batchSize int,
	logger *slog.Logger,
) *Receiver {
	return &Receiver{
		incoming:  incoming,
		jobs:      jobs,
		keys:      keys,
		policy:    policy,
		batchSize: batchSize,
		logger:    logger.With("component", "webhook_receiver"),
	}
}

// Accept verifies and stores one inbound event. A repeat of an event already stored
// returns the existing row with created == false.
func (r *Receiver) Accept(ctx context.Context, oracleAddress, signature string, body []byte) (*domain.WebhookIncoming, bool, error) {
	secret, ok := r.keys.Secret(oracleAddress)
	if !ok {
		metrics.IncomingWebhooksTotal.WithLabelValues("rejected").Inc()
		return nil, false, domain.ErrUnknownOracle
	}
	if !Verify(secret, body, signature) {
		metrics.IncomingWebhooksTotal.WithLabelValues("rejected").Inc()
		return nil, false, domain.ErrInvalidSignature
	}

	event, err := parseEvent(body)
	if err != nil {
		metrics.IncomingWebhooksTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}

	stored, created, err := r.incoming.Save(ctx, &domain.WebhookIncoming{
		ChainID:       event.ChainID,
		EscrowAddress: event.EscrowAddress,
		EventType:     event.EventType,
		OracleAddress: oracleAddress,
		EventData:     event.EventData,
	})
	if err != nil {
		return nil, false, fmt.Errorf("save incoming webhook: %w", err)
	}

	outcome := "accepted"
	if !created {
		outcome = "duplicate"
	}
	metrics.IncomingWebhooksTotal.WithLabelValues(outcome).Inc()
	r.logger.InfoContext(ctx, "webhook received",
		"webhook_id", stored.ID, "event_type", event.EventType,
		"chain_id", event.ChainID, "escrow_address", event.EscrowAddress, "duplicate", !created)
	return stored, created, nil
}

func parseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, domain.NewValidationError("malformed webhook body", err)
	}
	if !e.EventType.Incoming() {
		return Event{}, domain.NewValidationError(fmt.Sprintf("event type %q", e.EventType), domain.ErrInvalidEventType)
	}
	if e.ChainID <= 0 || strings.TrimSpace(e.EscrowAddress) == "" {
		return Event{}, domain.NewValidationError("chain_id and escrow_address are required", nil)
	}
	if e.EventType == domain.EventEscrowFailed && e.Reason() == "" {
		return Event{}, domain.NewValidationError("escrow_failed requires event_data.reason", domain.ErrMissingEventData)
	}
	return e, nil
}

func (r *Receiver) Stage() domain.StageType { return domain.StageIncomingWebhooks }

func (r *Receiver) Run(ctx context.Context) error { return r.ProcessBatch(ctx) }

// ProcessBatch applies due events. Failures only ever fail the event row; the job
// it references is left to its own stages.
func (r *Receiver) ProcessBatch(ctx context.Context) error {
	due, err := r.incoming.FindDue(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("find due incoming webhooks: %w", err)
	}

	for _, w := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.process(ctx, w)
	}
	return nil
}

func (r *Receiver) process(ctx context.Context, w *domain.WebhookIncoming) {
	logger := r.logger.With("webhook_id", w.ID, "event_type", w.EventType, "escrow_address", w.EscrowAddress)

	applyErr := r.apply(ctx, w)
	if applyErr == nil {
		if err := r.incoming.MarkCompleted(ctx, w.ID); err != nil {
			logger.ErrorContext(ctx, "mark incoming webhook completed", "error", err)
			return
		}
		metrics.IncomingWebhooksTotal.WithLabelValues("completed").Inc()
		return
	}

	reason := applyErr.Error()
	if domain.IsValidationError(applyErr) {
		if err := r.incoming.MarkFailed(ctx, w.ID, reason); err != nil {
			logger.ErrorContext(ctx, "mark incoming webhook failed", "error", err)
			return
		}
		metrics.IncomingWebhooksTotal.WithLabelValues("failed").Inc()
		logger.WarnContext(ctx, "incoming webhook rejected", "error", reason)
		return
	}

	decision := r.policy.Next(time.Now(), w.RetriesCount)
	if decision.Exhausted {
		if err := r.incoming.MarkFailed(ctx, w.ID, reason); err != nil {
			logger.ErrorContext(ctx, "mark incoming webhook failed", "error", err)
			return
		}
		metrics.IncomingWebhooksTotal.WithLabelValues("failed").Inc()
		logger.WarnContext(ctx, "incoming webhook permanently failed", "attempts", decision.Retries, "error", reason)
		return
	}
	if err := r.incoming.Reschedule(ctx, w.ID, decision.Retries, decision.WaitUntil, reason); err != nil {
		logger.ErrorContext(ctx, "reschedule incoming webhook", "error", err)
		return
	}
	metrics.IncomingWebhooksTotal.WithLabelValues("retry").Inc()
	logger.WarnContext(ctx, "incoming webhook failed, will retry", "attempt", decision.Retries, "retry_at", decision.WaitUntil, "error", reason)
}

func (r *Receiver) apply(ctx context.Context, w *domain.WebhookIncoming) error {
	job, err := r.jobs.GetByEscrow(ctx, w.ChainID, w.EscrowAddress)
	if errors.Is(err, domain.ErrJobNotFound) {
		return domain.NewValidationError("no job for escrow", err)
	}
	if err != nil {
		return err
	}

	to, reason, done, err := incomingTarget(w, job)
	if err != nil || done {
		return err
	}
	if err := domain.CheckTransition(domain.StageIncomingWebhooks, job.Status, to); err != nil {
		return domain.NewValidationError("event does not apply to job", err)
	}

	update := domain.JobUpdate{}
	if reason != "" {
		update.FailureReason = &reason
	}
	_, err = r.jobs.Transition(ctx, repository.TransitionInput{
		JobID:  job.ID,
		From:   job.Status,
		To:     to,
		Update: update,
	})
	if err != nil {
		// The job moved under us. Retry and re-evaluate against its new status.
		return fmt.Errorf("apply %s to job %s: %w", w.EventType, job.ID, err)
	}

	r.logger.InfoContext(ctx, "job updated from webhook",
		"job_id", job.ID, "event_type", w.EventType, "from", job.Status, "to", to)
	return nil
}

// incomingTarget maps an event to the job status it asks for. done means the job already
// reflects the event and nothing needs to change.
func incomingTarget(w *domain.WebhookIncoming, job *domain.Job) (to domain.JobStatus, reason string, done bool, err error) {
	event := Event{EventType: w.EventType, EventData: w.EventData}

	switch w.EventType {
	case domain.EventEscrowCompleted:
		if job.Status == domain.StatusCompleted || job.Status == domain.StatusCanceled {
			return "", "", true, nil
		}
		return domain.StatusCompleted, "", false, nil

	case domain.EventEscrowCanceled:
		if job.Status == domain.StatusCanceled {
			return "", "", true, nil
		}
		return domain.StatusCanceled, "", false, nil

	case domain.EventEscrowFailed:
		if job.Status == domain.StatusFailed {
			return "", "", true, nil
		}
		r := event.Reason()
		if r == "" {
			return "", "", false, domain.NewValidationError("escrow_failed requires event_data.reason", domain.ErrMissingEventData)
		}
		if job.Status != domain.StatusLaunched {
			return "", "", false, domain.NewValidationError("escrow_failed applies to launched jobs",
				fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, domain.StatusFailed))
		}
		return domain.StatusFailed, r, false, nil

	case domain.EventAbuseDetected:
		switch job.Status {
		case domain.StatusToCancel, domain.StatusCanceling, domain.StatusCanceled:
			return "", "", true, nil
		}
		r := "abuse reported by " + w.OracleAddress
		if extra := event.Reason(); extra != "" {
			r += ": " + extra
		}
		return domain.StatusToCancel, r, false, nil
	}

	return "", "", false, domain.NewValidationError(fmt.Sprintf("event type %q", w.EventType), domain.ErrInvalidEventType)
}
