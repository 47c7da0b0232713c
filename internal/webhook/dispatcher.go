package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/backoff"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
	"golang.org/x/sync/errgroup"
)

// FailureNotifier is told about webhooks that will not be retried again.
type FailureNotifier interface {
	WebhookFailed(ctx context.Context, w *domain.WebhookOutgoing) error
}

type DispatcherConfig struct {
	BatchSize     int
	Concurrency   int
	Timeout       time.Duration
	Policy        backoff.Policy
	SignerAddress string
	SignerSecret  string
}

// Dispatcher delivers queued webhooks at least once. Rows are only ever created through
// insert-or-ignore on the content hash, so one logical event is delivered from one row.
type Dispatcher struct {
	repo     repository.OutgoingWebhookRepository
	notifier FailureNotifier
	client   *http.Client
	cfg      DispatcherConfig
	logger   *slog.Logger
}

func NewDispatcher(repo repository.OutgoingWebhookRepository, notifier FailureNotifier, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		repo:     repo,
		notifier: notifier,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger.With("component", "webhook_dispatcher"),
	}
}

func (d *Dispatcher) Stage() domain.StageType { return domain.StageOutgoingWebhooks }

func (d *Dispatcher) Run(ctx context.Context) error { return d.DispatchBatch(ctx) }

// Enqueue queues event for targetURL. An identical event already queued is a no-op and
// created is false.
func (d *Dispatcher) Enqueue(ctx context.Context, event Event, targetURL string) (bool, error) {
	w, err := NewOutgoing(event, targetURL)
	if err != nil {
		return false, err
	}
	created, err := d.repo.Enqueue(ctx, w)
	if err != nil {
		return false, err
	}
	if !created {
		d.logger.DebugContext(ctx, "webhook already queued", "content_hash", w.ContentHash)
	}
	return created, nil
}

// DispatchBatch attempts every due webhook once, at most Concurrency at a time.
func (d *Dispatcher) DispatchBatch(ctx context.Context) error {
	due, err := d.repo.FindDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("find due webhooks: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, w := range due {
		g.Go(func() error {
			d.deliver(ctx, w)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, w *domain.WebhookOutgoing) {
	start := time.Now()
	sendErr := d.send(ctx, w)
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	if sendErr == nil {
		if err := d.repo.MarkSent(ctx, w.ID); err != nil {
			d.logger.ErrorContext(ctx, "mark webhook sent", "webhook_id", w.ID, "error", err)
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("sent").Inc()
		d.logger.InfoContext(ctx, "webhook delivered", "webhook_id", w.ID, "target_url", w.TargetURL)
		return
	}

	reason := sendErr.Error()
	decision := d.cfg.Policy.Next(time.Now(), w.RetriesCount)
	if decision.Exhausted {
		if err := d.repo.MarkFailed(ctx, w.ID, decision.Retries, reason); err != nil {
			d.logger.ErrorContext(ctx, "mark webhook failed", "webhook_id", w.ID, "error", err)
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.WarnContext(ctx, "webhook permanently failed",
			"webhook_id", w.ID, "target_url", w.TargetURL, "attempts", decision.Retries, "error", reason)

		w.RetriesCount = decision.Retries
		w.FailureReason = &reason
		if d.notifier != nil {
			if err := d.notifier.WebhookFailed(ctx, w); err != nil {
				d.logger.WarnContext(ctx, "notify operator", "webhook_id", w.ID, "error", err)
			}
		}
		return
	}

	if err := d.repo.Reschedule(ctx, w.ID, decision.Retries, decision.WaitUntil, reason); err != nil {
		d.logger.ErrorContext(ctx, "reschedule webhook", "webhook_id", w.ID, "error", err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("retry").Inc()
	d.logger.WarnContext(ctx, "webhook delivery failed, will retry",
		"webhook_id", w.ID, "attempt", decision.Retries, "retry_at", decision.WaitUntil, "error", reason)
}

func (d *Dispatcher) send(ctx context.Context, w *domain.WebhookOutgoing) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.TargetURL, bytes.NewReader(w.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(d.cfg.SignerSecret, w.Payload))
	req.Header.Set(HeaderOracleAddress, d.cfg.SignerAddress)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) // drain so the connection can be reused by the pool

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
