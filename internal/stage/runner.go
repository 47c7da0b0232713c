// Package stage holds the processors that advance jobs through the lifecycle, one per stage type.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/backoff"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/chain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	ctxlog "github.com/ErlanBelekov/escrow-orchestrator/internal/log"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/webhook"
)

// Outcome is the status change a step asks the runner to commit.
type Outcome struct {
	To       domain.JobStatus
	Update   domain.JobUpdate
	Webhooks []*domain.WebhookOutgoing

	// AfterCommit runs once the transition is durable. Its error is logged, not retried.
	AfterCommit func(ctx context.Context, job *domain.Job) error
}

// stepFunc performs one stage's work for one job. A nil Outcome with a nil error leaves
// the job in its status and moves it behind the other due jobs for RecheckInterval.
type stepFunc func(ctx context.Context, job *domain.Job) (*Outcome, error)

// WebhookURLs resolves where an oracle wants its notifications delivered.
type WebhookURLs interface {
	OracleWebhookURL(ctx context.Context, chainID int64, oracleAddress string) (string, error)
}

type Config struct {
	BatchSize   int
	ItemTimeout time.Duration
	Policy      backoff.Policy

	// RecheckInterval is how long an unchanged job waits before its stage looks at
	// it again. Zero only moves it behind the jobs that are already due.
	RecheckInterval time.Duration
}

// Runner is the batch loop shared by every job stage: select due jobs, run the step with
// a deadline, then commit, reschedule or fail.
type Runner struct {
	jobs   repository.JobRepository
	urls   WebhookURLs
	cfg    Config
	logger *slog.Logger
}

func NewRunner(jobs repository.JobRepository, urls WebhookURLs, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		jobs:   jobs,
		urls:   urls,
		cfg:    cfg,
		logger: logger,
	}
}

// Deps are the collaborators the job stages call out to.
type Deps struct {
	Chain     chain.Client
	Router    Router
	Moderator Moderator
	Notifier  AbuseNotifier
}

// Processors builds every job stage in pipeline order.
func (r *Runner) Processors(d Deps) []*Processor {
	return []*Processor{
		r.NewModerationSubmit(d.Router, d.Moderator),
		r.NewModerationParse(d.Moderator, d.Notifier),
		r.NewModerationComplete(),
		r.NewCreateEscrow(d.Chain),
		r.NewFundEscrow(d.Chain),
		r.NewSetupEscrow(d.Chain),
		r.NewCancelEscrow(d.Chain),
		r.NewSyncJobStatuses(d.Chain),
	}
}

// Processor runs one stage over every job due in its input statuses.
type Processor struct {
	stage       domain.StageType
	from        []domain.JobStatus
	decidedOnly bool
	step        stepFunc
	runner      *Runner
	logger      *slog.Logger
}

func (r *Runner) processor(stage domain.StageType, step stepFunc) *Processor {
	return &Processor{
		stage:  stage,
		from:   domain.Transitions[stage].From,
		step:   step,
		runner: r,
		logger: r.logger.With("component", "stage_processor"),
	}
}

func (p *Processor) Stage() domain.StageType { return p.stage }

// Run processes one batch. Per-job failures are recorded on the job and never returned;
// only a failure to load the batch is.
func (p *Processor) Run(ctx context.Context) error {
	jobs, err := p.runner.jobs.FindDue(ctx, repository.DueJobsInput{
		Statuses:    p.from,
		DecidedOnly: p.decidedOnly,
		Limit:       p.runner.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("find due jobs for %s: %w", p.stage, err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.process(ctx, job)
	}
	return nil
}

func (p *Processor) process(ctx context.Context, job *domain.Job) {
	ctx = ctxlog.With(ctx, slog.String("job_id", job.ID))
	logger := p.logger.With("status", job.Status)

	itemCtx, cancel := context.WithTimeout(ctx, p.runner.cfg.ItemTimeout)
	outcome, err := p.step(itemCtx, job)
	cancel()

	if err == nil && outcome == nil {
		metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), "unchanged").Inc()
		// Without this the oldest BatchSize jobs would fill every batch forever.
		derr := p.runner.jobs.Defer(ctx, job.ID, job.Status, time.Now().Add(p.runner.cfg.RecheckInterval))
		if derr != nil && !errors.Is(derr, domain.ErrStaleTransition) {
			logger.ErrorContext(ctx, "defer unchanged job", "error", derr)
		}
		return
	}
	if err == nil {
		err = p.commit(ctx, logger, job, outcome)
		if err == nil || errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrJobNotFound) {
			return
		}
	}

	if domain.IsValidationError(err) {
		p.fail(ctx, logger, job, err.Error())
		return
	}

	decision := p.runner.cfg.Policy.Next(time.Now(), job.RetriesCount)
	if decision.Exhausted {
		p.fail(ctx, logger, job, err.Error())
		return
	}

	rerr := p.runner.jobs.Reschedule(ctx, repository.RescheduleInput{
		JobID:     job.ID,
		From:      job.Status,
		Retries:   decision.Retries,
		WaitUntil: decision.WaitUntil,
		Reason:    err.Error(),
	})
	if errors.Is(rerr, domain.ErrStaleTransition) {
		metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), "stale").Inc()
		return
	}
	if rerr != nil {
		logger.ErrorContext(ctx, "reschedule job", "error", rerr)
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), "retry").Inc()
	logger.WarnContext(ctx, "stage failed, will retry",
		"error", err, "attempt", decision.Retries, "retry_at", decision.WaitUntil)
}

func (p *Processor) commit(ctx context.Context, logger *slog.Logger, job *domain.Job, o *Outcome) error {
	if err := domain.CheckTransition(p.stage, job.Status, o.To); err != nil {
		return domain.NewValidationError("stage produced an invalid transition", err)
	}

	updated, err := p.runner.jobs.Transition(ctx, repository.TransitionInput{
		JobID:    job.ID,
		From:     job.Status,
		To:       o.To,
		Update:   o.Update,
		Webhooks: o.Webhooks,
	})
	if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrJobNotFound) {
		// Someone else moved the job, usually a cancellation. Their change wins.
		metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), "stale").Inc()
		logger.InfoContext(ctx, "job changed during stage, skipping", "error", err)
		return err
	}
	if err != nil {
		return err
	}

	outcome := "advanced"
	if o.To == domain.StatusFailed {
		outcome = "failed"
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), outcome).Inc()
	logger.InfoContext(ctx, "job advanced", "to", o.To, "webhooks", len(o.Webhooks))

	if o.AfterCommit != nil {
		if err := o.AfterCommit(ctx, updated); err != nil {
			logger.WarnContext(ctx, "post-transition hook", "error", err)
		}
	}
	return nil
}

// fail moves the job to failed. A job that already has a live escrow also tells its
// exchange oracle, in the same transaction.
func (p *Processor) fail(ctx context.Context, logger *slog.Logger, job *domain.Job, reason string) {
	webhooks := p.failureWebhooks(ctx, logger, job, reason)

	_, err := p.runner.jobs.Transition(ctx, repository.TransitionInput{
		JobID:    job.ID,
		From:     job.Status,
		To:       domain.StatusFailed,
		Update:   domain.JobUpdate{FailureReason: &reason},
		Webhooks: webhooks,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), "stale").Inc()
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "mark job failed", "error", err)
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(p.stage), "failed").Inc()
	logger.WarnContext(ctx, "job failed", "reason", reason, "retries", job.RetriesCount)
}

func (p *Processor) failureWebhooks(ctx context.Context, logger *slog.Logger, job *domain.Job, reason string) []*domain.WebhookOutgoing {
	if job.EscrowAddress == nil || job.ExchangeOracle == nil || job.ChainID == nil || p.runner.urls == nil {
		return nil
	}

	urlCtx, cancel := context.WithTimeout(ctx, p.runner.cfg.ItemTimeout)
	defer cancel()
	url, err := p.runner.urls.OracleWebhookURL(urlCtx, *job.ChainID, *job.ExchangeOracle)
	if err != nil {
		logger.WarnContext(ctx, "resolve exchange oracle webhook url, failing without notification", "error", err)
		return nil
	}

	w, err := webhook.NewOutgoing(webhook.Event{
		EventType:     domain.EventEscrowFailed,
		ChainID:       *job.ChainID,
		EscrowAddress: *job.EscrowAddress,
		EventData:     webhook.ReasonData(reason),
	}, url)
	if err != nil {
		logger.WarnContext(ctx, "build escrow_failed webhook", "error", err)
		return nil
	}
	return []*domain.WebhookOutgoing{w}
}
