package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/routing"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/storage"
)

var (
	fundAmountRe   = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	manifestHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// RouteValidator checks requester-chosen routing. *routing.Selector implements it.
type RouteValidator interface {
	ValidateChain(chainID int64) error
	ValidateOracles(ctx context.Context, chainID int64, jobType string, t routing.Triad) error
}

// Actor is the authenticated caller. Operators see and act on every job.
type Actor struct {
	ID       string
	Operator bool
}

type JobUsecase struct {
	jobs     repository.JobRepository
	runs     repository.CronRunRepository
	webhooks repository.OutgoingWebhookRepository
	store    storage.Client
	routes   RouteValidator
}

func NewJobUsecase(
	jobs repository.JobRepository,
	runs repository.CronRunRepository,
	webhooks repository.OutgoingWebhookRepository,
	store storage.Client,
	routes RouteValidator,
) *JobUsecase {
	return &JobUsecase{jobs: jobs, runs: runs, webhooks: webhooks, store: store, routes: routes}
}

type CreateJobInput struct {
	RequesterID string
	JobType     string
	Token       string
	FundAmount  string

	// Either Manifest, or ManifestURL with ManifestHash.
	Manifest     json.RawMessage
	ManifestURL  string
	ManifestHash string

	ChainID          *int64
	ReputationOracle string
	ExchangeOracle   string
	RecordingOracle  string
}

func (u *JobUsecase) CreateJob(ctx context.Context, input CreateJobInput) (*domain.Job, error) {
	if err := validateCreate(input); err != nil {
		return nil, err
	}

	url, hash := input.ManifestURL, strings.ToLower(input.ManifestHash)
	if len(input.Manifest) > 0 {
		res, err := u.store.Upload(ctx, input.Manifest)
		if err != nil {
			return nil, fmt.Errorf("upload manifest: %w", err)
		}
		url, hash = res.URL, res.Hash
	}

	job := &domain.Job{
		RequesterID:  input.RequesterID,
		JobType:      input.JobType,
		Status:       domain.StatusPending,
		ChainID:      input.ChainID,
		ManifestURL:  url,
		ManifestHash: hash,
		Token:        input.Token,
		FundAmount:   input.FundAmount,
	}

	if input.ChainID != nil {
		if err := u.routes.ValidateChain(*input.ChainID); err != nil {
			return nil, err
		}
	}
	if triad, ok := requestedTriad(input); ok {
		if input.ChainID == nil {
			return nil, domain.NewValidationError("oracles require chain_id", domain.ErrUnknownOracle)
		}
		if err := u.routes.ValidateOracles(ctx, *input.ChainID, input.JobType, triad); err != nil {
			return nil, err
		}
		job.ReputationOracle = &triad.ReputationOracle
		job.ExchangeOracle = &triad.ExchangeOracle
		job.RecordingOracle = &triad.RecordingOracle
	}

	created, err := u.jobs.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

func validateCreate(input CreateJobInput) error {
	switch {
	case strings.TrimSpace(input.JobType) == "":
		return domain.NewValidationError("job_type is required", nil)
	case strings.TrimSpace(input.Token) == "":
		return domain.NewValidationError("token is required", nil)
	case !fundAmountRe.MatchString(input.FundAmount) || strings.Trim(input.FundAmount, "0.") == "":
		return domain.NewValidationError("fund_amount must be a positive decimal", nil)
	}

	inline := len(input.Manifest) > 0
	remote := input.ManifestURL != "" || input.ManifestHash != ""
	switch {
	case inline && remote:
		return domain.NewValidationError("send either manifest or manifest_url, not both", domain.ErrInvalidManifest)
	case inline:
		var obj map[string]any
		if err := json.Unmarshal(input.Manifest, &obj); err != nil {
			return domain.NewValidationError("manifest must be a JSON object", domain.ErrInvalidManifest)
		}
	case remote:
		if input.ManifestURL == "" {
			return domain.NewValidationError("manifest_url is required with manifest_hash", domain.ErrInvalidManifest)
		}
		if !manifestHashRe.MatchString(strings.ToLower(input.ManifestHash)) {
			return domain.NewValidationError("manifest_hash must be a hex sha256 digest", domain.ErrInvalidManifest)
		}
	default:
		return domain.NewValidationError("manifest is required", domain.ErrInvalidManifest)
	}
	return nil
}

// requestedTriad returns the oracles the requester chose. Partial triads are rejected
// by ValidateOracles as an unknown empty address.
func requestedTriad(input CreateJobInput) (routing.Triad, bool) {
	t := routing.Triad{
		ReputationOracle: strings.ToLower(input.ReputationOracle),
		ExchangeOracle:   strings.ToLower(input.ExchangeOracle),
		RecordingOracle:  strings.ToLower(input.RecordingOracle),
	}
	return t, t != routing.Triad{}
}

func (u *JobUsecase) GetByID(ctx context.Context, jobID string, actor Actor) (*domain.Job, error) {
	job, err := u.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !actor.Operator && job.RequesterID != actor.ID {
		return nil, fmt.Errorf("get job: %w", domain.ErrJobNotFound)
	}
	return job, nil
}

type ListJobsInput struct {
	Actor  Actor
	Status string
	Cursor string
	Limit  int
}

type ListJobsResult struct {
	Jobs       []*domain.Job
	NextCursor *string
}

type jobCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func decodeCursor(s string) (*time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("decode cursor: %w", err)
	}
	var c jobCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, "", fmt.Errorf("unmarshal cursor: %w", err)
	}
	return &c.CreatedAt, c.ID, nil
}

func encodeCursor(createdAt time.Time, id string) string {
	b, _ := json.Marshal(jobCursor{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

func (u *JobUsecase) ListJobs(ctx context.Context, input ListJobsInput) (ListJobsResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	repoInput := repository.ListJobsInput{Limit: limit + 1}
	if !input.Actor.Operator {
		repoInput.RequesterID = input.Actor.ID
	}
	if input.Status != "" {
		status := domain.JobStatus(input.Status)
		if !status.Valid() {
			return ListJobsResult{}, domain.ErrInvalidStatus
		}
		repoInput.Status = status
	}
	if input.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListJobsResult{}, domain.ErrInvalidCursor
		}
		repoInput.CursorTime = cursorTime
		repoInput.CursorID = cursorID
	}

	jobs, err := u.jobs.ListJobs(ctx, repoInput)
	if err != nil {
		return ListJobsResult{}, fmt.Errorf("list jobs: %w", err)
	}

	var nextCursor *string
	if len(jobs) == limit+1 {
		jobs = jobs[:limit]
		last := jobs[limit-1]
		s := encodeCursor(last.CreatedAt, last.ID)
		nextCursor = &s
	}

	return ListJobsResult{Jobs: jobs, NextCursor: nextCursor}, nil
}

// CancelJob moves a job to to_cancel; the cancel-escrow stage does the rest. It is
// refused while a stage that may be acting on the job's current status is running.
func (u *JobUsecase) CancelJob(ctx context.Context, jobID string, actor Actor) (*domain.Job, error) {
	job, err := u.GetByID(ctx, jobID, actor)
	if err != nil {
		return nil, err
	}

	to, err := domain.CancelTarget(job.Status)
	if err != nil {
		return nil, err
	}

	for _, st := range domain.StagesFrom(job.Status) {
		running, err := u.runs.IsRunning(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("check %s run: %w", st, err)
		}
		if running {
			return nil, fmt.Errorf("%s: %w", st, domain.ErrCancelWhileProcessing)
		}
	}

	updated, err := u.jobs.Transition(ctx, repository.TransitionInput{
		JobID: job.ID,
		From:  job.Status,
		To:    to,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil, fmt.Errorf("cancel job: %w", domain.ErrCancelWhileProcessing)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return updated, nil
}

// ConfirmPayment records that the job has been paid for, releasing it to moderation.
func (u *JobUsecase) ConfirmPayment(ctx context.Context, jobID string, actor Actor) (*domain.Job, error) {
	job, err := u.GetByID(ctx, jobID, actor)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrInvalidTransition, job.Status)
	}

	updated, err := u.jobs.Transition(ctx, repository.TransitionInput{
		JobID: job.ID,
		From:  domain.StatusPending,
		To:    domain.StatusPaid,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil, fmt.Errorf("confirm payment: %w", domain.ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	return updated, nil
}

func (u *JobUsecase) RecordModerationDecision(ctx context.Context, jobID string, decision domain.ModerationDecision) error {
	if !decision.Valid() {
		return domain.ErrInvalidDecision
	}
	if err := u.jobs.SetModerationDecision(ctx, jobID, decision); err != nil {
		return fmt.Errorf("record moderation decision: %w", err)
	}
	return nil
}

// ListWebhooks returns outgoing webhooks in status, failed by default, for operators.
func (u *JobUsecase) ListWebhooks(ctx context.Context, status string, limit int) ([]*domain.WebhookOutgoing, error) {
	st := domain.OutgoingFailed
	if status != "" {
		st = domain.OutgoingStatus(status)
		if !st.Valid() {
			return nil, domain.ErrInvalidStatus
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	hooks, err := u.webhooks.List(ctx, st, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}
