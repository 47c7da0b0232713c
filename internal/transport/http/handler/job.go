package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/usecase"
	"github.com/gin-gonic/gin"
)

// JobService is implemented by *usecase.JobUsecase.
type JobService interface {
	CreateJob(ctx context.Context, input usecase.CreateJobInput) (*domain.Job, error)
	GetByID(ctx context.Context, jobID string, actor usecase.Actor) (*domain.Job, error)
	ListJobs(ctx context.Context, input usecase.ListJobsInput) (usecase.ListJobsResult, error)
	CancelJob(ctx context.Context, jobID string, actor usecase.Actor) (*domain.Job, error)
	ConfirmPayment(ctx context.Context, jobID string, actor usecase.Actor) (*domain.Job, error)
	RecordModerationDecision(ctx context.Context, jobID string, decision domain.ModerationDecision) error
	ListWebhooks(ctx context.Context, status string, limit int) ([]*domain.WebhookOutgoing, error)
}

type JobHandler struct {
	jobs   JobService
	logger *slog.Logger
}

func NewJobHandler(jobs JobService, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.With("component", "job_handler")}
}

type createJobRequest struct {
	JobType      string          `json:"job_type"      binding:"required,max=64"`
	Token        string          `json:"token"         binding:"required,max=64"`
	FundAmount   string          `json:"fund_amount"   binding:"required,max=78"`
	Manifest     json.RawMessage `json:"manifest"`
	ManifestURL  string          `json:"manifest_url"  binding:"omitempty,url,max=2048"`
	ManifestHash string          `json:"manifest_hash" binding:"omitempty,len=64"`

	ChainID          *int64 `json:"chain_id"          binding:"omitempty,gt=0"`
	ReputationOracle string `json:"reputation_oracle" binding:"max=128"`
	ExchangeOracle   string `json:"exchange_oracle"   binding:"max=128"`
	RecordingOracle  string `json:"recording_oracle"  binding:"max=128"`
}

type moderationDecisionRequest struct {
	Decision domain.ModerationDecision `json:"decision" binding:"required"`
}

type jobResponse struct {
	ID                 string                     `json:"id"`
	JobType            string                     `json:"job_type"`
	Status             domain.JobStatus           `json:"status"`
	ChainID            *int64                     `json:"chain_id"`
	EscrowAddress      *string                    `json:"escrow_address"`
	ManifestURL        string                     `json:"manifest_url"`
	ManifestHash       string                     `json:"manifest_hash"`
	Token              string                     `json:"token"`
	FundAmount         string                     `json:"fund_amount"`
	ReputationOracle   *string                    `json:"reputation_oracle"`
	ExchangeOracle     *string                    `json:"exchange_oracle"`
	RecordingOracle    *string                    `json:"recording_oracle"`
	ModerationDecision *domain.ModerationDecision `json:"moderation_decision,omitempty"`
	RetriesCount       int                        `json:"retries_count"`
	FailureReason      *string                    `json:"failure_reason,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

type listJobsResponse struct {
	Jobs       []jobResponse `json:"jobs"`
	NextCursor *string       `json:"next_cursor"`
}

type webhookResponse struct {
	ID            string                `json:"id"`
	TargetURL     string                `json:"target_url"`
	Payload       json.RawMessage       `json:"payload"`
	Status        domain.OutgoingStatus `json:"status"`
	RetriesCount  int                   `json:"retries_count"`
	FailureReason *string               `json:"failure_reason,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:                 j.ID,
		JobType:            j.JobType,
		Status:             j.Status,
		ChainID:            j.ChainID,
		EscrowAddress:      j.EscrowAddress,
		ManifestURL:        j.ManifestURL,
		ManifestHash:       j.ManifestHash,
		Token:              j.Token,
		FundAmount:         j.FundAmount,
		ReputationOracle:   j.ReputationOracle,
		ExchangeOracle:     j.ExchangeOracle,
		RecordingOracle:    j.RecordingOracle,
		ModerationDecision: j.ModerationDecision,
		RetriesCount:       j.RetriesCount,
		FailureReason:      j.FailureReason,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

func actor(ctx *gin.Context) usecase.Actor {
	return usecase.Actor{ID: ctx.GetString("userID"), Operator: ctx.GetBool("operator")}
}

func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidRequest})
		return
	}

	job, err := h.jobs.CreateJob(ctx.Request.Context(), usecase.CreateJobInput{
		RequesterID:      ctx.GetString("userID"),
		JobType:          req.JobType,
		Token:            req.Token,
		FundAmount:       req.FundAmount,
		Manifest:         req.Manifest,
		ManifestURL:      req.ManifestURL,
		ManifestHash:     req.ManifestHash,
		ChainID:          req.ChainID,
		ReputationOracle: req.ReputationOracle,
		ExchangeOracle:   req.ExchangeOracle,
		RecordingOracle:  req.RecordingOracle,
	})
	if err != nil {
		h.writeError(ctx, "create job", err)
		return
	}

	ctx.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	job, err := h.jobs.GetByID(ctx.Request.Context(), ctx.Param("id"), actor(ctx))
	if err != nil {
		h.writeError(ctx, "get job by id", err)
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(job))
}

func (h *JobHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.jobs.ListJobs(ctx.Request.Context(), usecase.ListJobsInput{
		Actor:  actor(ctx),
		Status: ctx.Query("status"),
		Cursor: ctx.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		h.writeError(ctx, "list jobs", err)
		return
	}

	items := make([]jobResponse, len(result.Jobs))
	for i, j := range result.Jobs {
		items[i] = toJobResponse(j)
	}
	ctx.JSON(http.StatusOK, listJobsResponse{Jobs: items, NextCursor: result.NextCursor})
}

func (h *JobHandler) Cancel(ctx *gin.Context) {
	job, err := h.jobs.CancelJob(ctx.Request.Context(), ctx.Param("id"), actor(ctx))
	if err != nil {
		h.writeError(ctx, "cancel job", err)
		return
	}
	ctx.JSON(http.StatusAccepted, toJobResponse(job))
}

func (h *JobHandler) ConfirmPayment(ctx *gin.Context) {
	job, err := h.jobs.ConfirmPayment(ctx.Request.Context(), ctx.Param("id"), actor(ctx))
	if err != nil {
		h.writeError(ctx, "confirm payment", err)
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(job))
}

func (h *JobHandler) RecordModerationDecision(ctx *gin.Context) {
	var req moderationDecisionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidRequest})
		return
	}

	if err := h.jobs.RecordModerationDecision(ctx.Request.Context(), ctx.Param("id"), req.Decision); err != nil {
		h.writeError(ctx, "record moderation decision", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) ListWebhooks(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	hooks, err := h.jobs.ListWebhooks(ctx.Request.Context(), ctx.Query("status"), limit)
	if err != nil {
		h.writeError(ctx, "list webhooks", err)
		return
	}

	resp := make([]webhookResponse, len(hooks))
	for i, w := range hooks {
		resp[i] = webhookResponse{
			ID:            w.ID,
			TargetURL:     w.TargetURL,
			Payload:       w.Payload,
			Status:        w.Status,
			RetriesCount:  w.RetriesCount,
			FailureReason: w.FailureReason,
			CreatedAt:     w.CreatedAt,
			UpdatedAt:     w.UpdatedAt,
		}
	}
	ctx.JSON(http.StatusOK, resp)
}

func (h *JobHandler) writeError(ctx *gin.Context, op string, err error) {
	var verr *domain.ValidationError

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrInvalidStatus):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
	case errors.Is(err, domain.ErrInvalidCursor):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
	case errors.Is(err, domain.ErrInvalidDecision):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidDecision})
	case errors.Is(err, domain.ErrJobNotCancellable):
		ctx.JSON(http.StatusConflict, gin.H{"error": errJobNotCancellable})
	case errors.Is(err, domain.ErrCancelWhileProcessing):
		ctx.JSON(http.StatusConflict, gin.H{"error": errJobBusy})
	case errors.Is(err, domain.ErrInvalidTransition):
		ctx.JSON(http.StatusConflict, gin.H{"error": errInvalidTransition})
	case errors.Is(err, domain.ErrNotInReview):
		ctx.JSON(http.StatusConflict, gin.H{"error": errNotInReview})
	case errors.As(err, &verr):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	default:
		h.logger.ErrorContext(ctx.Request.Context(), op, "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
