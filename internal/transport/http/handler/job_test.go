package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/transport/http/handler"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/usecase"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---- fakes ----

type fakeJobs struct {
	create   func(ctx context.Context, in usecase.CreateJobInput) (*domain.Job, error)
	get      func(ctx context.Context, id string, a usecase.Actor) (*domain.Job, error)
	list     func(ctx context.Context, in usecase.ListJobsInput) (usecase.ListJobsResult, error)
	cancel   func(ctx context.Context, id string, a usecase.Actor) (*domain.Job, error)
	pay      func(ctx context.Context, id string, a usecase.Actor) (*domain.Job, error)
	decide   func(ctx context.Context, id string, d domain.ModerationDecision) error
	webhooks func(ctx context.Context, status string, limit int) ([]*domain.WebhookOutgoing, error)
}

func (f *fakeJobs) CreateJob(ctx context.Context, in usecase.CreateJobInput) (*domain.Job, error) {
	return f.create(ctx, in)
}

func (f *fakeJobs) GetByID(ctx context.Context, id string, a usecase.Actor) (*domain.Job, error) {
	return f.get(ctx, id, a)
}

func (f *fakeJobs) ListJobs(ctx context.Context, in usecase.ListJobsInput) (usecase.ListJobsResult, error) {
	return f.list(ctx, in)
}

func (f *fakeJobs) CancelJob(ctx context.Context, id string, a usecase.Actor) (*domain.Job, error) {
	return f.cancel(ctx, id, a)
}

func (f *fakeJobs) ConfirmPayment(ctx context.Context, id string, a usecase.Actor) (*domain.Job, error) {
	return f.pay(ctx, id, a)
}

func (f *fakeJobs) RecordModerationDecision(ctx context.Context, id string, d domain.ModerationDecision) error {
	return f.decide(ctx, id, d)
}

func (f *fakeJobs) ListWebhooks(ctx context.Context, status string, limit int) ([]*domain.WebhookOutgoing, error) {
	return f.webhooks(ctx, status, limit)
}

// ---- helpers ----

// newJobEngine mounts the handler behind a stub that plays the role of Auth.
func newJobEngine(jobs *fakeJobs, operator bool) *gin.Engine {
	h := handler.NewJobHandler(jobs, slog.New(slog.DiscardHandler))
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "user-1")
		c.Set("operator", operator)
	})
	r.POST("/jobs", h.Create)
	r.GET("/jobs", h.List)
	r.GET("/jobs/:id", h.GetByID)
	r.POST("/jobs/:id/cancel", h.Cancel)
	r.POST("/jobs/:id/payment", h.ConfirmPayment)
	r.POST("/jobs/:id/moderation-decision", h.RecordModerationDecision)
	r.GET("/webhooks/outgoing", h.ListWebhooks)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// ---- tests ----

func TestCreate_PassesRequest(t *testing.T) {
	var got usecase.CreateJobInput
	jobs := &fakeJobs{create: func(_ context.Context, in usecase.CreateJobInput) (*domain.Job, error) {
		got = in
		return &domain.Job{ID: "job-1", Status: domain.StatusPending, JobType: in.JobType}, nil
	}}

	body := `{"job_type":"fortune","token":"HMT","fund_amount":"10","manifest":{"k":1},"chain_id":80002}`
	w := do(newJobEngine(jobs, false), http.MethodPost, "/jobs", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if got.RequesterID != "user-1" || string(got.Manifest) != `{"k":1}` || got.ChainID == nil || *got.ChainID != 80002 {
		t.Errorf("input = %+v", got)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["id"] != "job-1" || resp["status"] != "pending" {
		t.Errorf("response = %v", resp)
	}
}

func TestCreate_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"malformed json", `{`, nil},
		{"missing job type", `{"token":"HMT","fund_amount":"1"}`, nil},
		{"validation from usecase", `{"job_type":"x","token":"HMT","fund_amount":"0"}`,
			domain.NewValidationError("fund_amount must be a positive decimal", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{create: func(context.Context, usecase.CreateJobInput) (*domain.Job, error) {
				return nil, tt.err
			}}
			if w := do(newJobEngine(jobs, false), http.MethodPost, "/jobs", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.ErrJobNotCancellable, http.StatusConflict},
		{domain.ErrCancelWhileProcessing, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			jobs := &fakeJobs{cancel: func(context.Context, string, usecase.Actor) (*domain.Job, error) {
				return nil, tt.err
			}}
			if w := do(newJobEngine(jobs, false), http.MethodPost, "/jobs/job-1/cancel", ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCancel_Accepted(t *testing.T) {
	jobs := &fakeJobs{cancel: func(_ context.Context, id string, a usecase.Actor) (*domain.Job, error) {
		if id != "job-1" || a.ID != "user-1" {
			t.Errorf("cancel(%q, %+v)", id, a)
		}
		return &domain.Job{ID: id, Status: domain.StatusToCancel}, nil
	}}
	if w := do(newJobEngine(jobs, false), http.MethodPost, "/jobs/job-1/cancel", ""); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestList_PassesQuery(t *testing.T) {
	next := "cur-2"
	jobs := &fakeJobs{list: func(_ context.Context, in usecase.ListJobsInput) (usecase.ListJobsResult, error) {
		if in.Status != "failed" || in.Cursor != "cur-1" || in.Limit != 5 || !in.Actor.Operator {
			t.Errorf("input = %+v", in)
		}
		return usecase.ListJobsResult{Jobs: []*domain.Job{{ID: "job-1"}}, NextCursor: &next}, nil
	}}

	w := do(newJobEngine(jobs, true), http.MethodGet, "/jobs?status=failed&cursor=cur-1&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Jobs       []map[string]any `json:"jobs"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.NextCursor != next {
		t.Errorf("response = %+v", resp)
	}
}

func TestRecordModerationDecision(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"accepted", `{"decision":"accepted"}`, nil, http.StatusNoContent},
		{"missing decision", `{}`, nil, http.StatusBadRequest},
		{"unknown decision", `{"decision":"maybe"}`, domain.ErrInvalidDecision, http.StatusBadRequest},
		{"not in review", `{"decision":"rejected"}`, domain.ErrNotInReview, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{decide: func(context.Context, string, domain.ModerationDecision) error { return tt.err }}
			if w := do(newJobEngine(jobs, true), http.MethodPost, "/jobs/job-1/moderation-decision", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestListWebhooks(t *testing.T) {
	reason := "exhausted"
	jobs := &fakeJobs{webhooks: func(_ context.Context, status string, _ int) ([]*domain.WebhookOutgoing, error) {
		if status != "" {
			return nil, domain.ErrInvalidStatus
		}
		return []*domain.WebhookOutgoing{{
			ID:            "wh-1",
			TargetURL:     "http://oracle.test/hook",
			Payload:       json.RawMessage(`{"event_type":"escrow_created"}`),
			Status:        domain.OutgoingFailed,
			FailureReason: &reason,
		}}, nil
	}}
	r := newJobEngine(jobs, true)

	w := do(r, http.MethodGet, "/webhooks/outgoing", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"failure_reason":"exhausted"`) {
		t.Errorf("status = %d, body %s", w.Code, w.Body)
	}
	if w := do(r, http.MethodGet, "/webhooks/outgoing?status=lost", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", w.Code)
	}
}
