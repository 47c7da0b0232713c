package stage_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/backoff"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/chain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/moderation"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/routing"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/stage"
)

type harness struct {
	jobs      *memJobs
	chain     *fakeChain
	moderator *fakeModerator
	abuse     *recordingAbuse
	runner    *stage.Runner
	procs     []*stage.Processor
}

func newHarness(t *testing.T, jobs ...*domain.Job) *harness {
	t.Helper()
	return newHarnessWithBatch(t, 10, jobs...)
}

func newHarnessWithBatch(t *testing.T, batch int, jobs ...*domain.Job) *harness {
	t.Helper()
	h := &harness{
		jobs:      newMemJobs(jobs...),
		chain:     newFakeChain(),
		moderator: &fakeModerator{},
		abuse:     &recordingAbuse{},
	}
	selector, err := routing.NewSelector([]int64{80002}, []string{"0xrep"}, h.chain, routing.NewMemoryCursor(), 7)
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	h.runner = stage.NewRunner(h.jobs, h.chain, stage.Config{
		BatchSize:       batch,
		ItemTimeout:     time.Second,
		Policy:          backoff.NewPolicy(time.Second, time.Minute, 5),
		RecheckInterval: time.Minute,
	}, slog.New(slog.DiscardHandler))
	h.procs = h.runner.Processors(stage.Deps{
		Chain:     h.chain,
		Router:    selector,
		Moderator: h.moderator,
		Notifier:  h.abuse,
	})
	return h
}

func (h *harness) run(t *testing.T, st domain.StageType) {
	t.Helper()
	for _, p := range h.procs {
		if p.Stage() == st {
			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("run %s: %v", st, err)
			}
			return
		}
	}
	t.Fatalf("no processor for %s", st)
}

func (h *harness) runAll(t *testing.T) {
	t.Helper()
	for _, p := range h.procs {
		if err := p.Run(context.Background()); err != nil {
			t.Fatalf("run %s: %v", p.Stage(), err)
		}
	}
}

func paidJob() *domain.Job {
	return &domain.Job{
		ID:           "job-1",
		RequesterID:  "user-1",
		JobType:      "image_labeling",
		Status:       domain.StatusPaid,
		ManifestURL:  "http://storage.test/m.json",
		ManifestHash: "abc",
		Token:        "HMT",
		FundAmount:   "100",
	}
}

func ptr[T any](v T) *T { return &v }

func launch(t *testing.T, h *harness) domain.Job {
	t.Helper()
	h.runAll(t)
	job := h.jobs.job("job-1")
	if job.Status != domain.StatusLaunched {
		t.Fatalf("status = %s, want launched (reason %v)", job.Status, job.FailureReason)
	}
	return job
}

func TestPipeline_PaidJobIsLaunchedWithOneEscrowCreated(t *testing.T) {
	h := newHarness(t, paidJob())
	job := launch(t, h)

	if !job.Routed() || *job.ChainID != 80002 || *job.ReputationOracle != "0xrep" {
		t.Errorf("job not routed: %+v", job)
	}
	if job.EscrowAddress == nil {
		t.Fatal("escrow address not recorded")
	}

	created := h.jobs.webhooksOf(domain.EventEscrowCreated)
	if len(created) != 1 {
		t.Fatalf("escrow_created webhooks = %d, want 1", len(created))
	}
	if created[0].TargetURL != "http://oracle.test/0xexchange_oracle" || created[0].ContentHash == "" {
		t.Errorf("unexpected webhook: %+v", created[0])
	}

	// Further ticks change nothing.
	h.runAll(t)
	h.runAll(t)
	if n := len(h.jobs.webhooksOf(domain.EventEscrowCreated)); n != 1 {
		t.Errorf("escrow_created webhooks after more ticks = %d, want 1", n)
	}
	if h.chain.created != 1 {
		t.Errorf("escrows created = %d, want 1", h.chain.created)
	}
}

func TestPipeline_SkipModerationJobType(t *testing.T) {
	h := newHarness(t, paidJob())
	h.moderator.skip = true

	h.run(t, domain.StageModerationSubmit)
	if got := h.jobs.job("job-1").Status; got != domain.StatusModerationPassed {
		t.Errorf("status = %s, want moderation_passed", got)
	}
}

func TestPipeline_CancelLaunchedJob(t *testing.T) {
	h := newHarness(t, paidJob())
	job := launch(t, h)

	h.jobs.setStatus(job.ID, domain.StatusToCancel)
	h.run(t, domain.StageCancelEscrow)

	if got := h.jobs.job(job.ID).Status; got != domain.StatusCanceling {
		t.Fatalf("status = %s, want canceling", got)
	}
	if n := len(h.jobs.webhooksOf(domain.EventCancellationRequested)); n != 1 {
		t.Fatalf("cancellation_requested webhooks = %d, want 1", n)
	}

	h.run(t, domain.StageSyncJobStatuses)
	if got := h.jobs.job(job.ID).Status; got != domain.StatusCanceled {
		t.Errorf("status = %s, want canceled", got)
	}
	if h.chain.canceled != 1 {
		t.Errorf("on-chain cancellations = %d, want 1", h.chain.canceled)
	}
}

func TestCancel_AlreadyCancelledOnChainIsNotCancelledAgain(t *testing.T) {
	h := newHarness(t, paidJob())
	job := launch(t, h)
	h.chain.setEscrow(*job.EscrowAddress, chain.EscrowCancelled)
	h.jobs.setStatus(job.ID, domain.StatusToCancel)

	h.run(t, domain.StageCancelEscrow)
	if got := h.jobs.job(job.ID).Status; got != domain.StatusCanceling {
		t.Errorf("status = %s, want canceling", got)
	}
	if h.chain.canceled != 0 {
		t.Errorf("cancel called %d times for a cancelled escrow", h.chain.canceled)
	}
}

func TestCancel_WithoutEscrowGoesStraightToCanceled(t *testing.T) {
	job := paidJob()
	job.Status = domain.StatusToCancel
	h := newHarness(t, job)

	h.run(t, domain.StageCancelEscrow)
	if got := h.jobs.job(job.ID).Status; got != domain.StatusCanceled {
		t.Errorf("status = %s, want canceled", got)
	}
	if n := len(h.jobs.webhooksOf(domain.EventCancellationRequested)); n != 0 {
		t.Errorf("cancellation_requested webhooks = %d, want 0", n)
	}
}

func TestModerationSubmit_NoAvailableOracleLeavesJobUnrouted(t *testing.T) {
	h := newHarness(t, paidJob())
	h.chain.findOracles = func(role domain.OracleRole) ([]string, error) {
		if role == domain.RoleRecordingOracle {
			return nil, nil
		}
		return []string{"0x" + string(role)}, nil
	}

	h.run(t, domain.StageModerationSubmit)

	job := h.jobs.job("job-1")
	if job.Status != domain.StatusPaid {
		t.Errorf("status = %s, want paid", job.Status)
	}
	if job.ChainID != nil || job.ExchangeOracle != nil || job.RecordingOracle != nil {
		t.Errorf("partial routing persisted: %+v", job)
	}
	if job.RetriesCount != 1 {
		t.Errorf("retries = %d, want 1", job.RetriesCount)
	}
}

func TestTransientFailures_BackOffThenFail(t *testing.T) {
	h := newHarness(t, paidJob())
	h.chain.fundErr = errors.New("rpc timeout")

	h.run(t, domain.StageModerationSubmit)
	h.run(t, domain.StageModerationParse)
	h.run(t, domain.StageCreateEscrow)
	for i := 0; i < 7; i++ {
		h.run(t, domain.StageFundEscrow)
	}

	job := h.jobs.job("job-1")
	if job.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.FailureReason == nil || *job.FailureReason != "rpc timeout" {
		t.Errorf("failure reason = %v", job.FailureReason)
	}
	if len(h.jobs.waits) != 4 {
		t.Fatalf("reschedules = %d, want 4", len(h.jobs.waits))
	}
	for i := 1; i < len(h.jobs.waits); i++ {
		if !h.jobs.waits[i].After(h.jobs.waits[i-1]) {
			t.Errorf("wait_until did not increase at retry %d", i+1)
		}
	}
	if n := len(h.jobs.webhooksOf(domain.EventEscrowFailed)); n != 1 {
		t.Errorf("escrow_failed webhooks = %d, want 1", n)
	}
}

func TestValidationError_FailsImmediately(t *testing.T) {
	h := newHarness(t, paidJob())
	h.moderator.loadErr = domain.NewValidationError("manifest hash mismatch", domain.ErrInvalidManifest)

	h.run(t, domain.StageModerationSubmit)

	job := h.jobs.job("job-1")
	if job.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if len(h.jobs.waits) != 0 {
		t.Error("validation failure was rescheduled")
	}
	if n := len(h.jobs.webhooksOf(domain.EventEscrowFailed)); n != 0 {
		t.Errorf("escrow_failed sent for a job without escrow")
	}
}

func TestModeration_AbuseReviewAndDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision domain.ModerationDecision
		want     domain.JobStatus
	}{
		{"accepted", domain.DecisionAccepted, domain.StatusModerationPassed},
		{"rejected", domain.DecisionRejected, domain.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, paidJob())
			h.moderator.verdict = moderation.Verdict{Abuse: true, Matches: []string{"weapon"}}

			h.run(t, domain.StageModerationSubmit)
			h.run(t, domain.StageModerationParse)
			if got := h.jobs.job("job-1").Status; got != domain.StatusPossibleAbuseInReview {
				t.Fatalf("status = %s, want possible_abuse_in_review", got)
			}
			if h.abuse.calls != 1 || h.abuse.matches[0] != "weapon" {
				t.Errorf("operator notification: calls=%d matches=%v", h.abuse.calls, h.abuse.matches)
			}

			// Without a decision the job waits.
			h.run(t, domain.StageModerationComplete)
			if got := h.jobs.job("job-1").Status; got != domain.StatusPossibleAbuseInReview {
				t.Fatalf("undecided job moved to %s", got)
			}

			_ = h.jobs.SetModerationDecision(context.Background(), "job-1", tt.decision)
			h.run(t, domain.StageModerationComplete)
			if got := h.jobs.job("job-1").Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSync_FollowsOnChainStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.JobStatus
		onChain chain.EscrowStatus
		want    domain.JobStatus
	}{
		{"launched stays launched", domain.StatusLaunched, chain.EscrowLaunched, domain.StatusLaunched},
		{"launched to partial", domain.StatusLaunched, chain.EscrowPartial, domain.StatusPartial},
		{"launched to completed", domain.StatusLaunched, chain.EscrowComplete, domain.StatusCompleted},
		{"partial to completed", domain.StatusPartial, chain.EscrowPaid, domain.StatusCompleted},
		{"partial ignores partial", domain.StatusPartial, chain.EscrowPartial, domain.StatusPartial},
		{"canceling to canceled", domain.StatusCanceling, chain.EscrowCancelled, domain.StatusCanceled},
		{"canceling waits", domain.StatusCanceling, chain.EscrowLaunched, domain.StatusCanceling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := paidJob()
			job.Status = tt.from
			job.ChainID = ptr(int64(80002))
			job.EscrowAddress = ptr("0xe")
			h := newHarness(t, job)
			h.chain.setEscrow("0xe", tt.onChain)

			h.run(t, domain.StageSyncJobStatuses)
			if got := h.jobs.job(job.ID).Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSync_ReachesJobsBeyondTheBatch(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	var jobs []*domain.Job
	for i, addr := range []string{"0xa", "0xb", "0xc", "0xd", "0xe"} {
		job := paidJob()
		job.ID = "job-" + addr
		job.Status = domain.StatusLaunched
		job.ChainID = ptr(int64(80002))
		job.EscrowAddress = ptr(addr)
		job.CreatedAt = created.Add(time.Duration(i) * time.Minute)
		job.WaitUntil = job.CreatedAt
		jobs = append(jobs, job)
	}
	h := newHarnessWithBatch(t, 2, jobs...)
	for _, addr := range []string{"0xa", "0xb", "0xc", "0xd"} {
		h.chain.setEscrow(addr, chain.EscrowLaunched)
	}
	// Only the newest job has anything to reconcile.
	h.chain.setEscrow("0xe", chain.EscrowComplete)

	for tick := 0; tick < 3; tick++ {
		h.run(t, domain.StageSyncJobStatuses)
	}

	if got := h.jobs.job("job-0xe").Status; got != domain.StatusCompleted {
		t.Fatalf("job-0xe status = %s after 3 ticks, want completed", got)
	}
	for _, id := range []string{"job-0xa", "job-0xb", "job-0xc", "job-0xd"} {
		job := h.jobs.job(id)
		if job.Status != domain.StatusLaunched {
			t.Errorf("%s status = %s, want launched", id, job.Status)
		}
		if job.RetriesCount != 0 || job.FailureReason != nil {
			t.Errorf("%s: unchanged job counted as a failure", id)
		}
		if !job.WaitUntil.After(time.Now()) {
			t.Errorf("%s was not pushed back", id)
		}
	}
	if len(h.jobs.waits) != 0 {
		t.Errorf("reschedules = %d, want 0", len(h.jobs.waits))
	}
}

func TestConcurrentCancelWinsOverStage(t *testing.T) {
	h := newHarness(t, paidJob())
	h.run(t, domain.StageModerationSubmit)
	h.run(t, domain.StageModerationParse)

	h.chain.createFn = func() (string, error) {
		// A cancellation lands while the escrow is being created.
		h.jobs.setStatus("job-1", domain.StatusToCancel)
		return "0xlate", nil
	}
	h.run(t, domain.StageCreateEscrow)

	job := h.jobs.job("job-1")
	if job.Status != domain.StatusToCancel {
		t.Errorf("status = %s, want to_cancel", job.Status)
	}
	if job.RetriesCount != 0 || len(h.jobs.waits) != 0 {
		t.Error("stale transition was treated as a failure")
	}
}

func TestRun_StopsOnCanceledContext(t *testing.T) {
	h := newHarness(t, paidJob())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, p := range h.procs {
		if p.Stage() != domain.StageModerationSubmit {
			continue
		}
		if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	}
	if h.moderator.loadCall != 0 {
		t.Error("job processed after cancellation")
	}
}
