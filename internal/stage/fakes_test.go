package stage_test

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/chain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/moderation"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
)

// memJobs is an in-memory JobRepository. FindDue keeps the SQL ordering and LIMIT but
// ignores wait_until so tests can drive retries without sleeping; reschedules are
// recorded for inspection instead.
type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	webhooks map[string]*domain.WebhookOutgoing
	order    []string
	waits    []time.Time
	deferred []string
}

func newMemJobs(jobs ...*domain.Job) *memJobs {
	m := &memJobs{jobs: map[string]*domain.Job{}, webhooks: map[string]*domain.WebhookOutgoing{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) Create(_ context.Context, job *domain.Job) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) GetByEscrow(context.Context, int64, string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (m *memJobs) ListJobs(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}

func (m *memJobs) FindDue(_ context.Context, in repository.DueJobsInput) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if !slices.Contains(in.Statuses, j.Status) {
			continue
		}
		if in.DecidedOnly && j.ModerationDecision == nil {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		if c := a.WaitUntil.Compare(b.WaitUntil); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

func (m *memJobs) Transition(_ context.Context, in repository.TransitionInput) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[in.JobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != in.From {
		return nil, domain.ErrStaleTransition
	}

	next := *j
	next.Status = in.To
	u := in.Update
	if u.ChainID != nil {
		next.ChainID = u.ChainID
	}
	if u.EscrowAddress != nil {
		next.EscrowAddress = u.EscrowAddress
	}
	if u.ReputationOracle != nil {
		next.ReputationOracle = u.ReputationOracle
	}
	if u.ExchangeOracle != nil {
		next.ExchangeOracle = u.ExchangeOracle
	}
	if u.RecordingOracle != nil {
		next.RecordingOracle = u.RecordingOracle
	}
	next.FailureReason = u.FailureReason
	next.RetriesCount = 0

	// Same guard as the jobs_no_escrow_before_moderation constraint.
	if next.EscrowAddress != nil && (next.Status == domain.StatusPending || next.Status == domain.StatusPaid) {
		return nil, domain.NewValidationError("escrow before moderation", nil)
	}

	*j = next
	for _, w := range in.Webhooks {
		if _, dup := m.webhooks[w.ContentHash]; dup {
			continue
		}
		m.webhooks[w.ContentHash] = w
		m.order = append(m.order, w.ContentHash)
	}
	cp := next
	return &cp, nil
}

func (m *memJobs) Reschedule(_ context.Context, in repository.RescheduleInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[in.JobID]
	if j == nil || j.Status != in.From {
		return domain.ErrStaleTransition
	}
	j.RetriesCount = in.Retries
	j.WaitUntil = in.WaitUntil
	j.FailureReason = &in.Reason
	m.waits = append(m.waits, in.WaitUntil)
	return nil
}

func (m *memJobs) Defer(_ context.Context, id string, from domain.JobStatus, waitUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j == nil || j.Status != from {
		return domain.ErrStaleTransition
	}
	j.WaitUntil = waitUntil
	m.deferred = append(m.deferred, id)
	return nil
}

func (m *memJobs) SetModerationDecision(_ context.Context, id string, d domain.ModerationDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j == nil {
		return domain.ErrJobNotFound
	}
	j.ModerationDecision = &d
	return nil
}

func (m *memJobs) job(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) setStatus(id string, s domain.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = s
}

func (m *memJobs) webhooksOf(t domain.EventType) []*domain.WebhookOutgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WebhookOutgoing
	for _, h := range m.order {
		w := m.webhooks[h]
		if eventType(w) == t {
			out = append(out, w)
		}
	}
	return out
}

// fakeChain is a chain.Client driven by func fields; unset fields succeed.
type fakeChain struct {
	mu          sync.Mutex
	escrows     map[string]chain.EscrowStatus
	created     int
	canceled    int
	createFn    func() (string, error)
	fundErr     error
	webhookURL  func(addr string) (string, error)
	findOracles func(role domain.OracleRole) ([]string, error)
}

func newFakeChain() *fakeChain {
	return &fakeChain{escrows: map[string]chain.EscrowStatus{}}
}

func (c *fakeChain) CreateEscrow(_ context.Context, _ chain.CreateEscrowRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createFn != nil {
		return c.createFn()
	}
	c.created++
	addr := "0xescrow" + string(rune('0'+c.created))
	c.escrows[addr] = chain.EscrowPending
	return addr, nil
}

func (c *fakeChain) FundEscrow(context.Context, chain.FundEscrowRequest) error {
	return c.fundErr
}

func (c *fakeChain) SetupEscrow(_ context.Context, req chain.SetupEscrowRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escrows[req.EscrowAddress] = chain.EscrowLaunched
	return nil
}

func (c *fakeChain) GetEscrowStatus(_ context.Context, _ int64, addr string) (chain.EscrowStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.escrows[addr], nil
}

func (c *fakeChain) CancelEscrow(_ context.Context, _ int64, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled++
	c.escrows[addr] = chain.EscrowCancelled
	return nil
}

func (c *fakeChain) FindOracles(_ context.Context, _ int64, _ string, role domain.OracleRole, _ string) ([]string, error) {
	if c.findOracles != nil {
		return c.findOracles(role)
	}
	return []string{"0x" + string(role)}, nil
}

func (c *fakeChain) OracleWebhookURL(_ context.Context, _ int64, addr string) (string, error) {
	if c.webhookURL != nil {
		return c.webhookURL(addr)
	}
	return "http://oracle.test/" + addr, nil
}

func (c *fakeChain) setEscrow(addr string, s chain.EscrowStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escrows[addr] = s
}

type fakeModerator struct {
	skip     bool
	loadErr  error
	verdict  moderation.Verdict
	loadCall int
}

func (m *fakeModerator) Skip(string) bool { return m.skip }

func (m *fakeModerator) LoadManifest(context.Context, string, string) ([]byte, error) {
	m.loadCall++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return []byte(`{"title":"label cats"}`), nil
}

func (m *fakeModerator) Scan([]byte) (moderation.Verdict, error) { return m.verdict, nil }

type recordingAbuse struct {
	calls   int
	matches []string
}

func (n *recordingAbuse) PossibleAbuse(_ context.Context, _ *domain.Job, matches []string) error {
	n.calls++
	n.matches = matches
	return nil
}

func eventType(w *domain.WebhookOutgoing) domain.EventType {
	var e struct {
		EventType domain.EventType `json:"event_type"`
	}
	_ = json.Unmarshal(w.Payload, &e)
	return e.EventType
}
