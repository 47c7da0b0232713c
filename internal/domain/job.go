package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrInvalidTransition     = errors.New("invalid job status transition")
	ErrStaleTransition       = errors.New("job status changed concurrently")
	ErrJobNotCancellable     = errors.New("job cannot be canceled in its current status")
	ErrCancelWhileProcessing = errors.New("job is being processed by a running stage")
	ErrNotInReview           = errors.New("job is not under abuse review")
	ErrDuplicateEscrow       = errors.New("escrow address already belongs to another job")
	ErrInvalidStatus         = errors.New("invalid status value")
	ErrInvalidCursor         = errors.New("invalid pagination cursor")
	ErrInvalidDecision       = errors.New("invalid moderation decision")
)

type JobStatus string

const (
	StatusPending               JobStatus = "pending"
	StatusPaid                  JobStatus = "paid"
	StatusUnderModeration       JobStatus = "under_moderation"
	StatusModerationPassed      JobStatus = "moderation_passed"
	StatusPossibleAbuseInReview JobStatus = "possible_abuse_in_review"
	StatusCreated               JobStatus = "created"
	StatusFunded                JobStatus = "funded"
	StatusLaunched              JobStatus = "launched"
	StatusPartial               JobStatus = "partial"
	StatusCompleted             JobStatus = "completed"
	StatusFailed                JobStatus = "failed"
	StatusToCancel              JobStatus = "to_cancel"
	StatusCanceling             JobStatus = "canceling"
	StatusCanceled              JobStatus = "canceled"
)

// AllStatuses lists every job status in pipeline order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusPaid,
	StatusUnderModeration,
	StatusModerationPassed,
	StatusPossibleAbuseInReview,
	StatusCreated,
	StatusFunded,
	StatusLaunched,
	StatusPartial,
	StatusCompleted,
	StatusFailed,
	StatusToCancel,
	StatusCanceling,
	StatusCanceled,
}

func (s JobStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// HasEscrow reports whether a job in this status is expected to carry an escrow address.
// to_cancel and canceled may also be reached before an escrow exists.
func (s JobStatus) HasEscrow() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusLaunched, StatusPartial, StatusCompleted, StatusCanceling:
		return true
	}
	return false
}

type ModerationDecision string

const (
	DecisionAccepted ModerationDecision = "accepted"
	DecisionRejected ModerationDecision = "rejected"
)

func (d ModerationDecision) Valid() bool {
	return d == DecisionAccepted || d == DecisionRejected
}

type OracleRole string

const (
	RoleReputationOracle OracleRole = "reputation_oracle"
	RoleExchangeOracle   OracleRole = "exchange_oracle"
	RoleRecordingOracle  OracleRole = "recording_oracle"
)

type Job struct {
	ID          string
	RequesterID string
	JobType     string
	Status      JobStatus

	ChainID       *int64 // nil until routed
	ManifestURL   string
	ManifestHash  string
	Token         string
	FundAmount    string // decimal string, token units
	EscrowAddress *string

	ReputationOracle *string
	ExchangeOracle   *string
	RecordingOracle  *string

	ModerationDecision *ModerationDecision

	RetriesCount  int
	WaitUntil     time.Time
	FailureReason *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Routed reports whether chain and the full oracle triad are assigned.
func (j *Job) Routed() bool {
	return j.ChainID != nil && j.ReputationOracle != nil && j.ExchangeOracle != nil && j.RecordingOracle != nil
}

// JobUpdate carries the columns a stage may set alongside a status change.
// Nil fields are left untouched.
type JobUpdate struct {
	ChainID            *int64
	EscrowAddress      *string
	ReputationOracle   *string
	ExchangeOracle     *string
	RecordingOracle    *string
	FailureReason      *string
	ModerationDecision *ModerationDecision
}
