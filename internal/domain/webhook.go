package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrWebhookNotFound   = errors.New("webhook not found")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrUnknownOracle     = errors.New("unknown oracle address")
	ErrInvalidEventType  = errors.New("invalid webhook event type")
	ErrMissingEventData  = errors.New("event data is required for this event type")
	ErrWebhookURLMissing = errors.New("oracle webhook url not found")
)

type EventType string

const (
	EventEscrowCreated         EventType = "escrow_created"
	EventEscrowCompleted       EventType = "escrow_completed"
	EventEscrowCanceled        EventType = "escrow_canceled"
	EventEscrowFailed          EventType = "escrow_failed"
	EventCancellationRequested EventType = "cancellation_requested"
	EventAbuseDetected         EventType = "abuse_detected"
)

// IncomingEvents are the event types the receiver accepts from other oracles.
var IncomingEvents = []EventType{
	EventEscrowCompleted,
	EventEscrowCanceled,
	EventEscrowFailed,
	EventAbuseDetected,
}

func (e EventType) Incoming() bool {
	for _, v := range IncomingEvents {
		if e == v {
			return true
		}
	}
	return false
}

type OutgoingStatus string

const (
	OutgoingPending OutgoingStatus = "pending"
	OutgoingSent    OutgoingStatus = "sent"
	OutgoingFailed  OutgoingStatus = "failed"
)

func (s OutgoingStatus) Valid() bool {
	return s == OutgoingPending || s == OutgoingSent || s == OutgoingFailed
}

type IncomingStatus string

const (
	IncomingPending   IncomingStatus = "pending"
	IncomingCompleted IncomingStatus = "completed"
	IncomingFailed    IncomingStatus = "failed"
)

// WebhookOutgoing is a notification queued for delivery to another oracle.
type WebhookOutgoing struct {
	ID            string
	Payload       json.RawMessage
	ContentHash   string
	TargetURL     string
	RetriesCount  int
	WaitUntil     time.Time
	Status        OutgoingStatus
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WebhookIncoming is an event received from another oracle, pending application
// to the job it refers to.
type WebhookIncoming struct {
	ID            string
	ChainID       int64
	EscrowAddress string
	EventType     EventType
	OracleAddress string
	EventData     json.RawMessage // nil when the sender sent none
	RetriesCount  int
	WaitUntil     time.Time
	Status        IncomingStatus
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
