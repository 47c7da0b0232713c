// Package chain talks to the escrow contracts through a signing gateway.
package chain

import (
	"context"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

// EscrowStatus mirrors the on-chain escrow state machine.
type EscrowStatus string

const (
	EscrowLaunched  EscrowStatus = "Launched"
	EscrowPending   EscrowStatus = "Pending"
	EscrowPartial   EscrowStatus = "Partial"
	EscrowPaid      EscrowStatus = "Paid"
	EscrowComplete  EscrowStatus = "Complete"
	EscrowCancelled EscrowStatus = "Cancelled"
)

type CreateEscrowRequest struct {
	ChainID   int64  `json:"-"`
	JobID     string `json:"job_id"`
	Token     string `json:"token"`
	Requester string `json:"requester"`
}

type FundEscrowRequest struct {
	ChainID       int64  `json:"-"`
	EscrowAddress string `json:"-"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
}

type SetupEscrowRequest struct {
	ChainID          int64  `json:"-"`
	EscrowAddress    string `json:"-"`
	ReputationOracle string `json:"reputation_oracle"`
	ExchangeOracle   string `json:"exchange_oracle"`
	RecordingOracle  string `json:"recording_oracle"`
	ManifestURL      string `json:"manifest_url"`
	ManifestHash     string `json:"manifest_hash"`
}

// Client is the contract surface the stage processors need. Every call may fail
// transiently; failures the contract will never accept are domain.ValidationError.
type Client interface {
	CreateEscrow(ctx context.Context, req CreateEscrowRequest) (string, error)
	FundEscrow(ctx context.Context, req FundEscrowRequest) error
	SetupEscrow(ctx context.Context, req SetupEscrowRequest) error
	GetEscrowStatus(ctx context.Context, chainID int64, escrowAddress string) (EscrowStatus, error)
	CancelEscrow(ctx context.Context, chainID int64, escrowAddress string) error

	FindOracles(ctx context.Context, chainID int64, reputationOracle string, role domain.OracleRole, jobType string) ([]string, error)
	OracleWebhookURL(ctx context.Context, chainID int64, oracleAddress string) (string, error)
}
