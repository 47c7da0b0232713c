package stage

import (
	"context"
	"fmt"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/chain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/webhook"
)

func requireRouting(job *domain.Job) error {
	if !job.Routed() {
		return domain.NewValidationError("job has no network or oracle assignment", nil)
	}
	return nil
}

func requireEscrow(job *domain.Job) error {
	if job.ChainID == nil || job.EscrowAddress == nil {
		return domain.NewValidationError("job has no escrow", nil)
	}
	return nil
}

func (r *Runner) NewCreateEscrow(client chain.Client) *Processor {
	return r.processor(domain.StageCreateEscrow, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		if err := requireRouting(job); err != nil {
			return nil, err
		}
		address, err := client.CreateEscrow(ctx, chain.CreateEscrowRequest{
			ChainID:   *job.ChainID,
			JobID:     job.ID,
			Token:     job.Token,
			Requester: job.RequesterID,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{To: domain.StatusCreated, Update: domain.JobUpdate{EscrowAddress: &address}}, nil
	})
}

func (r *Runner) NewFundEscrow(client chain.Client) *Processor {
	return r.processor(domain.StageFundEscrow, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		if err := requireEscrow(job); err != nil {
			return nil, err
		}
		err := client.FundEscrow(ctx, chain.FundEscrowRequest{
			ChainID:       *job.ChainID,
			EscrowAddress: *job.EscrowAddress,
			Token:         job.Token,
			Amount:        job.FundAmount,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{To: domain.StatusFunded}, nil
	})
}

// NewSetupEscrow configures the escrow's oracles and launches it. escrow_created is queued
// for the exchange oracle in the same transaction as the launch.
func (r *Runner) NewSetupEscrow(client chain.Client) *Processor {
	return r.processor(domain.StageSetupEscrow, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		if err := requireEscrow(job); err != nil {
			return nil, err
		}
		if err := requireRouting(job); err != nil {
			return nil, err
		}

		// Resolve the url first so a missing registration does not repeat the setup call.
		url, err := client.OracleWebhookURL(ctx, *job.ChainID, *job.ExchangeOracle)
		if err != nil {
			return nil, err
		}

		err = client.SetupEscrow(ctx, chain.SetupEscrowRequest{
			ChainID:          *job.ChainID,
			EscrowAddress:    *job.EscrowAddress,
			ReputationOracle: *job.ReputationOracle,
			ExchangeOracle:   *job.ExchangeOracle,
			RecordingOracle:  *job.RecordingOracle,
			ManifestURL:      job.ManifestURL,
			ManifestHash:     job.ManifestHash,
		})
		if err != nil {
			return nil, err
		}

		created, err := webhook.NewOutgoing(webhook.Event{
			EventType:     domain.EventEscrowCreated,
			ChainID:       *job.ChainID,
			EscrowAddress: *job.EscrowAddress,
		}, url)
		if err != nil {
			return nil, err
		}
		return &Outcome{To: domain.StatusLaunched, Webhooks: []*domain.WebhookOutgoing{created}}, nil
	})
}

// NewCancelEscrow cancels jobs marked to_cancel. Jobs that never got an escrow are
// canceled directly; the rest request on-chain cancellation and wait for sync to confirm.
func (r *Runner) NewCancelEscrow(client chain.Client) *Processor {
	return r.processor(domain.StageCancelEscrow, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		if job.EscrowAddress == nil || job.ChainID == nil {
			return &Outcome{To: domain.StatusCanceled}, nil
		}

		var webhooks []*domain.WebhookOutgoing
		if job.ExchangeOracle != nil {
			url, err := client.OracleWebhookURL(ctx, *job.ChainID, *job.ExchangeOracle)
			if err != nil {
				return nil, err
			}
			w, err := webhook.NewOutgoing(webhook.Event{
				EventType:     domain.EventCancellationRequested,
				ChainID:       *job.ChainID,
				EscrowAddress: *job.EscrowAddress,
			}, url)
			if err != nil {
				return nil, err
			}
			webhooks = append(webhooks, w)
		}

		// A previous attempt may have reached the chain before its transition was lost.
		status, err := client.GetEscrowStatus(ctx, *job.ChainID, *job.EscrowAddress)
		if err != nil {
			return nil, err
		}
		switch status {
		case chain.EscrowCancelled:
		case chain.EscrowComplete, chain.EscrowPaid:
			return nil, domain.NewValidationError(fmt.Sprintf("escrow already %s", status), domain.ErrJobNotCancellable)
		default:
			if err := client.CancelEscrow(ctx, *job.ChainID, *job.EscrowAddress); err != nil {
				return nil, err
			}
		}
		return &Outcome{To: domain.StatusCanceling, Webhooks: webhooks}, nil
	})
}
