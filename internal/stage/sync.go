package stage

import (
	"context"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/chain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

// NewSyncJobStatuses reconciles live jobs with the on-chain state of their escrows.
func (r *Runner) NewSyncJobStatuses(client chain.Client) *Processor {
	return r.processor(domain.StageSyncJobStatuses, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		if err := requireEscrow(job); err != nil {
			return nil, err
		}
		status, err := client.GetEscrowStatus(ctx, *job.ChainID, *job.EscrowAddress)
		if err != nil {
			return nil, err
		}
		to, ok := syncTarget(job.Status, status)
		if !ok {
			return nil, nil
		}
		return &Outcome{To: to}, nil
	})
}

func syncTarget(current domain.JobStatus, onChain chain.EscrowStatus) (domain.JobStatus, bool) {
	switch current {
	case domain.StatusLaunched:
		switch onChain {
		case chain.EscrowPartial:
			return domain.StatusPartial, true
		case chain.EscrowComplete, chain.EscrowPaid:
			return domain.StatusCompleted, true
		}
	case domain.StatusPartial:
		if onChain == chain.EscrowComplete || onChain == chain.EscrowPaid {
			return domain.StatusCompleted, true
		}
	case domain.StatusCanceling:
		if onChain == chain.EscrowCancelled {
			return domain.StatusCanceled, true
		}
	}
	return "", false
}
