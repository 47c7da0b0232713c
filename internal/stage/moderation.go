package stage

import (
	"context"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/moderation"
)

// Router assigns a network and oracle triad to jobs that were submitted without one.
type Router interface {
	SelectNetwork(ctx context.Context) (int64, error)
	SelectReputationOracle(ctx context.Context) (string, error)
	SelectOracle(ctx context.Context, chainID int64, reputationOracle string, role domain.OracleRole, jobType string) (string, error)
}

type Moderator interface {
	Skip(jobType string) bool
	LoadManifest(ctx context.Context, url, wantHash string) ([]byte, error)
	Scan(manifest []byte) (moderation.Verdict, error)
}

type AbuseNotifier interface {
	PossibleAbuse(ctx context.Context, job *domain.Job, matches []string) error
}

// NewModerationSubmit routes paid jobs and hands them to moderation. Job types that carry
// no free-form content skip straight to moderation_passed.
func (r *Runner) NewModerationSubmit(router Router, moderator Moderator) *Processor {
	return r.processor(domain.StageModerationSubmit, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		if _, err := moderator.LoadManifest(ctx, job.ManifestURL, job.ManifestHash); err != nil {
			return nil, err
		}

		update, err := route(ctx, router, job)
		if err != nil {
			return nil, err
		}

		to := domain.StatusUnderModeration
		if moderator.Skip(job.JobType) {
			to = domain.StatusModerationPassed
		}
		return &Outcome{To: to, Update: update}, nil
	})
}

// route fills in whatever part of the routing the requester left empty.
func route(ctx context.Context, router Router, job *domain.Job) (domain.JobUpdate, error) {
	var u domain.JobUpdate

	var chainID int64
	if job.ChainID != nil {
		chainID = *job.ChainID
	} else {
		id, err := router.SelectNetwork(ctx)
		if err != nil {
			return u, err
		}
		chainID = id
		u.ChainID = &chainID
	}

	var rep string
	if job.ReputationOracle != nil {
		rep = *job.ReputationOracle
	} else {
		addr, err := router.SelectReputationOracle(ctx)
		if err != nil {
			return u, err
		}
		rep = addr
		u.ReputationOracle = &rep
	}

	if job.ExchangeOracle == nil {
		addr, err := router.SelectOracle(ctx, chainID, rep, domain.RoleExchangeOracle, job.JobType)
		if err != nil {
			return u, err
		}
		u.ExchangeOracle = &addr
	}
	if job.RecordingOracle == nil {
		addr, err := router.SelectOracle(ctx, chainID, rep, domain.RoleRecordingOracle, job.JobType)
		if err != nil {
			return u, err
		}
		u.RecordingOracle = &addr
	}
	return u, nil
}

// NewModerationParse scans manifests under moderation. Flagged jobs wait for an operator.
func (r *Runner) NewModerationParse(moderator Moderator, notifier AbuseNotifier) *Processor {
	return r.processor(domain.StageModerationParse, func(ctx context.Context, job *domain.Job) (*Outcome, error) {
		manifest, err := moderator.LoadManifest(ctx, job.ManifestURL, job.ManifestHash)
		if err != nil {
			return nil, err
		}
		verdict, err := moderator.Scan(manifest)
		if err != nil {
			return nil, err
		}
		if !verdict.Abuse {
			return &Outcome{To: domain.StatusModerationPassed}, nil
		}

		return &Outcome{
			To: domain.StatusPossibleAbuseInReview,
			AfterCommit: func(ctx context.Context, job *domain.Job) error {
				if notifier == nil {
					return nil
				}
				return notifier.PossibleAbuse(ctx, job, verdict.Matches)
			},
		}, nil
	})
}

// NewModerationComplete applies operator decisions recorded for jobs under review.
func (r *Runner) NewModerationComplete() *Processor {
	p := r.processor(domain.StageModerationComplete, func(_ context.Context, job *domain.Job) (*Outcome, error) {
		if job.ModerationDecision == nil {
			return nil, nil
		}
		switch *job.ModerationDecision {
		case domain.DecisionAccepted:
			return &Outcome{To: domain.StatusModerationPassed}, nil
		case domain.DecisionRejected:
			reason := "manifest rejected by moderation"
			return &Outcome{To: domain.StatusFailed, Update: domain.JobUpdate{FailureReason: &reason}}, nil
		}
		return nil, domain.NewValidationError("unknown moderation decision "+string(*job.ModerationDecision), nil)
	})
	p.decidedOnly = true
	return p
}
