package domain

import "time"

type StageType string

const (
	StageModerationSubmit   StageType = "moderation-submit"
	StageModerationParse    StageType = "moderation-parse"
	StageModerationComplete StageType = "moderation-complete"
	StageCreateEscrow       StageType = "create-escrow"
	StageFundEscrow         StageType = "fund-escrow"
	StageSetupEscrow        StageType = "setup-escrow"
	StageCancelEscrow       StageType = "cancel-escrow"
	StageSyncJobStatuses    StageType = "sync-job-statuses"
	StageIncomingWebhooks   StageType = "process-incoming-webhooks"
	StageOutgoingWebhooks   StageType = "dispatch-outgoing-webhooks"
)

var AllStages = []StageType{
	StageModerationSubmit,
	StageModerationParse,
	StageModerationComplete,
	StageCreateEscrow,
	StageFundEscrow,
	StageSetupEscrow,
	StageCancelEscrow,
	StageSyncJobStatuses,
	StageIncomingWebhooks,
	StageOutgoingWebhooks,
}

func (s StageType) Valid() bool {
	for _, v := range AllStages {
		if s == v {
			return true
		}
	}
	return false
}

// CronJobRun is one execution of a stage. A run with CompletedAt == nil holds
// the stage's run slot.
type CronJobRun struct {
	ID          string
	StageType   StageType
	CreatedAt   time.Time
	CompletedAt *time.Time
}
