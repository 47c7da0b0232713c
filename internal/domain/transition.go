package domain

import "fmt"

// StageRule describes which statuses a job stage consumes and may produce.
type StageRule struct {
	From []JobStatus
	To   []JobStatus
}

// Transitions is the (currentStatus, stage) -> nextStatus table. Every status change
// a stage processor performs must be listed here; failed is implicitly reachable from
// any non-terminal status through retry exhaustion or a validation error.
var Transitions = map[StageType]StageRule{
	StageModerationSubmit: {
		From: []JobStatus{StatusPaid},
		To:   []JobStatus{StatusUnderModeration, StatusModerationPassed},
	},
	StageModerationParse: {
		From: []JobStatus{StatusUnderModeration},
		To:   []JobStatus{StatusModerationPassed, StatusPossibleAbuseInReview},
	},
	StageModerationComplete: {
		From: []JobStatus{StatusPossibleAbuseInReview},
		To:   []JobStatus{StatusModerationPassed},
	},
	StageCreateEscrow: {
		From: []JobStatus{StatusModerationPassed},
		To:   []JobStatus{StatusCreated},
	},
	StageFundEscrow: {
		From: []JobStatus{StatusCreated},
		To:   []JobStatus{StatusFunded},
	},
	StageSetupEscrow: {
		From: []JobStatus{StatusFunded},
		To:   []JobStatus{StatusLaunched},
	},
	StageCancelEscrow: {
		From: []JobStatus{StatusToCancel},
		To:   []JobStatus{StatusCanceling, StatusCanceled},
	},
	StageSyncJobStatuses: {
		From: []JobStatus{StatusLaunched, StatusPartial, StatusCanceling},
		To:   []JobStatus{StatusPartial, StatusCompleted, StatusCanceled},
	},
	StageIncomingWebhooks: {
		From: []JobStatus{StatusLaunched, StatusPartial, StatusCanceling},
		To:   []JobStatus{StatusCompleted, StatusCanceled, StatusToCancel},
	},
}

// CanTransition reports whether stage may move a job from -> to.
func CanTransition(stage StageType, from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	rule, ok := Transitions[stage]
	if !ok || !containsStatus(rule.From, from) || !containsStatus(rule.To, to) {
		return false
	}
	return allowedPair(stage, from, to)
}

// CheckTransition is CanTransition returning a wrapped ErrInvalidTransition.
func CheckTransition(stage StageType, from, to JobStatus) error {
	if !CanTransition(stage, from, to) {
		return fmt.Errorf("%w: %s -> %s by %s", ErrInvalidTransition, from, to, stage)
	}
	return nil
}

// CancelTarget returns the status a cancellation request moves a job to.
func CancelTarget(from JobStatus) (JobStatus, error) {
	if from.IsTerminal() || from == StatusToCancel || from == StatusCanceling {
		return "", ErrJobNotCancellable
	}
	return StatusToCancel, nil
}

// StagesFrom lists the job stages that pick up jobs in status s.
func StagesFrom(s JobStatus) []StageType {
	var out []StageType
	for _, st := range AllStages {
		if rule, ok := Transitions[st]; ok && containsStatus(rule.From, s) {
			out = append(out, st)
		}
	}
	return out
}

// allowedPair narrows stages whose From/To sets are not a full cross product.
func allowedPair(stage StageType, from, to JobStatus) bool {
	switch stage {
	case StageSyncJobStatuses:
		switch from {
		case StatusLaunched:
			return to == StatusPartial || to == StatusCompleted
		case StatusPartial:
			return to == StatusCompleted
		case StatusCanceling:
			return to == StatusCanceled
		}
	case StageIncomingWebhooks:
		switch to {
		case StatusCompleted:
			return from == StatusLaunched || from == StatusPartial
		case StatusToCancel:
			return from == StatusLaunched || from == StatusPartial
		}
	}
	return true
}

func containsStatus(list []JobStatus, s JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
