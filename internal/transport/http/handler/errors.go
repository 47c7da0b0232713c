package handler

const (
	errInternalServer    = "Internal server error"
	errInvalidRequest    = "Invalid request body"
	errJobNotFound       = "Job not found"
	errInvalidStatus     = "Invalid status value"
	errInvalidCursor     = "Invalid cursor"
	errJobNotCancellable = "Job cannot be cancelled in its current state"
	errJobBusy           = "Job is being processed, retry shortly"
	errInvalidTransition = "Job is not in a state that allows this action"
	errNotInReview       = "Job is not under abuse review"
	errInvalidDecision   = "Decision must be accepted or rejected"

	errUnauthorizedWebhook = "Unknown oracle or invalid signature"
	errBodyTooLarge        = "Request body too large"
)
