package rotation

// Outcome classifies how a step invocation ended. The scheduler decides what
// to do next from this alone: retryable failures are re-invoked verbatim,
// fatal ones surface to an operator.
type Outcome string

const (
	// OutcomeCompleted means the step did its work.
	OutcomeCompleted Outcome = "completed"

	// OutcomeAlreadyCompleted means a duplicate delivery found the work
	// already done; nothing was changed.
	OutcomeAlreadyCompleted Outcome = "alreadyCompleted"

	// OutcomeRetryableFailure means the step failed transiently and is safe
	// to re-invoke with the same token.
	OutcomeRetryableFailure Outcome = "retryableFailure"

	// OutcomeFatalFailure means the request or state is invalid; repeating
	// the invocation will not help.
	OutcomeFatalFailure Outcome = "fatalFailure"
)

// Result is the per-invocation report returned to the scheduler. It is never
// persisted; all durable state lives in the store and the identity provider.
type Result struct {
	Step    Step    `json:"step"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// Failed reports whether the invocation ended in a failure outcome.
func (r Result) Failed() bool {
	return r.Outcome == OutcomeRetryableFailure || r.Outcome == OutcomeFatalFailure
}
