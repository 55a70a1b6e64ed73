package rotation

import (
	"fmt"

	roterrors "github.com/systmms/smtprotate/internal/errors"
)

// Event is one invocation from the secret-store scheduler. Delivery is
// at-least-once: the same step may arrive more than once for the same token,
// and the engine must treat every repeat as safe.
type Event struct {
	// SecretID is the ARN or name of the secret under rotation.
	SecretID string `json:"SecretId"`

	// ClientRequestToken identifies the rotation attempt. Together with
	// SecretID it is the idempotency key for every step.
	ClientRequestToken string `json:"ClientRequestToken"`

	// Step is the rotation phase to execute.
	Step Step `json:"Step"`
}

// Validate rejects malformed events before any store call is made.
func (e Event) Validate() error {
	if e.SecretID == "" {
		return roterrors.ValidationError{Op: "event", Message: "missing SecretId"}
	}
	if e.ClientRequestToken == "" {
		return roterrors.ValidationError{Op: "event", Message: "missing ClientRequestToken"}
	}
	if !e.Step.Valid() {
		return roterrors.ValidationError{Op: "event", Message: fmt.Sprintf("unrecognized step %q", e.Step)}
	}
	return nil
}

// Step is one of the four phases of the rotation protocol.
type Step string

const (
	// StepCreate provisions a new key pair and stores it as the AWSPENDING
	// version.
	StepCreate Step = "createSecret"

	// StepSet publishes the derived SMTP material into the pending payload.
	StepSet Step = "setSecret"

	// StepTest verifies the pending credential against the live service.
	StepTest Step = "testSecret"

	// StepFinish promotes the pending version to AWSCURRENT; the displaced
	// version becomes AWSPREVIOUS.
	StepFinish Step = "finishSecret"
)

// Valid reports whether the step is one of the four rotation phases.
func (s Step) Valid() bool {
	switch s {
	case StepCreate, StepSet, StepTest, StepFinish:
		return true
	}
	return false
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	*s = Step(text)
	if !s.Valid() {
		return fmt.Errorf("unknown step: %s", text)
	}
	return nil
}
