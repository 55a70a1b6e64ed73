package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// The rotation engine never retries internally beyond the bounded attempts of
// the test step; instead it reports each failure to the external scheduler as
// either retryable or fatal. The types below carry that classification.

// ValidationError reports a request or state precondition failure: unknown
// rotation step, missing secret, malformed payload, or a stage mapping that
// conflicts with the request token. Fatal, never retried.
type ValidationError struct {
	Op      string
	Message string
}

func (e ValidationError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// CapacityError reports that the identity provider's active-key ceiling is
// reached and could not be cleared without revoking the pair backing the live
// secret version. Fatal; requires operator attention or next-cycle cleanup.
type CapacityError struct {
	Principal string
	Active    int
	Limit     int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("principal %q already has %d of %d allowed active key pairs",
		e.Principal, e.Active, e.Limit)
}

// TransientError wraps a store or identity-provider failure that is safe to
// re-invoke verbatim: timeouts, throttling, connection resets.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s: transient provider failure: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// VerificationError reports that the live authentication check of the pending
// credential failed after the bounded local attempts. Retryable by the
// scheduler; newly issued IAM keys are eventually consistent.
type VerificationError struct {
	Attempts int
	Err      error
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("pending credential failed verification after %d attempt(s): %v",
		e.Attempts, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing resource: a secret, a staged version, or an
// access key. Phases use it both as a failure and as their idempotency
// signal (a pending version that does not exist yet is how create knows it
// still has work to do).
type NotFoundError struct {
	Resource string
	Key      string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	msg += ": " + e.Message
	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}
	return msg
}

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsFatal reports whether err must not be re-invoked by the scheduler.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve ValidationError
		ce CapacityError
		cf ConfigError
	)
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &cf)
}

// IsRetryable reports whether err is safe to re-invoke verbatim. Typed
// classification wins; otherwise the provider error text is matched against
// the usual transient signatures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		te TransientError
		vf VerificationError
	)
	if errors.As(err, &te) || errors.As(err, &vf) {
		return true
	}
	if IsFatal(err) || IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttl",
		"too many requests",
		"service unavailable",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Transient wraps err as a TransientError when it carries one of the known
// transient signatures, and returns it unchanged otherwise. Store and key
// provisioner call sites use it so the gateway sees a stable classification.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) || IsNotFound(err) {
		return err
	}
	var te TransientError
	if errors.As(err, &te) {
		return err
	}
	if IsRetryable(err) {
		return TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
