package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "transient error type",
			err:       TransientError{Op: "put version", Err: errors.New("boom")},
			retryable: true,
		},
		{
			name:      "wrapped transient error",
			err:       fmt.Errorf("step failed: %w", TransientError{Op: "list keys", Err: errors.New("boom")}),
			retryable: true,
		},
		{
			name:      "verification error",
			err:       VerificationError{Attempts: 3, Err: errors.New("auth refused")},
			retryable: true,
		},
		{
			name:      "validation error is fatal",
			err:       ValidationError{Op: "handle", Message: "unknown step"},
			retryable: false,
		},
		{
			name:      "capacity error is fatal",
			err:       CapacityError{Principal: "smtp-sender", Active: 2, Limit: 2},
			retryable: false,
		},
		{
			name:      "not found is fatal",
			err:       NotFoundError{Resource: "secret", Key: "prod/smtp"},
			retryable: false,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "throttling text from the provider",
			err:       errors.New("ThrottlingException: rate exceeded"),
			retryable: true,
		},
		{
			name:      "connection reset text",
			err:       errors.New("read tcp: connection reset by peer"),
			retryable: true,
		},
		{
			name:      "plain provider error",
			err:       errors.New("MalformedPolicyDocument"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ValidationError{Message: "bad token"}))
	assert.True(t, IsFatal(CapacityError{Principal: "p", Active: 2, Limit: 2}))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", ValidationError{Message: "x"})))
	assert.False(t, IsFatal(TransientError{Op: "op", Err: errors.New("boom")}))
	assert.False(t, IsFatal(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFoundError{Resource: "version", Key: "token-1"}))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", NotFoundError{Resource: "version", Key: "token-1"})))
	assert.False(t, IsNotFound(errors.New("something else")))
}

func TestTransientClassification(t *testing.T) {
	// Transient signatures get wrapped so the gateway sees a stable type.
	err := Transient("describe secret", errors.New("operation timeout while dialing"))
	var te TransientError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, "describe secret", te.Op)

	// Fatal classifications pass through untouched.
	fatal := ValidationError{Message: "stage conflict"}
	assert.Equal(t, error(fatal), Transient("describe secret", fatal))

	// Unknown errors keep their identity but gain the operation prefix.
	plain := errors.New("AccessDenied")
	wrapped := Transient("create key", plain)
	assert.False(t, IsRetryable(wrapped))
	assert.ErrorIs(t, wrapped, plain)

	assert.NoError(t, Transient("noop", nil))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "handle: unknown step", ValidationError{Op: "handle", Message: "unknown step"}.Error())
	assert.Equal(t, "unknown step", ValidationError{Message: "unknown step"}.Error())
	assert.Contains(t, CapacityError{Principal: "smtp-sender", Active: 2, Limit: 2}.Error(), "2 of 2")
	assert.Contains(t, NotFoundError{Resource: "secret", Key: "prod/smtp"}.Error(), `secret "prod/smtp" not found`)
	assert.Contains(t, ConfigError{Field: "secret_id", Message: "required"}.Error(), "secret_id")
}
