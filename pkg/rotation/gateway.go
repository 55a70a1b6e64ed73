package rotation

import (
	"context"
	"fmt"
	"time"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/internal/secretstore"
)

// Gateway is the scheduler-facing entrypoint. It validates the incoming
// event against the secret's stage map before dispatching to the coordinator,
// so every step handler runs from a consistent state even when the scheduler
// re-delivers or interleaves invocations.
type Gateway struct {
	coordinator *Coordinator
	store       *secretstore.Store
	logger      *logging.Logger
	metrics     *StepMetrics
	stepTimeout time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithStepTimeout bounds each step invocation. Zero disables the bound.
func WithStepTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.stepTimeout = d
	}
}

// WithMetrics records step outcomes to the given collector. Without it the
// gateway records nothing.
func WithMetrics(m *StepMetrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// NewGateway wires a Gateway around a coordinator and its store.
func NewGateway(coordinator *Coordinator, store *secretstore.Store, logger *logging.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		coordinator: coordinator,
		store:       store,
		logger:      logger,
		stepTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle runs one step of a rotation attempt. The returned Result always
// carries an outcome; the error is non-nil exactly when the outcome is a
// failure, so callers can branch on either.
func (g *Gateway) Handle(ctx context.Context, event Event) (Result, error) {
	started := time.Now()
	result, err := g.handle(ctx, event)
	g.metrics.Record(event.Step, result.Outcome, time.Since(started))
	return result, err
}

func (g *Gateway) handle(ctx context.Context, event Event) (Result, error) {
	if err := event.Validate(); err != nil {
		return g.fail(event.Step, err)
	}

	if g.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.stepTimeout)
		defer cancel()
	}

	state, err := g.store.DescribeStages(ctx, event.SecretID)
	if err != nil {
		return g.fail(event.Step, err)
	}
	if !state.RotationEnabled {
		return g.fail(event.Step, roterrors.ValidationError{
			Op:      string(event.Step),
			Message: fmt.Sprintf("rotation is not enabled for secret %s", event.SecretID),
		})
	}

	// A token whose version is already current means the attempt finished;
	// every step of it collapses to a no-op.
	if state.Stages.Has(event.ClientRequestToken, secretstore.StageCurrent) {
		g.logger.Info("Step %s for %s: version already current, nothing to do", event.Step, event.SecretID)
		return Result{Step: event.Step, Outcome: OutcomeAlreadyCompleted, Detail: "version is already current"}, nil
	}

	if err := g.checkInFlight(event, state); err != nil {
		return g.fail(event.Step, err)
	}

	var already bool
	switch event.Step {
	case StepCreate:
		already, err = g.coordinator.Create(ctx, event.SecretID, event.ClientRequestToken)
	case StepSet:
		already, err = g.coordinator.Set(ctx, event.SecretID, event.ClientRequestToken)
	case StepTest:
		already, err = g.coordinator.Test(ctx, event.SecretID, event.ClientRequestToken)
	case StepFinish:
		already, err = g.coordinator.Finish(ctx, event.SecretID, event.ClientRequestToken)
	default:
		err = roterrors.ValidationError{
			Op:      "dispatch",
			Message: fmt.Sprintf("unrecognized step %q", event.Step),
		}
	}
	if err != nil {
		return g.fail(event.Step, err)
	}

	outcome := OutcomeCompleted
	if already {
		outcome = OutcomeAlreadyCompleted
	}
	return Result{Step: event.Step, Outcome: outcome}, nil
}

// checkInFlight enforces the token preconditions: create refuses to run while
// a different token holds the pending label, and the later steps require the
// pending label on their own token.
func (g *Gateway) checkInFlight(event Event, state *secretstore.SecretState) error {
	pendingVersion, hasPending := state.Stages.VersionFor(secretstore.StagePending)

	if event.Step == StepCreate {
		if !hasPending || pendingVersion == event.ClientRequestToken {
			return nil
		}
		// A pending label stuck on an already-promoted version is leftover
		// from an interrupted finish, not a live attempt.
		if state.Stages.Has(pendingVersion, secretstore.StageCurrent) || state.Stages.Has(pendingVersion, secretstore.StagePrevious) {
			g.logger.Warn("Secret %s has a stale staging label on version %s", event.SecretID, pendingVersion)
			return nil
		}
		return roterrors.ValidationError{
			Op:      "create",
			Message: fmt.Sprintf("rotation of %s already in flight under version %s", event.SecretID, pendingVersion),
		}
	}

	if !state.Stages.Has(event.ClientRequestToken, secretstore.StagePending) {
		return roterrors.ValidationError{
			Op:      string(event.Step),
			Message: fmt.Sprintf("no staged version of %s for token %s", event.SecretID, event.ClientRequestToken),
		}
	}
	return nil
}

func (g *Gateway) fail(step Step, err error) (Result, error) {
	outcome := OutcomeFatalFailure
	if roterrors.IsRetryable(err) {
		outcome = OutcomeRetryableFailure
	}
	g.logger.Error("Step %s failed (%s): %v", step, outcome, err)
	return Result{Step: step, Outcome: outcome, Detail: err.Error()}, err
}
