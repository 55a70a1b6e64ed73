package rotation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/keys"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/internal/secretstore"
	"github.com/systmms/smtprotate/tests/fakes"
)

const (
	principal  = "smtp-sender"
	secretName = "prod/ses-smtp"
	seedKeyID  = "AKIASEEDSEEDSEED"
	seedSecret = "seed-secret-material"
)

type harness struct {
	sm    *fakes.FakeSecretsManager
	iam   *fakes.FakeIAM
	sts   *fakes.FakeSTS
	store *secretstore.Store
	coord *Coordinator
	gw    *Gateway
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	logger := logging.New(false, true)

	sm := fakes.NewFakeSecretsManager()
	iamFake := fakes.NewFakeIAM(principal)
	stsFake := fakes.NewFakeSTS(iamFake)

	store, err := secretstore.New(context.Background(), "us-east-1", logger, secretstore.WithClient(sm))
	require.NoError(t, err)
	provisioner, err := keys.New(context.Background(), "us-east-1", logger, keys.WithIAMClient(iamFake))
	require.NoError(t, err)

	verifier := &IdentityVerifier{
		Principal: principal,
		Region:    "us-east-1",
		NewClient: func(ctx context.Context, region, accessKeyID, secretAccessKey string) (IdentityClient, error) {
			return stsFake.ClientFor(accessKeyID, secretAccessKey), nil
		},
	}

	if settings.Principal == "" {
		settings.Principal = principal
	}
	if settings.Region == "" {
		settings.Region = "us-east-1"
	}
	coord := NewCoordinator(store, provisioner, verifier, logger, settings)
	coord.pause = func(ctx context.Context, d time.Duration) error { return nil }

	return &harness{
		sm:    sm,
		iam:   iamFake,
		sts:   stsFake,
		store: store,
		coord: coord,
		gw:    NewGateway(coord, store, logger),
	}
}

// seed registers the pre-rotation state: one active key pair backing the
// current secret version.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	h.iam.SeedKey(principal, seedKeyID, seedSecret)
	payload, err := json.Marshal(secretstore.Credentials{
		SourceIdentityRef: principal,
		AccessKeyID:       seedKeyID,
		SecretAccessKey:   seedSecret,
		ProtocolHost:      "email-smtp.us-east-1.amazonaws.com",
		ProtocolPort:      587,
		AuthMode:          "plain",
		Region:            "us-east-1",
	})
	require.NoError(t, err)
	h.sm.AddSecret(secretName, string(payload))
}

func (h *harness) run(t *testing.T, step Step, token string) (Result, error) {
	t.Helper()
	return h.gw.Handle(context.Background(), Event{
		SecretID:           secretName,
		ClientRequestToken: token,
		Step:               step,
	})
}

func (h *harness) mustRun(t *testing.T, step Step, token string) Result {
	t.Helper()
	result, err := h.run(t, step, token)
	require.NoError(t, err, "step %s", step)
	return result
}

func (h *harness) pendingPayload(t *testing.T, version string) *secretstore.Credentials {
	t.Helper()
	raw, ok := h.sm.PayloadOf(secretName, version)
	require.True(t, ok, "no payload for version %s", version)
	creds, err := secretstore.ParseCredentials([]byte(raw))
	require.NoError(t, err)
	return creds
}

func TestFullRotationCycle(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	result := h.mustRun(t, StepCreate, "t1")
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	staged := h.pendingPayload(t, "t1")
	assert.NotEqual(t, seedKeyID, staged.AccessKeyID)
	assert.Empty(t, staged.DerivedPassword)
	assert.Len(t, h.iam.ActiveKeys(principal), 2)

	result = h.mustRun(t, StepSet, "t1")
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	staged = h.pendingPayload(t, "t1")
	assert.Equal(t, staged.AccessKeyID, staged.DerivedUsername)
	assert.Len(t, staged.DerivedPassword, 44)
	assert.True(t, strings.HasPrefix(staged.DerivedPassword, "B"))

	result = h.mustRun(t, StepTest, "t1")
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	result = h.mustRun(t, StepFinish, "t1")
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	stages := h.sm.StagesOf(secretName)
	assert.Contains(t, stages["t1"], "AWSCURRENT")
	assert.NotContains(t, stages["t1"], "AWSPENDING")
	assert.Contains(t, stages["v1"], "AWSPREVIOUS")

	// The superseded pair survives finish: consumers holding the old
	// credential keep working until the next cycle starts.
	assert.Contains(t, h.iam.ActiveKeys(principal), seedKeyID)
	assert.Empty(t, h.iam.Deleted)

	// The next cycle's create reclaims it before provisioning.
	result = h.mustRun(t, StepCreate, "t2")
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Contains(t, h.iam.Deleted, seedKeyID)
	active := h.iam.ActiveKeys(principal)
	assert.Len(t, active, 2)
	assert.NotContains(t, active, seedKeyID)
}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	first := h.mustRun(t, StepCreate, "t1")
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	stagedBefore := h.pendingPayload(t, "t1")

	second := h.mustRun(t, StepCreate, "t1")
	assert.Equal(t, OutcomeAlreadyCompleted, second.Outcome)

	// The replay must not provision another pair or rewrite the payload.
	creates := 0
	for _, call := range h.iam.Calls() {
		if call == "CreateAccessKey" {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
	assert.Len(t, h.iam.ActiveKeys(principal), 2)
	assert.Equal(t, stagedBefore, h.pendingPayload(t, "t1"))
}

func TestCreateRefusesSecondAttemptInFlight(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")

	result, err := h.run(t, StepCreate, "t2")
	require.Error(t, err)
	assert.Equal(t, OutcomeFatalFailure, result.Outcome)
	assert.Contains(t, result.Detail, "in flight")
	assert.True(t, roterrors.IsFatal(err))

	// The in-flight attempt is untouched.
	version, ok := h.sm.VersionWith(secretName, "AWSPENDING")
	require.True(t, ok)
	assert.Equal(t, "t1", version)
}

func TestCreateReclaimsStrayKeys(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)
	h.iam.SeedKey(principal, "AKIASTRAYSTRAY01", "stray-secret")

	result := h.mustRun(t, StepCreate, "t1")
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	// The stray pair is gone, the current-backing pair survives, and the
	// ceiling holds.
	assert.Contains(t, h.iam.Deleted, "AKIASTRAYSTRAY01")
	active := h.iam.ActiveKeys(principal)
	assert.Len(t, active, 2)
	assert.Contains(t, active, seedKeyID)
}

func TestLaterStepsRequireStagedVersion(t *testing.T) {
	for _, step := range []Step{StepSet, StepTest, StepFinish} {
		t.Run(string(step), func(t *testing.T) {
			h := newHarness(t, Settings{})
			h.seed(t)

			result, err := h.run(t, step, "t9")
			require.Error(t, err)
			assert.Equal(t, OutcomeFatalFailure, result.Outcome)
			assert.Contains(t, result.Detail, "no staged version")
		})
	}
}

func TestSetIsIdempotent(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")
	first := h.mustRun(t, StepSet, "t1")
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	stagedBefore := h.pendingPayload(t, "t1")

	second := h.mustRun(t, StepSet, "t1")
	assert.Equal(t, OutcomeAlreadyCompleted, second.Outcome)
	assert.Equal(t, stagedBefore, h.pendingPayload(t, "t1"))
}

func TestTestSucceedsAfterPropagationDelay(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")
	h.mustRun(t, StepSet, "t1")

	// Two transient failures, then success on the third attempt.
	h.sts.FailTimes = 2
	result := h.mustRun(t, StepTest, "t1")
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 3, h.sts.Calls)
}

func TestTestExhaustsAttemptsWithoutMutation(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")
	h.mustRun(t, StepSet, "t1")

	stagesBefore := h.sm.StagesOf(secretName)
	payloadBefore := h.pendingPayload(t, "t1")

	h.sts.FailTimes = 99
	result, err := h.run(t, StepTest, "t1")
	require.Error(t, err)
	assert.Equal(t, OutcomeRetryableFailure, result.Outcome)
	assert.True(t, roterrors.IsRetryable(err))
	assert.Equal(t, 3, h.sts.Calls)

	// A failed verification leaves everything as it was.
	assert.Equal(t, stagesBefore, h.sm.StagesOf(secretName))
	assert.Equal(t, payloadBefore, h.pendingPayload(t, "t1"))
	assert.Len(t, h.iam.ActiveKeys(principal), 2)
}

func TestFinishIsIdempotent(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")
	h.mustRun(t, StepSet, "t1")
	h.mustRun(t, StepTest, "t1")
	h.mustRun(t, StepFinish, "t1")

	result := h.mustRun(t, StepFinish, "t1")
	assert.Equal(t, OutcomeAlreadyCompleted, result.Outcome)

	// Repeating any earlier step of the finished attempt is a no-op too.
	for _, step := range []Step{StepCreate, StepSet, StepTest} {
		result = h.mustRun(t, step, "t1")
		assert.Equal(t, OutcomeAlreadyCompleted, result.Outcome, "step %s", step)
	}
}

func TestImmediateRevokePolicy(t *testing.T) {
	h := newHarness(t, Settings{RevokePolicy: RevokeImmediate})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")
	h.mustRun(t, StepSet, "t1")
	h.mustRun(t, StepTest, "t1")
	h.mustRun(t, StepFinish, "t1")

	assert.Contains(t, h.iam.Deleted, seedKeyID)
	assert.Len(t, h.iam.ActiveKeys(principal), 1)
}

func TestRotationDisabled(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)
	h.sm.Secrets[secretName].RotationEnabled = false

	result, err := h.run(t, StepCreate, "t1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFatalFailure, result.Outcome)
	assert.Contains(t, result.Detail, "not enabled")
}

func TestUnknownStepIsFatal(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	result, err := h.run(t, Step("restoreSecret"), "t1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFatalFailure, result.Outcome)
	assert.False(t, roterrors.IsRetryable(err))
}

func TestMissingEventFields(t *testing.T) {
	h := newHarness(t, Settings{})

	result, err := h.gw.Handle(context.Background(), Event{Step: StepCreate})
	require.Error(t, err)
	assert.Equal(t, OutcomeFatalFailure, result.Outcome)

	result, err = h.gw.Handle(context.Background(), Event{SecretID: secretName, Step: StepCreate})
	require.Error(t, err)
	assert.Equal(t, OutcomeFatalFailure, result.Outcome)
}

func TestMissingSecretIsFatal(t *testing.T) {
	h := newHarness(t, Settings{})

	result, err := h.run(t, StepCreate, "t1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFatalFailure, result.Outcome)
	assert.True(t, roterrors.IsNotFound(err))
}

func TestThrottledStoreIsRetryable(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)
	h.sm.Errs["DescribeSecret"] = &throttleError{}
	result, err := h.run(t, StepCreate, "t1")
	require.Error(t, err)
	assert.Equal(t, OutcomeRetryableFailure, result.Outcome)
}

type throttleError struct{}

func (e *throttleError) Error() string { return "ThrottlingException: rate limit exceeded" }

func TestStaleStagingLabelDoesNotBlockCreate(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	h.mustRun(t, StepCreate, "t1")
	h.mustRun(t, StepSet, "t1")
	h.mustRun(t, StepTest, "t1")
	h.mustRun(t, StepFinish, "t1")

	// Simulate an interrupted finish that promoted but never detached the
	// staging label.
	secret := h.sm.Secrets[secretName]
	secret.Stages["t1"] = append(secret.Stages["t1"], "AWSPENDING")

	result := h.mustRun(t, StepCreate, "t2")
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	version, ok := h.sm.VersionWith(secretName, "AWSPENDING")
	require.True(t, ok)
	assert.Equal(t, "t2", version)
}

func TestStepsCarryDeadline(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(t)

	observed := 0
	h.sm.Observe = func(ctx context.Context, op string) {
		observed++
		_, ok := ctx.Deadline()
		assert.True(t, ok, "%s ran without a deadline", op)
	}

	h.mustRun(t, StepCreate, "t1")
	assert.Greater(t, observed, 0)
}
