package rotation

import (
	"context"
	"fmt"
	"time"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/keys"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/internal/secretstore"
	"github.com/systmms/smtprotate/internal/smtppass"
)

// RevokePolicy controls when the superseded access-key pair is revoked.
type RevokePolicy string

const (
	// RevokeDeferred leaves the previous pair active until the next cycle's
	// create step reclaims it, giving long-lived consumers a grace window to
	// pick up the new credential.
	RevokeDeferred RevokePolicy = "deferred"

	// RevokeImmediate revokes the previous pair as part of finish. Consumers
	// holding the old credential start failing right away.
	RevokeImmediate RevokePolicy = "immediate"
)

// Settings carries the per-secret parameters the coordinator needs across
// steps.
type Settings struct {
	// Principal is the identity-provider user the access-key pairs belong to.
	Principal string

	// Region both signs the password derivation and locates the service
	// endpoints. Empty falls back to the region recorded in the current
	// payload.
	Region string

	ProtocolHost  string
	ProtocolPort  int
	AuthMode      string
	AccountDomain string

	RevokePolicy RevokePolicy

	// VerifyAttempts bounds the test step; VerifyPause separates attempts.
	VerifyAttempts int
	VerifyPause    time.Duration
}

func (s *Settings) applyDefaults() {
	if s.RevokePolicy == "" {
		s.RevokePolicy = RevokeDeferred
	}
	if s.VerifyAttempts <= 0 {
		s.VerifyAttempts = 3
	}
	if s.VerifyPause <= 0 {
		s.VerifyPause = 2 * time.Second
	}
	if s.ProtocolPort == 0 {
		s.ProtocolPort = 587
	}
	if s.AuthMode == "" {
		s.AuthMode = "plain"
	}
}

// Coordinator owns the four-step rotation state machine. Each step is safe to
// repeat: the scheduler delivers steps at least once and may interleave
// retries arbitrarily.
type Coordinator struct {
	store    *secretstore.Store
	keys     *keys.Provisioner
	verifier Verifier
	logger   *logging.Logger
	settings Settings

	// pause is swapped out in tests so the verify loop does not sleep.
	pause func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires a Coordinator. Settings get defaults applied.
func NewCoordinator(store *secretstore.Store, provisioner *keys.Provisioner, verifier Verifier, logger *logging.Logger, settings Settings) *Coordinator {
	settings.applyDefaults()
	return &Coordinator{
		store:    store,
		keys:     provisioner,
		verifier: verifier,
		logger:   logger,
		settings: settings,
		pause:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Create stages a fresh credential pair under the request token. Before
// provisioning it reclaims every active pair that does not back the current
// version: the grace-window pair from the previous cycle and any strays from
// abandoned attempts. Returns true when a staged version for this token
// already exists.
func (c *Coordinator) Create(ctx context.Context, secretID, token string) (bool, error) {
	if _, err := c.store.GetVersion(ctx, secretID, secretstore.StagePending, token); err == nil {
		c.logger.Info("Version %s of %s is already staged", token, secretID)
		return true, nil
	} else if !roterrors.IsNotFound(err) {
		return false, err
	}

	current, err := c.store.GetVersion(ctx, secretID, secretstore.StageCurrent, "")
	if err != nil {
		return false, err
	}

	if err := c.reclaim(ctx, current.AccessKeyID); err != nil {
		return false, err
	}

	pair, err := c.keys.Provision(ctx, c.settings.Principal)
	if err != nil {
		return false, err
	}

	next := c.buildPayload(current, pair)
	if err := c.store.PutVersion(ctx, secretID, token, next, secretstore.StagePending); err != nil {
		// The pair would be reclaimed by the next create anyway, but
		// revoking now keeps capacity free for the retry.
		if revokeErr := c.keys.Revoke(ctx, c.settings.Principal, pair.ID); revokeErr != nil {
			c.logger.Warn("Could not revoke orphaned access key %s: %v", logging.KeyID(pair.ID), revokeErr)
		}
		return false, err
	}

	c.logger.Info("Staged version %s of %s with access key %s", token, secretID, logging.KeyID(pair.ID))
	return false, nil
}

// reclaim revokes every active pair except the one backing the current
// version.
func (c *Coordinator) reclaim(ctx context.Context, currentKeyID string) error {
	active, err := c.keys.ListActive(ctx, c.settings.Principal)
	if err != nil {
		return err
	}
	for _, pair := range active {
		if pair.ID == currentKeyID {
			continue
		}
		if err := c.keys.Revoke(ctx, c.settings.Principal, pair.ID); err != nil {
			return err
		}
		c.logger.Info("Reclaimed access key %s for %s", logging.KeyID(pair.ID), c.settings.Principal)
	}
	return nil
}

func (c *Coordinator) buildPayload(current *secretstore.Credentials, pair *keys.Pair) *secretstore.Credentials {
	next := &secretstore.Credentials{
		SourceIdentityRef: c.settings.Principal,
		AccessKeyID:       pair.ID,
		SecretAccessKey:   pair.SecretMaterial,
		ProtocolHost:      firstNonEmpty(c.settings.ProtocolHost, current.ProtocolHost),
		ProtocolPort:      c.settings.ProtocolPort,
		AuthMode:          c.settings.AuthMode,
		AccountDomain:     firstNonEmpty(c.settings.AccountDomain, current.AccountDomain),
		Region:            firstNonEmpty(c.settings.Region, current.Region),
	}
	if current.ProtocolPort != 0 && c.settings.ProtocolHost == "" {
		next.ProtocolPort = current.ProtocolPort
	}
	return next
}

// Set fills the staged payload with the derived protocol credentials. The
// derivation is deterministic, so repeating the step rewrites the same bytes.
// Returns true when the staged payload already carries the derived fields.
func (c *Coordinator) Set(ctx context.Context, secretID, token string) (bool, error) {
	pending, err := c.store.GetVersion(ctx, secretID, secretstore.StagePending, token)
	if err != nil {
		if roterrors.IsNotFound(err) {
			return false, roterrors.ValidationError{
				Op:      "set",
				Message: fmt.Sprintf("no staged version of %s for token %s", secretID, token),
			}
		}
		return false, err
	}

	region := firstNonEmpty(pending.Region, c.settings.Region)
	password, err := smtppass.Derive([]byte(pending.SecretAccessKey), region)
	if err != nil {
		return false, roterrors.ValidationError{Op: "set", Message: err.Error()}
	}
	username := smtppass.Username(pending.AccessKeyID)

	if pending.DerivedPassword == password && pending.DerivedUsername == username {
		c.logger.Info("Version %s of %s already carries derived credentials", token, secretID)
		return true, nil
	}

	pending.DerivedUsername = username
	pending.DerivedPassword = password
	pending.ProtocolHost = firstNonEmpty(pending.ProtocolHost, c.settings.ProtocolHost)
	if pending.ProtocolPort == 0 {
		pending.ProtocolPort = c.settings.ProtocolPort
	}
	pending.AuthMode = firstNonEmpty(pending.AuthMode, c.settings.AuthMode)
	pending.AccountDomain = firstNonEmpty(pending.AccountDomain, c.settings.AccountDomain)

	if err := c.store.PutVersion(ctx, secretID, token, pending, secretstore.StagePending); err != nil {
		return false, err
	}
	c.logger.Info("Derived protocol credentials for version %s of %s", token, secretID)
	return false, nil
}

// Test verifies the staged credential with a bounded number of live
// authentication attempts. Nothing is mutated; a persistent failure surfaces
// as a retryable verification error so the scheduler re-delivers the step.
func (c *Coordinator) Test(ctx context.Context, secretID, token string) (bool, error) {
	pending, err := c.store.GetVersion(ctx, secretID, secretstore.StagePending, token)
	if err != nil {
		if roterrors.IsNotFound(err) {
			return false, roterrors.ValidationError{
				Op:      "test",
				Message: fmt.Sprintf("no staged version of %s for token %s", secretID, token),
			}
		}
		return false, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.settings.VerifyAttempts; attempt++ {
		if lastErr = c.verifier.Verify(ctx, pending); lastErr == nil {
			c.logger.Info("Verified staged credential for %s (%s check, attempt %d)", secretID, c.verifier.Name(), attempt)
			return false, nil
		}
		c.logger.Warn("Verification attempt %d/%d for %s failed: %v", attempt, c.settings.VerifyAttempts, secretID, lastErr)
		if attempt < c.settings.VerifyAttempts {
			if err := c.pause(ctx, c.settings.VerifyPause); err != nil {
				return false, roterrors.Transient("verify pause", err)
			}
		}
	}
	return false, roterrors.VerificationError{Attempts: c.settings.VerifyAttempts, Err: lastErr}
}

// Finish promotes the staged version to current in a single conditional
// stage move, then detaches the pending label so the next cycle starts clean.
// Returns true when the token's version is already current.
func (c *Coordinator) Finish(ctx context.Context, secretID, token string) (bool, error) {
	state, err := c.store.DescribeStages(ctx, secretID)
	if err != nil {
		return false, err
	}
	if state.Stages.Has(token, secretstore.StageCurrent) {
		c.logger.Info("Version %s of %s is already current", token, secretID)
		return true, nil
	}
	if !state.Stages.Has(token, secretstore.StagePending) {
		return false, roterrors.ValidationError{
			Op:      "finish",
			Message: fmt.Sprintf("no staged version of %s for token %s", secretID, token),
		}
	}

	var previousKeyID string
	if c.settings.RevokePolicy == RevokeImmediate {
		if current, err := c.store.GetVersion(ctx, secretID, secretstore.StageCurrent, ""); err == nil {
			previousKeyID = current.AccessKeyID
		} else if !roterrors.IsNotFound(err) {
			return false, err
		}
	}

	currentVersion, _ := state.Stages.VersionFor(secretstore.StageCurrent)
	if err := c.store.PromoteVersion(ctx, secretID, token, currentVersion); err != nil {
		return false, err
	}

	// Promotion already happened; failures past this point must not fail
	// the step, or the retry would report alreadyCompleted without the
	// cleanup having run.
	if err := c.store.DropPending(ctx, secretID, token); err != nil {
		c.logger.Warn("Could not detach staging label from %s: %v", token, err)
	}
	if previousKeyID != "" {
		if err := c.keys.Revoke(ctx, c.settings.Principal, previousKeyID); err != nil {
			c.logger.Warn("Could not revoke superseded access key %s: %v", logging.KeyID(previousKeyID), err)
		} else {
			c.logger.Info("Revoked superseded access key %s", logging.KeyID(previousKeyID))
		}
	}

	c.logger.Info("Rotation of %s complete, version %s is current", secretID, token)
	return false, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
