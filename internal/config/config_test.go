package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/pkg/rotation"
)

func writeConfig(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smtprotate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return &Config{Path: path, Logger: logging.New(false, true)}
}

const validYAML = `
secretId: prod/ses-smtp
principal: smtp-sender
region: us-east-1
smtp:
  host: email-smtp.us-east-1.amazonaws.com
  account_domain: example.com
verify:
  mode: identity
  attempts: 5
  pause_seconds: 10
keys:
  revoke_policy: immediate
step_timeout_seconds: 90
`

func TestLoad(t *testing.T) {
	t.Setenv("USERNAME", "")
	t.Setenv("SECRETS_MANAGER_ENDPOINT", "")

	cfg := writeConfig(t, validYAML)
	require.NoError(t, cfg.Load())

	assert.Equal(t, "prod/ses-smtp", cfg.Definition.SecretID)
	assert.Equal(t, "identity", cfg.Definition.Verify.Mode)
	assert.Equal(t, 90*time.Second, cfg.StepTimeout())

	settings := cfg.RotationSettings()
	assert.Equal(t, "smtp-sender", settings.Principal)
	assert.Equal(t, "email-smtp.us-east-1.amazonaws.com", settings.ProtocolHost)
	assert.Equal(t, rotation.RevokeImmediate, settings.RevokePolicy)
	assert.Equal(t, 5, settings.VerifyAttempts)
	assert.Equal(t, 10*time.Second, settings.VerifyPause)
}

func TestStepTimeoutDefaultsWhenUnset(t *testing.T) {
	t.Setenv("USERNAME", "")
	t.Setenv("SECRETS_MANAGER_ENDPOINT", "")

	cfg := writeConfig(t, "secretId: s\nprincipal: u\nregion: r\n")
	require.NoError(t, cfg.Load())
	assert.Equal(t, DefaultStepTimeout, cfg.StepTimeout())
}

func TestLoadMissingFile(t *testing.T) {
	cfg := &Config{Path: filepath.Join(t.TempDir(), "absent.yaml"), Logger: logging.New(false, true)}
	err := cfg.Load()

	var ce roterrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "path", ce.Field)
}

func TestLoadInvalidYAML(t *testing.T) {
	cfg := writeConfig(t, "secretId: [unclosed")
	err := cfg.Load()

	var ce roterrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "yaml", ce.Field)
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"missing secret id", "principal: u\nregion: r\n", "secretId"},
		{"missing principal", "secretId: s\nregion: r\n", "principal"},
		{"missing region", "secretId: s\nprincipal: u\n", "region"},
		{"bad verify mode", "secretId: s\nprincipal: u\nregion: r\nverify:\n  mode: carrier-pigeon\n", "verify.mode"},
		{"bad revoke policy", "secretId: s\nprincipal: u\nregion: r\nkeys:\n  revoke_policy: eventually\n", "keys.revoke_policy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := writeConfig(t, tc.yaml)
			err := cfg.Load()

			var ce roterrors.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("USERNAME", "override-sender")
	t.Setenv("SECRETS_MANAGER_ENDPOINT", "http://localhost:4566")

	cfg := writeConfig(t, validYAML)
	require.NoError(t, cfg.Load())

	assert.Equal(t, "override-sender", cfg.Definition.Principal)
	assert.Equal(t, "http://localhost:4566", cfg.Definition.Endpoint)
}

func TestRegionFromEnvironment(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg := writeConfig(t, "secretId: s\nprincipal: u\n")
	require.NoError(t, cfg.Load())
	assert.Equal(t, "eu-west-1", cfg.Definition.Region)
}
