package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/pkg/rotation"
)

// Config holds the runtime configuration.
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the smtprotate.yaml structure.
type Definition struct {
	// SecretID is the ARN or name of the secret under rotation.
	SecretID string `yaml:"secretId"`

	// Principal is the identity-provider user whose access keys back the
	// secret. The USERNAME environment variable overrides it.
	Principal string `yaml:"principal"`

	Region string `yaml:"region"`

	// Endpoint overrides the secret-store endpoint, for local stacks. The
	// SECRETS_MANAGER_ENDPOINT environment variable overrides it.
	Endpoint string `yaml:"endpoint,omitempty"`

	SMTP    SMTPConfig    `yaml:"smtp"`
	Verify  VerifyConfig  `yaml:"verify"`
	Keys    KeysConfig    `yaml:"keys"`
	Metrics MetricsConfig `yaml:"metrics"`

	// StepTimeoutSeconds bounds each rotation step invocation.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds,omitempty"`
}

// SMTPConfig describes the endpoint consumers authenticate against.
type SMTPConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port,omitempty"`
	AuthMode      string `yaml:"auth_mode,omitempty"`
	AccountDomain string `yaml:"account_domain,omitempty"`
}

// VerifyConfig controls the test step.
type VerifyConfig struct {
	// Mode selects the live check: "identity", "smtp", or "both".
	Mode         string `yaml:"mode,omitempty"`
	Attempts     int    `yaml:"attempts,omitempty"`
	PauseSeconds int    `yaml:"pause_seconds,omitempty"`
}

// KeysConfig controls access-key lifecycle.
type KeysConfig struct {
	// RevokePolicy is "deferred" (default) or "immediate".
	RevokePolicy string `yaml:"revoke_policy,omitempty"`
}

// MetricsConfig enables Prometheus metrics registration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Load reads and parses the smtprotate.yaml file, then applies environment
// overrides and validates.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return roterrors.ConfigError{
				Field:      "path",
				Message:    fmt.Sprintf("configuration file %s not found", c.Path),
				Suggestion: "Pass --config or create smtprotate.yaml in the working directory",
			}
		}
		return fmt.Errorf("read configuration: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return roterrors.ConfigError{
			Field:   "yaml",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}
	c.Definition = &def

	c.applyEnvironment()
	return c.Validate()
}

// applyEnvironment layers operator environment variables over the file.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("USERNAME"); v != "" {
		c.Definition.Principal = v
	}
	if v := os.Getenv("SECRETS_MANAGER_ENDPOINT"); v != "" {
		c.Definition.Endpoint = v
	}
	if c.Definition.Region == "" {
		c.Definition.Region = os.Getenv("AWS_REGION")
	}
}

// Validate checks the definition for the fields every command needs.
func (c *Config) Validate() error {
	def := c.Definition
	if def == nil {
		return roterrors.ConfigError{Message: "configuration not loaded"}
	}
	if def.SecretID == "" {
		return roterrors.ConfigError{
			Field:      "secretId",
			Message:    "secret id is required",
			Suggestion: "Set secretId to the ARN or name of the rotated secret",
		}
	}
	if def.Principal == "" {
		return roterrors.ConfigError{
			Field:      "principal",
			Message:    "principal is required",
			Suggestion: "Set principal to the IAM user the access keys belong to, or export USERNAME",
		}
	}
	if def.Region == "" {
		return roterrors.ConfigError{
			Field:      "region",
			Message:    "region is required",
			Suggestion: "Set region in the configuration or export AWS_REGION",
		}
	}
	switch def.Verify.Mode {
	case "", "identity", "smtp", "both":
	default:
		return roterrors.ConfigError{
			Field:      "verify.mode",
			Message:    fmt.Sprintf("unknown verify mode %q", def.Verify.Mode),
			Suggestion: "Use identity, smtp, or both",
		}
	}
	switch def.Keys.RevokePolicy {
	case "", string(rotation.RevokeDeferred), string(rotation.RevokeImmediate):
	default:
		return roterrors.ConfigError{
			Field:      "keys.revoke_policy",
			Message:    fmt.Sprintf("unknown revoke policy %q", def.Keys.RevokePolicy),
			Suggestion: "Use deferred or immediate",
		}
	}
	return nil
}

// RotationSettings converts the definition into coordinator settings.
func (c *Config) RotationSettings() rotation.Settings {
	def := c.Definition
	return rotation.Settings{
		Principal:      def.Principal,
		Region:         def.Region,
		ProtocolHost:   def.SMTP.Host,
		ProtocolPort:   def.SMTP.Port,
		AuthMode:       def.SMTP.AuthMode,
		AccountDomain:  def.SMTP.AccountDomain,
		RevokePolicy:   rotation.RevokePolicy(def.Keys.RevokePolicy),
		VerifyAttempts: def.Verify.Attempts,
		VerifyPause:    time.Duration(def.Verify.PauseSeconds) * time.Second,
	}
}

// DefaultStepTimeout bounds a rotation step when step_timeout_seconds is
// not configured. Every step must carry a deadline; zero is never returned.
const DefaultStepTimeout = 2 * time.Minute

// StepTimeout returns the configured per-step bound, falling back to
// DefaultStepTimeout when unset.
func (c *Config) StepTimeout() time.Duration {
	if c.Definition == nil || c.Definition.StepTimeoutSeconds <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(c.Definition.StepTimeoutSeconds) * time.Second
}
