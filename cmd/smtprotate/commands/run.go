package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/systmms/smtprotate/internal/config"
	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/pkg/rotation"
)

// NewRunCommand creates the run command: a full rotation cycle driven locally
// instead of by the scheduler. Useful for the first rotation of a secret and
// for operating without a scheduler at all.
func NewRunCommand(cfg *config.Config) *cobra.Command {
	var (
		maxRetries int
		retryPause time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a complete rotation cycle",
		Long: `Run all four rotation steps in order under a fresh request token.
Retryable failures of a step are retried in place; a fatal failure aborts the
cycle and leaves the staged version in place for inspection.

Examples:
  smtprotate run
  smtprotate run --max-retries 10 --retry-pause 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			token := uuid.New().String()
			cfg.Logger.Info("Starting rotation of %s (token %s)", cfg.Definition.SecretID, token)

			steps := []rotation.Step{
				rotation.StepCreate,
				rotation.StepSet,
				rotation.StepTest,
				rotation.StepFinish,
			}
			for _, step := range steps {
				if err := runStepWithRetry(cmd, cfg, eng, step, token, maxRetries, retryPause); err != nil {
					return err
				}
			}

			cfg.Logger.Info("Rotation of %s complete", cfg.Definition.SecretID)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxRetries, "max-retries", 5, "Retries per step on retryable failures")
	cmd.Flags().DurationVar(&retryPause, "retry-pause", 10*time.Second, "Pause between retries")

	return cmd
}

func runStepWithRetry(cmd *cobra.Command, cfg *config.Config, eng *engine, step rotation.Step, token string, maxRetries int, pause time.Duration) error {
	event := rotation.Event{
		SecretID:           cfg.Definition.SecretID,
		ClientRequestToken: token,
		Step:               step,
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			cfg.Logger.Warn("Retrying step %s (%d/%d) in %s", step, attempt, maxRetries, pause)
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(pause):
			}
		}

		result, err := eng.gateway.Handle(cmd.Context(), event)
		if !result.Failed() {
			return nil
		}
		lastErr = err
		if !roterrors.IsRetryable(err) {
			return fmt.Errorf("step %s failed: %w", step, err)
		}
	}
	return fmt.Errorf("step %s still failing after %d retries: %w", step, maxRetries, lastErr)
}
