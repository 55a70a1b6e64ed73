package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/smtprotate/internal/config"
	"github.com/systmms/smtprotate/pkg/rotation"
)

// NewStepCommand creates the step command, the scheduler entrypoint. It runs
// exactly one rotation step and reports the outcome as JSON on stdout.
func NewStepCommand(cfg *config.Config) *cobra.Command {
	var (
		token    string
		stepName string
	)

	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run a single rotation step for the configured secret",
		Long: `Run one step of the rotation protocol. The scheduler invokes this command
once per step with the attempt's request token; repeating an invocation is
safe and reports alreadyCompleted.

Steps:
  createSecret    provision a fresh access-key pair and stage it
  setSecret       derive and store the SMTP credentials
  testSecret      verify the staged credential against the live service
  finishSecret    promote the staged version to current

Examples:
  smtprotate step --step createSecret --token 4f7a...
  smtprotate step --step finishSecret --token 4f7a...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var step rotation.Step
			if err := step.UnmarshalText([]byte(stepName)); err != nil {
				return err
			}

			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			result, stepErr := eng.gateway.Handle(cmd.Context(), rotation.Event{
				SecretID:           cfg.Definition.SecretID,
				ClientRequestToken: token,
				Step:               step,
			})

			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if result.Failed() {
				return stepErr
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Request token identifying the rotation attempt")
	cmd.Flags().StringVar(&stepName, "step", "", "Rotation step to run")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("step")

	return cmd
}
