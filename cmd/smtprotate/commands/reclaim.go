package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/smtprotate/internal/config"
	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/secretstore"
)

// NewReclaimCommand creates the reclaim command: detach the staging label
// from an abandoned rotation attempt so the next cycle can start.
func NewReclaimCommand(cfg *config.Config) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Release the staging label of an abandoned rotation attempt",
		Long: `A rotation attempt that stalls between create and finish leaves its version
holding the staging label, which blocks any new attempt. reclaim detaches the
label so the next cycle can proceed; the attempt's access key is revoked by
that cycle's create step.

Without --force the command refuses to touch a staged version that could
still be completed by the scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			state, err := eng.store.DescribeStages(cmd.Context(), cfg.Definition.SecretID)
			if err != nil {
				return err
			}

			pendingVersion, ok := state.Stages.VersionFor(secretstore.StagePending)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no staged version; nothing to reclaim")
				return nil
			}

			stale := state.Stages.Has(pendingVersion, secretstore.StageCurrent) ||
				state.Stages.Has(pendingVersion, secretstore.StagePrevious)
			if !stale && !force {
				return roterrors.ValidationError{
					Op: "reclaim",
					Message: fmt.Sprintf(
						"version %s is a live rotation attempt; pass --force to abandon it", pendingVersion),
				}
			}

			if err := eng.store.DropPending(cmd.Context(), cfg.Definition.SecretID, pendingVersion); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released staging label from version %s\n", pendingVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Abandon a live attempt, not just a stale label")
	return cmd
}
