package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/smtprotate/internal/config"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/internal/secretstore"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the secret's stage map and the principal's access keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			state, err := eng.store.DescribeStages(cmd.Context(), cfg.Definition.SecretID)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Secret: %s\n", state.Name)
			fmt.Fprintf(out, "Rotation enabled: %v\n", state.RotationEnabled)
			fmt.Fprintln(out, "Versions:")
			versions := make([]string, 0, len(state.Stages))
			for version := range state.Stages {
				versions = append(versions, version)
			}
			sort.Strings(versions)
			for _, version := range versions {
				labels := state.Stages[version]
				if len(labels) == 0 {
					continue
				}
				fmt.Fprintf(out, "  %s:", version)
				for _, label := range labels {
					fmt.Fprintf(out, " %s", label)
				}
				fmt.Fprintln(out)
			}

			if _, inFlight := state.Stages.VersionFor(secretstore.StagePending); inFlight {
				fmt.Fprintln(out, "A rotation attempt is in flight.")
			}

			pairs, err := eng.keys.ListActive(cmd.Context(), cfg.Definition.Principal)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Access keys for %s (%d/%d):\n", cfg.Definition.Principal, len(pairs), eng.keys.Limit())
			now := time.Now()
			for _, pair := range pairs {
				fmt.Fprintf(out, "  %s  age %s\n", logging.KeyID(pair.ID), ageOf(pair.CreatedAt, now))
			}
			return nil
		},
	}
	return cmd
}
