package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/smtprotate/internal/config"
	roterrors "github.com/systmms/smtprotate/internal/errors"
	"github.com/systmms/smtprotate/internal/logging"
	"github.com/systmms/smtprotate/internal/secretstore"
)

// NewKeysCommand creates the keys command group.
func NewKeysCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and clean up the principal's access keys",
	}
	cmd.AddCommand(
		newKeysListCommand(cfg),
		newKeysPruneCommand(cfg),
	)
	return cmd
}

func newKeysListCommand(cfg *config.Config) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the principal's active access keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			pairs, err := eng.keys.ListActive(cmd.Context(), cfg.Definition.Principal)
			if err != nil {
				return err
			}

			currentKeyID := currentBackingKey(cmd, cfg, eng)
			now := time.Now()
			for _, pair := range pairs {
				id := logging.KeyID(pair.ID)
				if full {
					id = pair.ID
				}
				marker := ""
				if pair.ID == currentKeyID {
					marker = "  (backs current version)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  created %s  age %s%s\n",
					id, pair.CreatedAt.Format(time.RFC3339), ageOf(pair.CreatedAt, now), marker)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Print full key ids instead of redacted ones")
	return cmd
}

func newKeysPruneCommand(cfg *config.Config) *cobra.Command {
	var dryRun bool
	var force bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Revoke active keys that do not back the current secret version",
		Long: `Revoke every active access key of the principal except the one the current
secret version is built on. This reclaims the grace-window pair early and
removes strays left behind by abandoned rotation attempts.

A key backing a live staged rotation attempt is skipped, since revoking it
would let the scheduler promote a dead pair. Pass --force to revoke it
anyway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return runPrune(cmd, cfg, eng, dryRun, force)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only print what would be revoked")
	cmd.Flags().BoolVar(&force, "force", false, "Also revoke the key of a live rotation attempt")
	return cmd
}

func runPrune(cmd *cobra.Command, cfg *config.Config, eng *engine, dryRun, force bool) error {
	currentKeyID := currentBackingKey(cmd, cfg, eng)
	if currentKeyID == "" {
		return roterrors.ValidationError{
			Op:      "prune",
			Message: "could not determine which key backs the current version; refusing to prune",
		}
	}
	stagedKeyID, err := liveStagedKey(cmd, cfg, eng)
	if err != nil {
		return err
	}

	pairs, err := eng.keys.ListActive(cmd.Context(), cfg.Definition.Principal)
	if err != nil {
		return err
	}

	pruned := 0
	for _, pair := range pairs {
		if pair.ID == currentKeyID {
			continue
		}
		if pair.ID == stagedKeyID && !force {
			fmt.Fprintf(cmd.OutOrStdout(), "skipping %s: backs a live rotation attempt (pass --force to revoke)\n",
				logging.KeyID(pair.ID))
			continue
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "would revoke %s\n", logging.KeyID(pair.ID))
			continue
		}
		if err := eng.keys.Revoke(cmd.Context(), cfg.Definition.Principal, pair.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", logging.KeyID(pair.ID))
		pruned++
	}
	if !dryRun {
		cfg.Logger.Info("Pruned %d access key(s) for %s", pruned, cfg.Definition.Principal)
	}
	return nil
}

// liveStagedKey returns the access-key id recorded in a live staged rotation
// attempt, or empty when no attempt is in flight. A staging label left on an
// already-promoted version does not count; its key is fair game.
func liveStagedKey(cmd *cobra.Command, cfg *config.Config, eng *engine) (string, error) {
	state, err := eng.store.DescribeStages(cmd.Context(), cfg.Definition.SecretID)
	if err != nil {
		return "", err
	}
	pendingVersion, ok := state.Stages.VersionFor(secretstore.StagePending)
	if !ok {
		return "", nil
	}
	if state.Stages.Has(pendingVersion, secretstore.StageCurrent) ||
		state.Stages.Has(pendingVersion, secretstore.StagePrevious) {
		return "", nil
	}
	pending, err := eng.store.GetVersion(cmd.Context(), cfg.Definition.SecretID, secretstore.StagePending, "")
	if err != nil {
		return "", err
	}
	return pending.AccessKeyID, nil
}

// currentBackingKey returns the access-key id recorded in the current secret
// version, or empty when it cannot be read.
func currentBackingKey(cmd *cobra.Command, cfg *config.Config, eng *engine) string {
	current, err := eng.store.GetVersion(cmd.Context(), cfg.Definition.SecretID, secretstore.StageCurrent, "")
	if err != nil {
		cfg.Logger.Warn("Could not read current version of %s: %v", cfg.Definition.SecretID, err)
		return ""
	}
	return current.AccessKeyID
}
