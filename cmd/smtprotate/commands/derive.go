package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/systmms/smtprotate/internal/config"
	"github.com/systmms/smtprotate/internal/secure"
	"github.com/systmms/smtprotate/internal/smtppass"
)

// NewDeriveCommand creates the derive command: offline derivation of the SMTP
// password from a secret access key, without touching any service.
func NewDeriveCommand(cfg *config.Config) *cobra.Command {
	var (
		keyID  string
		region string
	)

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive the SMTP password from a secret access key",
		Long: `Read a secret access key from stdin and print the derived SMTP credentials.
The derivation is deterministic and entirely local; use it to cross-check what
rotation would store, or to recover the SMTP password for an existing pair.

Example:
  echo "$AWS_SECRET_ACCESS_KEY" | smtprotate derive --key-id "$AWS_ACCESS_KEY_ID"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if region == "" {
				// Config is optional here; fall back to it only when the
				// flag is absent.
				if err := cfg.Load(); err == nil {
					region = cfg.Definition.Region
				}
			}
			if region == "" {
				region = os.Getenv("AWS_REGION")
			}
			if region == "" {
				return fmt.Errorf("region is required; pass --region or set AWS_REGION")
			}

			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret access key: %w", err)
			}
			material := secure.NewMaterial([]byte(strings.TrimSpace(line)))
			defer material.Wipe()

			var password string
			err = material.WithBytes(func(secret []byte) error {
				var deriveErr error
				password, deriveErr = smtppass.Derive(secret, region)
				return deriveErr
			})
			if err != nil {
				return err
			}

			if keyID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "username: %s\n", smtppass.Username(keyID))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password: %s\n", password)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "Access key id to print the SMTP username for")
	cmd.Flags().StringVar(&region, "region", "", "Region the password is derived for")

	return cmd
}
