package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/systmms/smtprotate/cmd/smtprotate/commands"
	"github.com/systmms/smtprotate/internal/config"
	"github.com/systmms/smtprotate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := run()
	// Wipes any secret material still held in enclaves before exit.
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "smtprotate",
		Short: "Rotate SES SMTP credentials through Secrets Manager",
		Long: `smtprotate drives the four-step Secrets Manager rotation protocol for
SES SMTP credentials: it provisions a fresh IAM access-key pair, derives the
SMTP password, verifies the new credential, and promotes it to current.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "smtprotate.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewStepCommand(cfg),
		commands.NewRunCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewKeysCommand(cfg),
		commands.NewDeriveCommand(cfg),
		commands.NewReclaimCommand(cfg),
	)

	return rootCmd.Execute()
}
