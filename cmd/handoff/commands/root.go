// Package commands defines all Cobra CLI commands for the handoff binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/54b3r/handoff-go/internal/audit"
	"github.com/54b3r/handoff-go/internal/config"
	"github.com/54b3r/handoff-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "handoff",
		Short: "Handoff — document ingestion and retrieval for knowledge handover",
		Long: `Handoff ingests working documents (text, markdown, code, DOCX, PDF),
normalizes them into summarized chunks, and indexes them for retrieval.
On top of the index it answers questions with source citations and
generates structured handover reports.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.handoff/config.yaml); "local" runs the whole
system without any external model.
See 'handoff --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load .env first so its values participate in the same
			// precedence chain as real env vars.
			_ = godotenv.Load()

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.handoff/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewQueryCmd(),
		NewVersionCmd(),
	)

	return root
}
