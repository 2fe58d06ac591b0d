// Package commands defines all Cobra CLI commands for the kbase binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kbase-ai/kbase-go/internal/audit"
	"github.com/kbase-ai/kbase-go/internal/config"
	"github.com/kbase-ai/kbase-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// devMode selects the ephemeral in-process vector index instead of Qdrant.
var devMode bool

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbase",
		Short: "kbase manages searchable knowledge bases of your documents",
		Long: `kbase is a local-first knowledge-base engine.

It ingests text documents into isolated knowledge bases: files are chunked,
embedded, and indexed in a vector store, then answered with vector, fulltext,
or hybrid retrieval.

The embedding backend is selected via the EMBEDDING_BACKEND environment
variable or a YAML config file (~/.kbase/config.yaml).
See 'kbase --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			slog.SetDefault(log)

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

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbase/config.yaml)")
	root.PersistentFlags().BoolVar(&devMode, "dev", false, "Use an ephemeral in-process vector index instead of Qdrant")

	root.AddCommand(
		NewCreateCmd(),
		NewUploadCmd(),
		NewProcessCmd(),
		NewQueryCmd(),
		NewListCmd(),
		NewStatsCmd(),
		NewDeleteCmd(),
		NewVersionCmd(),
	)

	return root
}
