package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard gateway",
		Long: `Start the gateway with all configured bots and pipelines.

The server will:
1. Load configuration from the specified file (or switchboard.yaml)
2. Build model providers, MCP servers, plugins and knowledge bases
3. Start every enabled bot adapter
4. Serve /metrics and /healthz on metrics.addr
5. Reload pipelines when files in pipelines_dir change

Graceful shutdown is handled on SIGINT/SIGTERM: pending aggregated messages
are flushed and in-flight queries get 30 seconds to finish.`,
		Example: `  # Start with default config
  switchboard serve

  # Start with debug logging
  switchboard serve -c /etc/switchboard/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and every pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildPipelinesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List pipelines with their stage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelines(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		botUUID    string
		userID     string
		name       string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a web chat connection token",
		Example: `  switchboard token --bot web --user alice --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), botUUID, userID, name, ttl)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&botUUID, "bot", "", "UUID of the websocket bot")
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 never expires")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildIngestCmd() *cobra.Command {
	var (
		configPath string
		kbUUID     string
		fileID     string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed and store text files in an internal knowledge base",
		Example: `  switchboard ingest --kb docs handbook.md faq.txt
  switchboard ingest --kb docs --id handbook handbook.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, resolveConfigPath(configPath), kbUUID, fileID, args)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&kbUUID, "kb", "", "UUID of the internal knowledge base")
	cmd.Flags().StringVar(&fileID, "id", "", "File id to store chunks under (single file only; defaults to the base name)")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
