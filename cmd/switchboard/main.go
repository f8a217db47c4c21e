// Package main provides the CLI entry point for the switchboard chatbot gateway.
//
// Switchboard connects chat platforms (Telegram, Discord, Slack, web chat) to
// configurable message pipelines that run LLM agents with tools and knowledge
// bases.
//
// # Basic Usage
//
// Start the gateway:
//
//	switchboard serve --config switchboard.yaml
//
// Check a configuration without starting anything:
//
//	switchboard validate --config switchboard.yaml
//
// # Environment Variables
//
//   - SWITCHBOARD_CONFIG: path to the configuration file (default: switchboard.yaml)
//   - SECTION__KEY: overrides an existing scalar config value, e.g.
//     CONCURRENCY__PIPELINE=8
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "switchboard.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - multi-tenant chatbot gateway",
		Long: `Switchboard routes chat platform messages through configurable pipelines
of stages that filter, rate limit and answer them with LLM agents.

Supported platforms: Telegram, Discord, Slack, web chat (websocket)
Supported model APIs: OpenAI-compatible, Anthropic, Gemini, Bedrock`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildPipelinesCmd(),
		buildTokenCmd(),
		buildIngestCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("SWITCHBOARD_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
