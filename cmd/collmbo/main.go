// Package main provides the CLI entry point for Collmbo, a Slack bot that
// answers in threads through an LLM gateway with local and MCP tools.
//
// # Basic Usage
//
// Start the bot (Socket Mode):
//
//	collmbo serve --config collmbo.yaml
//
// Every setting can also come from the environment:
//
//   - SLACK_BOT_TOKEN: Slack bot OAuth token
//   - SLACK_APP_TOKEN: Slack app-level token for Socket Mode
//   - LITELLM_MODEL: model name, e.g. "gpt-4o" or "anthropic/claude-sonnet-4-20250514"
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY: gateway credentials
//   - MCP_CONFIG_PATH: MCP server declarations (default: config/mcp.yml)
package main

import (
	"fmt"
	"log/slog"
	"os"

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

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Running it without a subcommand serves.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "collmbo",
		Short: "Collmbo - LLM assistant for Slack threads",
		Long: `Collmbo answers Slack DMs, mentions and threads through an LLM gateway.

Replies stream into the thread while the model writes them. The model can
call built-in tools and the tools of remote MCP servers, with per-user OAuth
through AgentCore Identity for servers that require it.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("COLLMBO_CONFIG"),
		"Path to YAML configuration file (optional; environment variables override it)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildToolsCmd(&configPath),
		buildConfigCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}
