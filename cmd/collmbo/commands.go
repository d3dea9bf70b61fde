package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iwamot/collmbo/internal/config"
	"github.com/iwamot/collmbo/internal/mcp"
	"github.com/iwamot/collmbo/internal/tools"
)

// buildServeCmd creates the "serve" command that connects to Slack.
func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Slack and answer messages",
		Long: `Connect to Slack over Socket Mode and answer messages.

The bot will:
1. Load configuration from the file (if any) and the environment
2. Connect the LLM gateway and the MCP servers
3. Reply to DMs, mentions and threads it was mentioned in

Graceful shutdown is handled on SIGINT/SIGTERM signals: running replies
are allowed to finish.`,
		Example: `  # Configure through the environment only
  SLACK_BOT_TOKEN=xoxb-... SLACK_APP_TOKEN=xapp-... collmbo serve

  # Start with a config file
  collmbo serve --config /etc/collmbo/collmbo.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

// buildToolsCmd creates the "tools" command listing what the model may call.
func buildToolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List built-in tools and declared MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			mcpCfg, err := mcp.LoadConfig(cfg.Tools.MCPConfigPath)
			if err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), cfg.Tools.Local, mcpCfg)
		},
	}
}

func printTools(out io.Writer, enabled []string, mcpCfg *mcp.Config) error {
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		on[name] = true
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUILT-IN\tENABLED")
	for _, name := range tools.Names() {
		fmt.Fprintf(w, "%s\t%t\n", name, on[name])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "MCP SERVER\tAUTH\tURL")
	if len(mcpCfg.Servers) == 0 {
		fmt.Fprintln(w, "(none)\t\t")
	}
	for _, server := range mcpCfg.Servers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", server.Name, server.AuthType, server.URL)
	}
	return w.Flush()
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				schema, err := config.JSONSchema()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
				return err
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the configuration without connecting",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				if err := cfg.RequireSlack(); err != nil {
					return err
				}
				if _, err := mcp.LoadConfig(cfg.Tools.MCPConfigPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (model %s)\n", cfg.LLM.Model)
				return nil
			},
		},
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "collmbo %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
