package main

import (
	"github.com/spf13/cobra"

	"github.com/marcelocantos/dsh/internal/cli"
	"github.com/marcelocantos/dsh/internal/config"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the shell as an MCP tool over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFrom(cfgPath)
		if err != nil {
			return err
		}
		ts := cli.NewToolServer(cfg.Builder(), openAudit(cmd, cfg))
		return ts.Serve(version)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
