package commands

import (
	"github.com/spf13/cobra"
)

// Root assembles the mcpmux CLI, mirroring the teacher's
// one-command-per-file layout under cmd/docker-mcp/commands.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcpmux",
		Short:         "MCP multiplexing gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(serveCommand())
	cmd.AddCommand(oauthCommand())
	cmd.AddCommand(configCommand())
	cmd.AddCommand(fleetCommand())
	return cmd
}
