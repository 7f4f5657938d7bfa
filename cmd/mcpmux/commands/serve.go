package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nullrunner/mcpmux/pkg/gateway"
)

func serveCommand() *cobra.Command {
	var opts gateway.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, err := gateway.NewGateway(opts)
			if err != nil {
				return err
			}
			return g.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ConfigPath, "config", "", "path to the mcpServers/mcpTemplates config file")
	flags.StringVar(&opts.PresetPath, "presets", "", "path to the presets file")
	flags.StringVar(&opts.DatabaseFile, "database", "", "path to the sqlite session/credential store (default ~/.mcpmux/mcpmux.db)")
	flags.StringVar(&opts.Transport, "transport", "stdio", "transport: stdio, sse, or streaming")
	flags.IntVar(&opts.Port, "port", 0, "listen port for sse/streaming transports")
	flags.StringVar(&opts.LogFilePath, "log-file", "", "also write logs to this file")
	flags.BoolVar(&opts.LazyLoading, "lazy-loading", false, "defer tools/list to the lazy meta-tool layer instead of the full union")
	flags.BoolVar(&opts.InternalTools, "internal-tools", true, "register the 1mcp_find internal discovery tool")
	flags.DurationVar(&opts.TemplateIdleWindow, "template-idle-window", 0, "idle window before an unreferenced template instance is disposed (default 10m)")

	return cmd
}
