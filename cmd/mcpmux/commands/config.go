package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/nullrunner/mcpmux/pkg/config"
)

func configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the gateway's config file",
	}
	cmd.AddCommand(configValidateCommand())
	return cmd
}

func configValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Parse and validate mcpServers/mcpTemplates without starting the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(args[0])
			servers, order, templates, err := loader.LoadOnce()
			if err != nil {
				return err
			}
			cmd.Printf("%d server(s), %d template(s) valid\n", len(servers), len(templates))
			for _, name := range order {
				cmd.Printf("  server   %s\n", name)
			}
			templateNames := make([]string, 0, len(templates))
			for name := range templates {
				templateNames = append(templateNames, name)
			}
			sort.Strings(templateNames)
			for _, name := range templateNames {
				cmd.Printf("  template %s\n", name)
			}
			return nil
		},
	}
	return cmd
}
