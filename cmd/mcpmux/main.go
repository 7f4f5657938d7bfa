// Command mcpmux runs the MCP multiplexing gateway and its supporting
// CLI surface, grounded on the teacher's own cmd/docker-mcp entrypoint
// shape: a cobra root command assembled from one subcommand-per-file in
// an internal commands package.
package main

import (
	"fmt"
	"os"

	"github.com/nullrunner/mcpmux/cmd/mcpmux/commands"
)

func main() {
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
