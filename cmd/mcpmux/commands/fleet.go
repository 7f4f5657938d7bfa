package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func fleetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Operate on a running gateway's client fleet",
	}
	cmd.AddCommand(fleetRestartCommand())
	return cmd
}

// fleetRestartCommand drives the /admin/restart endpoint a running
// gateway's sse/streaming transport exposes (pkg/gateway/transport.go
// adminRestartHandler), forcing the named server through a fresh
// stop/reconnect cycle without touching its declared config.
func fleetRestartCommand() *cobra.Command {
	var gatewayURL, token string

	cmd := &cobra.Command{
		Use:   "restart <server-name>",
		Short: "Force a reconnect cycle for one upstream server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/admin/restart?server=%s", gatewayURL, args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("restart request failed: %s", resp.Status)
			}
			cmd.Println("restart requested")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&gatewayURL, "gateway-url", "http://localhost:8080", "base URL of the running gateway's sse/streaming listener")
	flags.StringVar(&token, "token", "", "bearer token, if the gateway was started with one")

	return cmd
}
