package commands

import (
	"github.com/spf13/cobra"

	"github.com/nullrunner/mcpmux/pkg/oauth"
	"github.com/nullrunner/mcpmux/pkg/sessionstore"
)

func oauthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Manage OAuth authorization for upstream servers",
	}
	cmd.AddCommand(oauthCompleteCommand())
	return cmd
}

// oauthCompleteCommand drives the §6 completeOAuthAndReconnect ingress
// for headless setups: the operator completed the browser authorization
// step out of band and pastes back the resulting code/state pair. This
// talks directly to the shared sqlite store rather than to a running
// gateway process - the next config reload or restart picks up the
// stored token, since applyDesired re-merges bearer headers on every
// reconcile (pkg/gateway/gateway.go withOAuthHeaders).
func oauthCompleteCommand() *cobra.Command {
	var databaseFile, code, state string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Exchange an OAuth authorization code for a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := sessionstore.New(sessionstore.WithDatabaseFile(databaseFile))
			if err != nil {
				return err
			}
			defer store.Close()

			mgr := oauth.NewManager(store)
			if err := mgr.ExchangeCode(cmd.Context(), code, state); err != nil {
				return err
			}
			cmd.Println("token stored; reload the gateway to reconnect the affected server")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&databaseFile, "database", "", "path to the sqlite session/credential store (default ~/.mcpmux/mcpmux.db)")
	flags.StringVar(&code, "code", "", "authorization code from the OAuth redirect")
	flags.StringVar(&state, "state", "", "state value from the OAuth redirect")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}
