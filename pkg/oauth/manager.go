package oauth

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/oauth/dcr"
	"github.com/nullrunner/mcpmux/pkg/sessionstore"
)

// DefaultRedirectURI is the OAuth callback endpoint this gateway listens on
// (served by CallbackServer, §6 "OAuth completion interface").
const DefaultRedirectURI = "http://localhost:5000/callback"

// Manager orchestrates OAuth flows for DCR-based providers (§4.2's
// AwaitingAuth gate, §6's completeOAuthAndReconnect ingress).
type Manager struct {
	dcrManager   *dcr.Manager
	tokenStore   *TokenStore
	stateManager *StateManager
	redirectURI  string
}

// NewManager creates a new OAuth manager backed by the sqlite sessionstore.
func NewManager(store *sessionstore.Store) *Manager {
	return &Manager{
		dcrManager:   dcr.NewManager(store, DefaultRedirectURI),
		tokenStore:   NewTokenStore(store),
		stateManager: NewStateManager(),
		redirectURI:  DefaultRedirectURI,
	}
}

// SetRedirectURI sets a custom redirect URI (for testing or custom deployments).
func (m *Manager) SetRedirectURI(uri string) {
	m.redirectURI = uri
}

// EnsureDCRClient ensures a DCR client is registered for the server,
// discovering against serverURL (the ServerSpec's own url field) if none
// exists yet.
func (m *Manager) EnsureDCRClient(ctx context.Context, serverName, serverURL, scopes string) error {
	client, err := m.dcrManager.GetDCRClient(ctx, serverName)
	if err == nil && client.ClientID != "" {
		log.Logf("- DCR client already registered for %s (clientID: %s)", serverName, client.ClientID)
		return nil
	}

	log.Logf("- No DCR client found for %s, performing registration...", serverName)
	return m.dcrManager.PerformDiscoveryAndRegistration(ctx, serverName, serverURL, scopes)
}

// BuildAuthorizationURL generates the OAuth authorization URL with PKCE.
// If callbackURL is provided, extracts port and embeds it in state for
// reverse-proxy routing. Returns: authURL, baseState, verifier, error.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, serverName string, scopes []string, callbackURL string) (string, string, string, error) {
	dcrClient, err := m.dcrManager.GetDCRClient(ctx, serverName)
	if err != nil {
		return "", "", "", fmt.Errorf("DCR client not found for %s: %w", serverName, err)
	}
	if dcrClient.ClientID == "" {
		return "", "", "", fmt.Errorf("DCR client for %s has no clientID - registration incomplete", serverName)
	}

	provider := NewDCRProvider(dcrClient, m.redirectURI)
	verifier := provider.GeneratePKCE()
	baseState := m.stateManager.Generate(serverName, verifier)

	var state string
	if callbackURL != "" {
		parsedCallback, err := url.Parse(callbackURL)
		if err != nil {
			return "", "", "", fmt.Errorf("invalid callback URL: %w", err)
		}
		port := parsedCallback.Port()
		if port == "" {
			return "", "", "", fmt.Errorf("callback URL missing port")
		}
		state = fmt.Sprintf("mcpmux:%s:%s", port, baseState)
		log.Logf("- State format for proxy: mcpmux:%s:UUID", port)
	} else {
		state = baseState
	}

	config := provider.Config()
	if len(scopes) > 0 {
		config.Scopes = scopes
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if provider.ResourceURL() != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", provider.ResourceURL()))
		log.Logf("- Adding resource parameter: %s", provider.ResourceURL())
	}

	authURL := config.AuthCodeURL(state, opts...)
	log.Logf("- Generated authorization URL for %s with PKCE", serverName)
	return authURL, baseState, verifier, nil
}

// ExchangeCode exchanges an authorization code for an access token, driven
// by the §6 completeOAuthAndReconnect ingress.
func (m *Manager) ExchangeCode(ctx context.Context, code, state string) error {
	serverName, verifier, err := m.stateManager.Validate(state)
	if err != nil {
		return fmt.Errorf("invalid state parameter: %w", err)
	}
	log.Logf("- Exchanging authorization code for %s", serverName)

	dcrClient, err := m.dcrManager.GetDCRClient(ctx, serverName)
	if err != nil {
		return fmt.Errorf("DCR client not found for %s: %w", serverName, err)
	}

	provider := NewDCRProvider(dcrClient, m.redirectURI)
	config := provider.Config()

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if provider.ResourceURL() != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", provider.ResourceURL()))
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return fmt.Errorf("token exchange failed for %s: %w", serverName, err)
	}
	log.Logf("- Token exchanged for %s (access: %v, refresh: %v)",
		serverName, token.AccessToken != "", token.RefreshToken != "")

	if err := m.tokenStore.Save(ctx, dcrClient, token); err != nil {
		return fmt.Errorf("failed to store token for %s: %w", serverName, err)
	}
	return nil
}

// RevokeToken revokes an OAuth token for a server.
func (m *Manager) RevokeToken(ctx context.Context, serverName string) error {
	dcrClient, err := m.dcrManager.GetDCRClient(ctx, serverName)
	if err != nil {
		return fmt.Errorf("DCR client not found for %s: %w", serverName, err)
	}
	return m.tokenStore.Delete(ctx, dcrClient)
}

// DeleteDCRClient removes a DCR client registration.
func (m *Manager) DeleteDCRClient(ctx context.Context, serverName string) error {
	return m.dcrManager.DeleteDCRClient(ctx, serverName)
}

// Token returns the currently stored token for a server, if any.
func (m *Manager) Token(ctx context.Context, serverName string) (*oauth2.Token, error) {
	dcrClient, err := m.dcrManager.GetDCRClient(ctx, serverName)
	if err != nil {
		return nil, err
	}
	return m.tokenStore.Retrieve(ctx, dcrClient)
}

// RefreshToken refreshes a server's token using its stored refresh_token
// and persists the result, driving C2's restart on an AwaitingAuth client
// without requiring a fresh browser round-trip.
func (m *Manager) RefreshToken(ctx context.Context, serverName string) error {
	dcrClient, err := m.dcrManager.GetDCRClient(ctx, serverName)
	if err != nil {
		return fmt.Errorf("DCR client not found for %s: %w", serverName, err)
	}
	token, err := m.tokenStore.Retrieve(ctx, dcrClient)
	if err != nil {
		return fmt.Errorf("failed to retrieve token: %w", err)
	}

	provider := NewDCRProvider(dcrClient, m.redirectURI)
	refreshed, err := provider.Config().TokenSource(ctx, token).Token()
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	if err := m.tokenStore.Save(ctx, dcrClient, refreshed); err != nil {
		return fmt.Errorf("failed to save refreshed token: %w", err)
	}
	log.Logf("- Successfully refreshed token for %s", serverName)
	return nil
}
