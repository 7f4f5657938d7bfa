package dcr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/sessionstore"
)

// Manager orchestrates Dynamic Client Registration flows.
type Manager struct {
	credentials *Credentials
	redirectURI string
}

// NewManager creates a new DCR manager with the specified redirect URI.
func NewManager(store *sessionstore.Store, redirectURI string) *Manager {
	return &Manager{
		credentials: NewCredentials(store),
		redirectURI: redirectURI,
	}
}

// Credentials returns the credentials store.
func (m *Manager) Credentials() *Credentials {
	return m.credentials
}

// GetDCRClient retrieves a DCR client from storage.
func (m *Manager) GetDCRClient(ctx context.Context, serverName string) (Client, error) {
	return m.credentials.RetrieveClient(ctx, serverName)
}

// PerformDiscoveryAndRegistration executes OAuth discovery and DCR for a
// server whose upstream base URL is serverURL (the ServerSpec's own URL
// field, §3 — this gateway has no OCI catalog to resolve it from).
func (m *Manager) PerformDiscoveryAndRegistration(ctx context.Context, serverName, serverURL, scopes string) error {
	log.Logf("- Performing OAuth discovery and DCR for: %s", serverName)

	discovery, err := DiscoverOAuthRequirements(ctx, serverURL)
	if err != nil {
		return fmt.Errorf("discovering OAuth requirements for %s: %w", serverName, err)
	}
	log.Logf("- Discovery successful for: %s", serverName)

	mergedScopes := mergeScopes(discovery.Scopes, scopes)
	if len(mergedScopes) > len(discovery.Scopes) {
		discovery.Scopes = mergedScopes
		log.Logf("- Merged scopes for DCR registration: %v", mergedScopes)
	}

	creds, err := PerformDCR(ctx, discovery, serverName, m.redirectURI)
	if err != nil {
		return fmt.Errorf("registering DCR client for %s: %w", serverName, err)
	}
	log.Logf("- Registration successful for: %s, clientID: %s", serverName, creds.ClientID)

	dcrClient := Client{
		ServerName:            serverName,
		ProviderName:          serverName,
		ClientID:              creds.ClientID,
		ClientName:            fmt.Sprintf("mcpmux - %s", serverName),
		AuthorizationEndpoint: creds.AuthorizationEndpoint,
		TokenEndpoint:         creds.TokenEndpoint,
		ResourceURL:           serverURL,
		ScopesSupported:       discovery.ScopesSupported,
		RequiredScopes:        discovery.Scopes,
		RegisteredAt:          time.Now(),
	}

	if err := m.credentials.SaveClient(ctx, serverName, dcrClient); err != nil {
		return fmt.Errorf("saving DCR client for %s: %w", serverName, err)
	}

	log.Logf("- Completed DCR for: %s", serverName)
	return nil
}

// DeleteDCRClient removes a DCR client from storage.
func (m *Manager) DeleteDCRClient(ctx context.Context, serverName string) error {
	return m.credentials.DeleteClient(ctx, serverName)
}

// ListDCRClients returns all stored DCR clients.
func (m *Manager) ListDCRClients(ctx context.Context) (map[string]Client, error) {
	return m.credentials.ListClients(ctx)
}

// mergeScopes combines resource-required scopes with user-provided scopes.
func mergeScopes(requiredScopes []string, userScopes string) []string {
	if strings.TrimSpace(userScopes) == "" {
		return requiredScopes
	}

	userScopesList := strings.Fields(userScopes)
	merged := make([]string, len(requiredScopes))
	copy(merged, requiredScopes)

	for _, userScope := range userScopesList {
		found := false
		for _, existingScope := range merged {
			if existingScope == userScope {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, userScope)
		}
	}

	return merged
}
