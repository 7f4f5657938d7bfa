package dcr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/sessionstore"
)

const dcrUsername = "dcr_client"

// Client represents a dynamically registered OAuth client.
type Client struct {
	AuthorizationEndpoint string    `json:"authorizationEndpoint,omitempty"`
	AuthorizationServer   string    `json:"authorizationServer,omitempty"`
	ClientID              string    `json:"clientId,omitempty"`
	ClientName            string    `json:"clientName,omitempty"`
	ProviderName          string    `json:"providerName"`
	RegisteredAt          time.Time `json:"registeredAt"`
	RequiredScopes        []string  `json:"requiredScopes,omitempty"`
	ResourceURL           string    `json:"resourceUrl,omitempty"`
	ScopesSupported       []string  `json:"scopesSupported,omitempty"`
	ServerName            string    `json:"serverName"`
	TokenEndpoint         string    `json:"tokenEndpoint,omitempty"`
}

// Credentials persists DCR client metadata in the sqlite-backed
// sessionstore, replacing the teacher's docker-credential-helpers-backed
// store with the same base64(JSON) encoding.
type Credentials struct {
	store *sessionstore.Store
}

// NewCredentials creates a new DCR credentials store.
func NewCredentials(store *sessionstore.Store) *Credentials {
	return &Credentials{store: store}
}

func dcrKey(serverName string) string {
	return "https://" + serverName + ".mcp-dcr"
}

// SaveClient stores a DCR client.
func (c *Credentials) SaveClient(ctx context.Context, serverName string, client Client) error {
	jsonData, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshalling DCR client for %s: %w", serverName, err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonData)

	if err := c.store.SaveDCRClient(ctx, dcrKey(serverName), serverName, dcrUsername, encoded); err != nil {
		return fmt.Errorf("storing DCR client for %s: %w", serverName, err)
	}
	log.Logf("- Stored DCR client for %s", serverName)
	return nil
}

// RetrieveClient retrieves a DCR client.
func (c *Credentials) RetrieveClient(ctx context.Context, serverName string) (Client, error) {
	_, encoded, err := c.store.GetDCRClient(ctx, dcrKey(serverName))
	if err != nil {
		if err == sessionstore.ErrCredentialNotFound {
			return Client{}, fmt.Errorf("DCR client not found for %s", serverName)
		}
		return Client{}, fmt.Errorf("retrieving DCR client for %s: %w", serverName, err)
	}

	jsonData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Client{}, fmt.Errorf("decoding DCR client data for %s: %w", serverName, err)
	}
	var client Client
	if err := json.Unmarshal(jsonData, &client); err != nil {
		return Client{}, fmt.Errorf("unmarshalling DCR client for %s: %w", serverName, err)
	}
	return client, nil
}

// DeleteClient removes a DCR client.
func (c *Credentials) DeleteClient(ctx context.Context, serverName string) error {
	if err := c.store.DeleteDCRClient(ctx, dcrKey(serverName)); err != nil {
		return fmt.Errorf("deleting DCR client for %s: %w", serverName, err)
	}
	log.Logf("- Deleted DCR client for %s", serverName)
	return nil
}

// ListClients returns every stored DCR client keyed by server name.
func (c *Credentials) ListClients(ctx context.Context) (map[string]Client, error) {
	keys, err := c.store.ListDCRClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing DCR clients: %w", err)
	}
	clients := make(map[string]Client, len(keys))
	for _, serverName := range keys {
		client, err := c.RetrieveClient(ctx, serverName)
		if err != nil {
			log.Logf("! failed to retrieve DCR client %s during list: %v", serverName, err)
			continue
		}
		clients[serverName] = client
	}
	return clients, nil
}
