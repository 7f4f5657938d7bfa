package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/oauth/dcr"
	"github.com/nullrunner/mcpmux/pkg/sessionstore"
)

// TokenStore persists OAuth tokens in the sqlite-backed sessionstore,
// adapted from the teacher's docker-credential-helpers-backed TokenStore:
// same base64(JSON) encoding and {authorizationEndpoint}/{providerName} key
// shape, stored as a row instead of a system-keychain entry.
type TokenStore struct {
	store *sessionstore.Store
}

// NewTokenStore creates a new token store over the given sqlite handle.
func NewTokenStore(store *sessionstore.Store) *TokenStore {
	return &TokenStore{store: store}
}

func tokenKey(dcrClient dcr.Client) string {
	return fmt.Sprintf("%s/%s", dcrClient.AuthorizationEndpoint, dcrClient.ProviderName)
}

// Save stores an OAuth token for the given DCR client.
func (t *TokenStore) Save(ctx context.Context, dcrClient dcr.Client, token *oauth2.Token) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshalling token: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(tokenJSON)

	if err := t.store.SaveOAuthToken(ctx, tokenKey(dcrClient), dcrClient.ServerName,
		fmt.Sprintf("oauth2_%s", dcrClient.ProviderName), encoded); err != nil {
		return fmt.Errorf("storing token for %s: %w", dcrClient.ServerName, err)
	}
	log.Logf("- Stored OAuth token for %s", dcrClient.ServerName)
	return nil
}

// Retrieve retrieves an OAuth token for the given DCR client.
func (t *TokenStore) Retrieve(ctx context.Context, dcrClient dcr.Client) (*oauth2.Token, error) {
	_, encoded, err := t.store.GetOAuthToken(ctx, tokenKey(dcrClient))
	if err != nil {
		if err == sessionstore.ErrCredentialNotFound {
			return nil, fmt.Errorf("token not found for %s", dcrClient.ServerName)
		}
		return nil, fmt.Errorf("retrieving token for %s: %w", dcrClient.ServerName, err)
	}

	tokenJSON, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding token for %s: %w", dcrClient.ServerName, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("unmarshalling token for %s: %w", dcrClient.ServerName, err)
	}
	return &token, nil
}

// Delete removes a stored OAuth token.
func (t *TokenStore) Delete(ctx context.Context, dcrClient dcr.Client) error {
	if err := t.store.DeleteOAuthToken(ctx, tokenKey(dcrClient)); err != nil {
		return fmt.Errorf("deleting token for %s: %w", dcrClient.ServerName, err)
	}
	log.Logf("- Deleted OAuth token for %s", dcrClient.ServerName)
	return nil
}
