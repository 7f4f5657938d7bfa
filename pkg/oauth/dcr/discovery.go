package dcr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Discovery is the result of RFC 9728 protected-resource-metadata discovery
// plus RFC 8414 authorization-server-metadata discovery for one upstream
// MCP server's base URL. No library in the retrieval pack performs this
// discovery (the teacher's own implementation lived in a private module
// that isn't importable here), so this is a from-scratch minimal client
// over net/http/encoding/json per DESIGN.md.
type Discovery struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	ScopesSupported       []string
	Scopes                []string
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// DiscoverOAuthRequirements resolves the authorization server for
// serverURL by first trying RFC 9728 protected-resource metadata at
// <origin>/.well-known/oauth-protected-resource, falling back to RFC 8414
// authorization-server metadata at <origin>/.well-known/oauth-authorization-server.
func DiscoverOAuthRequirements(ctx context.Context, serverURL string) (*Discovery, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}

	if d, err := fetchProtectedResourceMetadata(ctx, origin); err == nil {
		asURL := d.authorizationServer
		if asURL == "" {
			asURL = origin
		}
		asMeta, err := fetchAuthorizationServerMetadata(ctx, asURL)
		if err != nil {
			return nil, err
		}
		asMeta.Scopes = d.scopesSupported
		return asMeta, nil
	}

	return fetchAuthorizationServerMetadata(ctx, origin)
}

func originOf(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

type protectedResourceMetadata struct {
	authorizationServer string
	scopesSupported     []string
}

func fetchProtectedResourceMetadata(ctx context.Context, origin string) (*protectedResourceMetadata, error) {
	var body struct {
		AuthorizationServers []string `json:"authorization_servers"`
		ScopesSupported      []string `json:"scopes_supported"`
	}
	if err := getJSON(ctx, origin+"/.well-known/oauth-protected-resource", &body); err != nil {
		return nil, err
	}
	meta := &protectedResourceMetadata{scopesSupported: body.ScopesSupported}
	if len(body.AuthorizationServers) > 0 {
		meta.authorizationServer = body.AuthorizationServers[0]
	}
	return meta, nil
}

func fetchAuthorizationServerMetadata(ctx context.Context, issuer string) (*Discovery, error) {
	var body struct {
		AuthorizationEndpoint string   `json:"authorization_endpoint"`
		TokenEndpoint         string   `json:"token_endpoint"`
		RegistrationEndpoint  string   `json:"registration_endpoint"`
		ScopesSupported       []string `json:"scopes_supported"`
	}
	if err := getJSON(ctx, strings.TrimRight(issuer, "/")+"/.well-known/oauth-authorization-server", &body); err != nil {
		return nil, fmt.Errorf("discovering authorization server metadata for %s: %w", issuer, err)
	}
	if body.AuthorizationEndpoint == "" || body.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata for %s is missing required endpoints", issuer)
	}
	return &Discovery{
		AuthorizationEndpoint: body.AuthorizationEndpoint,
		TokenEndpoint:         body.TokenEndpoint,
		RegistrationEndpoint:  body.RegistrationEndpoint,
		ScopesSupported:       body.ScopesSupported,
	}, nil
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisteredClient is the subset of an RFC 7591 registration response this
// gateway cares about.
type RegisteredClient struct {
	ClientID              string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ServerURL             string
}

// PerformDCR performs RFC 7591 Dynamic Client Registration against the
// discovered registration endpoint for a public client (no client secret)
// using the given redirect URI.
func PerformDCR(ctx context.Context, discovery *Discovery, serverName, redirectURI string) (*RegisteredClient, error) {
	if discovery.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("server %s has no registration_endpoint; manual OAuth client registration required", serverName)
	}

	reqBody := struct {
		ClientName              string   `json:"client_name"`
		RedirectURIs            []string `json:"redirect_uris"`
		GrantTypes              []string `json:"grant_types"`
		ResponseTypes           []string `json:"response_types"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}{
		ClientName:              fmt.Sprintf("mcpmux - %s", serverName),
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, discovery.RegistrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registering client for %s: %w", serverName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registering client for %s: unexpected status %d", serverName, resp.StatusCode)
	}

	var respBody struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, fmt.Errorf("decoding registration response for %s: %w", serverName, err)
	}
	if respBody.ClientID == "" {
		return nil, fmt.Errorf("registration response for %s missing client_id", serverName)
	}

	return &RegisteredClient{
		ClientID:              respBody.ClientID,
		AuthorizationEndpoint: discovery.AuthorizationEndpoint,
		TokenEndpoint:         discovery.TokenEndpoint,
	}, nil
}
