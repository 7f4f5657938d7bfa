package oauth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/oauth/dcr"
)

// DCRProvider represents a dynamically registered OAuth provider.
// Implements public client + PKCE for security.
type DCRProvider struct {
	name        string
	config      *oauth2.Config
	resourceURL string // For RFC 8707 token audience binding
}

// NewDCRProvider creates a new DCR provider from a registered DCR client.
func NewDCRProvider(dcrClient dcr.Client, redirectURL string) *DCRProvider {
	config := &oauth2.Config{
		ClientID:     dcrClient.ClientID,
		ClientSecret: "", // Public client - no secret
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  dcrClient.AuthorizationEndpoint,
			TokenURL: dcrClient.TokenEndpoint,
		},
		Scopes: dcrClient.RequiredScopes,
	}

	return &DCRProvider{
		name:        dcrClient.ServerName,
		config:      config,
		resourceURL: dcrClient.ResourceURL,
	}
}

func (p *DCRProvider) Name() string { return p.name }

func (p *DCRProvider) Config() *oauth2.Config { return p.config }

func (p *DCRProvider) ResourceURL() string { return p.resourceURL }

// GeneratePKCE generates a new PKCE code verifier. The challenge is
// computed by the oauth2 library via S256ChallengeOption.
func (p *DCRProvider) GeneratePKCE() string {
	return oauth2.GenerateVerifier()
}

// EventType classifies a Provider event.
type EventType string

const (
	EventLoginSuccess EventType = "login_success"
	EventTokenRefresh EventType = "token_refresh"
	EventLogout       EventType = "logout"
)

// Event is delivered to a Provider's background loop to interrupt its wait
// and trigger an immediate reload (§4.2: AwaitingAuth -> Connecting after
// external OAuth completion).
type Event struct {
	Type EventType
}

// refreshSkew is how far ahead of expiry a token is considered due for
// refresh.
const refreshSkew = 60 * time.Second

const maxRefreshRetries = 7

// Provider manages background token-refresh for a single outbound server,
// triggering a fleet reload once a refreshed (or newly completed) token is
// available. Grounded on the teacher's own Provider.Run loop shape
// (exponential-backoff retry, interruptible wait), adapted to the single
// sqlite-backed Manager instead of a Docker-Desktop-vs-CE split.
type Provider struct {
	name              string
	manager           *Manager
	lastRefreshExpiry time.Time
	refreshRetryCount int
	stopOnce          sync.Once
	stopChan          chan struct{}
	eventChan         chan Event
	reloadFn          func(ctx context.Context, serverName string) error
}

// NewProvider creates a new OAuth provider for background token refresh.
func NewProvider(name string, manager *Manager, reloadFn func(context.Context, string) error) *Provider {
	return &Provider{
		name:      name,
		manager:   manager,
		stopChan:  make(chan struct{}),
		eventChan: make(chan Event),
		reloadFn:  reloadFn,
	}
}

// Run starts the provider's background loop. It dynamically adjusts its
// wait duration based on the stored token's expiry.
func (p *Provider) Run(ctx context.Context) {
	log.Logf("- Started OAuth provider loop for %s", p.name)
	defer log.Logf("- Stopped OAuth provider loop for %s", p.name)

	for {
		token, err := p.manager.Token(ctx, p.name)
		if err != nil {
			log.Logf("! No stored token for %s yet: %v", p.name, err)
			return
		}

		var waitDuration time.Duration
		var shouldRefresh bool
		needsRefresh := token.Expiry.IsZero() || time.Until(token.Expiry) <= refreshSkew

		if needsRefresh {
			expiryUnchanged := !p.lastRefreshExpiry.IsZero() && token.Expiry.Equal(p.lastRefreshExpiry)
			if expiryUnchanged {
				p.refreshRetryCount++
			} else {
				if p.refreshRetryCount > 0 {
					log.Logf("- Token expiry updated for %s, resetting refresh count", p.name)
				}
				p.refreshRetryCount = 1
			}

			if p.refreshRetryCount > maxRefreshRetries {
				log.Logf("! Token expiry unchanged after %d refresh attempts for %s", maxRefreshRetries, p.name)
				return
			}

			waitDuration = time.Duration(30*(1<<(p.refreshRetryCount-1))) * time.Second
			log.Logf("- Triggering token refresh for %s, attempt %d/%d, waiting %v",
				p.name, p.refreshRetryCount, maxRefreshRetries, waitDuration)
			p.lastRefreshExpiry = token.Expiry
			shouldRefresh = true
		} else {
			waitDuration = max(0, time.Until(token.Expiry)-refreshSkew)
			log.Logf("- Token valid for %s, next check in %v", p.name, waitDuration.Round(time.Second))
		}

		if shouldRefresh {
			go func() {
				if err := p.manager.RefreshToken(context.Background(), p.name); err != nil {
					log.Logf("! Token refresh failed for %s: %v", p.name, err)
					return
				}
				if err := p.reloadFn(context.Background(), p.name); err != nil {
					log.Logf("! Failed to reload %s after refresh: %v", p.name, err)
				}
			}()
		}

		if waitDuration > 0 {
			timer := time.NewTimer(waitDuration)
			select {
			case <-timer.C:
			case event := <-p.eventChan:
				timer.Stop()
				log.Logf("- Provider %s received event: %s", p.name, event.Type)
				if err := p.reloadFn(ctx, p.name); err != nil {
					log.Logf("- Failed to reload %s after %s: %v", p.name, event.Type, err)
				}
				if event.Type == EventLoginSuccess || event.Type == EventTokenRefresh {
					p.refreshRetryCount = 0
					p.lastRefreshExpiry = time.Time{}
				}
			case <-p.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// Stop signals the provider to shutdown gracefully.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

// SendEvent delivers an event to this provider's loop.
func (p *Provider) SendEvent(event Event) {
	p.eventChan <- event
}
