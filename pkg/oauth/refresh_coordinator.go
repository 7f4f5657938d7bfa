package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nullrunner/mcpmux/pkg/log"
)

// RefreshCoordinator manages proactive OAuth token refresh for multiple
// providers, deduplicating concurrent refresh attempts for the same
// server (SUPPLEMENTED FEATURES: proactive refresh ahead of expiry so a
// tool call doesn't race a background Provider's own refresh cycle).
type RefreshCoordinator struct {
	mu         sync.RWMutex
	refreshing map[string]bool
	manager    *Manager
}

// NewRefreshCoordinator creates a new RefreshCoordinator over the shared Manager.
func NewRefreshCoordinator(manager *Manager) *RefreshCoordinator {
	return &RefreshCoordinator{
		refreshing: make(map[string]bool),
		manager:    manager,
	}
}

// EnsureValidToken checks token validity and triggers a refresh if the
// token is within refreshSkew of expiring. Returns nil immediately;
// refresh happens asynchronously and MarkRefreshComplete should be called
// once the caller observes the reload finish.
func (c *RefreshCoordinator) EnsureValidToken(ctx context.Context, serverName string) error {
	token, err := c.manager.Token(ctx, serverName)
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	if !token.Expiry.IsZero() && time.Until(token.Expiry) > refreshSkew {
		log.Logf("- Token valid for %s (expires: %s)", serverName, token.Expiry.Format(time.RFC3339))
		return nil
	}

	if c.isRefreshing(serverName) {
		log.Logf("- Refresh already in progress for %s, skipping this check", serverName)
		return nil
	}

	log.Logf("- Token needs refresh for %s", serverName)
	c.setRefreshing(serverName, true)

	go func() {
		defer c.setRefreshing(serverName, false)
		if err := c.manager.RefreshToken(context.Background(), serverName); err != nil {
			log.Logf("! Refresh failed for %s: %v", serverName, err)
		}
	}()

	return nil
}

// MarkRefreshComplete marks a refresh as complete for a server.
func (c *RefreshCoordinator) MarkRefreshComplete(serverName string) {
	c.setRefreshing(serverName, false)
	log.Logf("- Refresh marked complete for %s", serverName)
}

func (c *RefreshCoordinator) isRefreshing(serverName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshing[serverName]
}

func (c *RefreshCoordinator) setRefreshing(serverName string, refreshing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing[serverName] = refreshing
}
