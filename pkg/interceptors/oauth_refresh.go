package interceptors

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/contextkeys"
	"github.com/nullrunner/mcpmux/pkg/oauth"
	"github.com/nullrunner/mcpmux/pkg/spec"
)

// OAuthRefreshMiddleware creates an interceptor that proactively checks and
// refreshes OAuth tokens before tool execution, preventing a call from
// racing a background Provider's own refresh cycle and failing against a
// stale token (SUPPLEMENTED FEATURES, grounded on the teacher's own
// OAuthRefreshMiddleware shape: intercept by method-name string, pull the
// target server's spec from context, refresh-then-forward).
//
// The middleware:
//  1. Only intercepts tools/call requests
//  2. Checks whether the target server has OAuth configuration
//  3. Verifies token validity and triggers refresh if it's within refreshSkew of expiry
//  4. Coordinates concurrent requests via the RefreshCoordinator
func OAuthRefreshMiddleware(coordinator *oauth.RefreshCoordinator) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != "tools/call" {
				return next(ctx, method, req)
			}

			target, ok := ctx.Value(contextkeys.ServerSpecKey).(*spec.ServerSpec)
			if !ok || target == nil || target.OAuth == nil {
				return next(ctx, method, req)
			}

			if err := coordinator.EnsureValidToken(ctx, target.Name); err != nil {
				return &mcp.CallToolResult{
					Content: []mcp.Content{
						&mcp.TextContent{
							Text: fmt.Sprintf("OAuth token validation failed for %s: %v. Re-authorize via the oauth subcommand.", target.Name, err),
						},
					},
					IsError: true,
				}, nil
			}

			return next(ctx, method, req)
		}
	}
}
