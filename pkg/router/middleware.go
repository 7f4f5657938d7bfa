package router

import (
	"context"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/contextkeys"
	"github.com/nullrunner/mcpmux/pkg/spec"
)

// persistThreshold/persistInterval are the throttled-persist policy's
// implementation constants (§5, §9 Open Question 2 — the spec mandates
// the behavior, not the numbers; DESIGN.md records this choice).
const (
	persistThreshold = 20
	persistInterval  = 30 * time.Second
)

// SessionStore is the external persistent session store contract (§6).
type SessionStore interface {
	Put(ctx context.Context, id string, record SessionRecord) error
}

// SessionRecord is what gets persisted under the throttled policy (§6).
type SessionRecord struct {
	Tags             []string
	FilterMode       FilterMode
	TagQuery         *spec.TagQuery
	PresetName       string
	EnablePagination bool
	Context          map[string]string
	Expires          time.Time
	CreatedAt        time.Time
	LastAccessedAt   time.Time
}

// Middleware builds the per-session filtering interceptor, grounded on the
// teacher's own OAuthRefreshMiddleware shape in
// pkg/interceptors/oauth_refresh.go: intercept by method-name string,
// pull session state from context, and either forward or short-circuit.
func (r *Router) Middleware(store SessionStore) gomcp.Middleware {
	return func(next gomcp.MethodHandler) gomcp.MethodHandler {
		return func(ctx context.Context, method string, req gomcp.Request) (gomcp.Result, error) {
			sess, ok := ctx.Value(contextkeys.InboundSessionKey).(*Session)
			if !ok || sess == nil {
				return next(ctx, method, req)
			}

			if store != nil && r.touchAndMaybePersist(ctx, sess, store) {
				// best-effort; persistence failures don't block serving
			}

			switch method {
			case "tools/call":
				if err := r.authorizeToolCall(sess, req); err != nil {
					return nil, err
				}
			case "resources/read":
				if err := r.authorizeResourceRead(sess, req); err != nil {
					return nil, err
				}
			}

			return next(ctx, method, req)
		}
	}
}

func (r *Router) touchAndMaybePersist(ctx context.Context, sess *Session, store SessionStore) bool {
	due := sess.Touch(persistThreshold, persistInterval)
	if !due {
		return false
	}
	record := SessionRecord{
		Tags:             sess.Tags,
		FilterMode:       sess.FilterMode,
		TagQuery:         sess.ResolvedFilter(),
		PresetName:       sess.PresetName,
		EnablePagination: sess.EnablePagination,
		Context:          sess.Context,
		LastAccessedAt:   sess.LastAccessedAt(),
	}
	_ = store.Put(ctx, sess.SessionID, record)
	return true
}

// authorizeToolCall enforces §4.5's forwarding rule for */call operations:
// recover the server from the prefix or explicit argument, and reject
// with NotFound/NotPermitted before the request ever reaches C2.
func (r *Router) authorizeToolCall(sess *Session, req gomcp.Request) error {
	callReq, ok := req.(*gomcp.CallToolRequest)
	if !ok {
		return nil
	}
	server, _ := ResolveServerAndItem("", callReq.Params.Name)
	if server == "" {
		// Unprefixed name: no collision, so it must belong to exactly one
		// admitted client; defer the NotFound/NotPermitted decision to the
		// gateway's dispatch layer which has the full union available.
		return nil
	}
	if !r.knownServer(server) {
		return spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
	}
	if _, exists := r.fleet.Get(server); !exists {
		// declared template, not yet bound for this session: defer to
		// dispatch, which owns template admission/binding (§4.8).
		return nil
	}
	if !r.Admits(sess, server) {
		return spec.NewError(spec.ErrNotPermitted, "session filter excludes server "+server, nil)
	}
	return nil
}

func (r *Router) authorizeResourceRead(sess *Session, req gomcp.Request) error {
	readReq, ok := req.(*gomcp.ReadResourceRequest)
	if !ok {
		return nil
	}
	server, _ := ResolveServerAndItem("", readReq.Params.URI)
	if server == "" {
		return nil
	}
	if !r.knownServer(server) {
		return spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
	}
	if _, exists := r.fleet.Get(server); !exists {
		return nil
	}
	if !r.Admits(sess, server) {
		return spec.NewError(spec.ErrNotPermitted, "session filter excludes server "+server, nil)
	}
	return nil
}
