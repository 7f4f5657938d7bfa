package gateway

import (
	"context"
	"net/http"
	"strings"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/contextkeys"
	"github.com/nullrunner/mcpmux/pkg/router"
)

// pendingSessionParams is what an HTTP transport handler extracts from a
// request's query string and headers (§6) and stashes into context for
// sessionMiddleware to consume the first time it sees a given inbound
// ServerSession. Absent for stdio, where there is exactly one connection
// and no query string to parse.
type pendingSessionParams struct {
	Tags             []string
	PresetName       string
	EnablePagination bool
	HeaderSessionID  string // "mcp-session-id", prefixed "stream-" per §3
}

// sessionParamsHandler parses the §6 query parameters (tags=a,b,c and
// preset=name) and the mcp-session-id header off an inbound HTTP request
// and stores them in the request's context before handing off to the SDK's
// own SSE/streaming handler, mirroring the wrap-then-ServeHTTP shape of
// originSecurityHandler/authenticationMiddleware in transport.go.
func sessionParamsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := pendingSessionParams{
			HeaderSessionID: r.Header.Get("mcp-session-id"),
		}
		q := r.URL.Query()
		if tags := q.Get("tags"); tags != "" {
			p.Tags = strings.Split(tags, ",")
		}
		p.PresetName = q.Get("preset")
		p.EnablePagination = q.Get("paginate") == "true" || q.Get("paginate") == "1"

		ctx := context.WithValue(r.Context(), contextkeys.PendingSessionParamsKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stdioSessionID is the fixed session identity used for the single
// connection a stdio transport ever carries.
const stdioSessionID = "stdio"

// sessionMiddleware establishes (on first sight) and thereafter recovers
// the router.Session for the inbound ServerSession driving the current
// request, installing it in context under InboundSessionKey for
// router.Middleware/dispatchMiddleware to consume (§4.5, §6).
//
// It is grounded on the teacher's own session-cache lookup in
// pkg/gateway/run.go (GetSessionCache/RemoveSessionCache, keyed by
// *mcp.ServerSession), generalized from a capability cache entry to the
// full filter-bearing InboundSession this gateway's router needs.
func (g *Gateway) sessionMiddleware() gomcp.Middleware {
	return func(next gomcp.MethodHandler) gomcp.MethodHandler {
		return func(ctx context.Context, method string, req gomcp.Request) (gomcp.Result, error) {
			id := sessionIDOf(req)
			if id == "" {
				id = stdioSessionID
			}

			sess, ok := g.router.Get(id)
			if !ok {
				sess = g.establishSession(ctx, id)
				g.router.Register(sess)
			}

			ctx = context.WithValue(ctx, contextkeys.InboundSessionKey, sess)
			return next(ctx, method, req)
		}
	}
}

// establishSession builds a brand new InboundSession the first time a
// ServerSession id is seen, restoring from the persistent session store
// when the id looks like a streaming session the store might know about
// (§3 "Streaming session": id prefixed "stream-", eligible for persistent
// restoration), and otherwise applying the §6 query-derived filter.
func (g *Gateway) establishSession(ctx context.Context, id string) *router.Session {
	if strings.HasPrefix(id, "stream-") {
		if rec, err := g.store.Get(ctx, id); err == nil && rec != nil {
			return router.NewSession(id, rec.Tags, rec.FilterMode, rec.PresetName, rec.TagQuery, rec.EnablePagination, rec.Context)
		}
	}

	p, _ := ctx.Value(contextkeys.PendingSessionParamsKey).(pendingSessionParams)

	mode := router.FilterNone
	switch {
	case p.PresetName != "":
		mode = router.FilterPreset
	case len(p.Tags) > 0:
		mode = router.FilterSimpleOr
	}

	return router.NewSession(id, p.Tags, mode, p.PresetName, nil, p.EnablePagination, nil)
}

// sessionIDOf recovers the inbound ServerSession's stable id from the
// concrete request types this gateway dispatches on (§4.5/§4.6); other
// method types (initialize, ping, roots, ...) don't need a router.Session
// and fall through with an empty id, which sessionMiddleware maps to the
// fixed stdio session.
func sessionIDOf(req gomcp.Request) string {
	switch r := req.(type) {
	case *gomcp.ListToolsRequest:
		return idOf(r.Session)
	case *gomcp.ListResourcesRequest:
		return idOf(r.Session)
	case *gomcp.ListPromptsRequest:
		return idOf(r.Session)
	case *gomcp.CallToolRequest:
		return idOf(r.Session)
	case *gomcp.ReadResourceRequest:
		return idOf(r.Session)
	case *gomcp.GetPromptRequest:
		return idOf(r.Session)
	default:
		return ""
	}
}

func idOf(s *gomcp.ServerSession) string {
	if s == nil {
		return ""
	}
	return s.ID()
}
