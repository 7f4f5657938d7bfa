package contextkeys

// contextKey is a typed key for context values to avoid conflicts
type contextKey string

// ServerSpecKey is the context key for passing the target outbound server's
// spec from the routing layer down to middleware (e.g. OAuthRefreshMiddleware).
const ServerSpecKey contextKey = "server-spec"

// InboundSessionKey is the context key the gateway's session lookup
// installs per-request so router middleware can recover the caller's
// resolved filter without a second registry lookup.
const InboundSessionKey contextKey = "inbound-session"

// PendingSessionParamsKey is the context key an HTTP-transport handler
// installs from the request's query string and headers (§6), read once by
// the gateway's sessionMiddleware when it first sees a given inbound
// ServerSession and needs to decide how to construct its router.Session.
const PendingSessionParamsKey contextKey = "pending-session-params"
