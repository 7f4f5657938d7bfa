package gateway

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/contextkeys"
	"github.com/nullrunner/mcpmux/pkg/router"
	"github.com/nullrunner/mcpmux/pkg/spec"
)

// dispatchMiddleware is C5's other half: where router.Middleware enforces
// admission on */call and */read, this builds the actual list/call/read
// responses from the live fleet, short-circuiting before the SDK's own
// static registration would otherwise answer "unknown tool". The
// alternative — mirroring every fleet tool/resource/prompt into
// mcpServer.AddTool/AddResource/AddPrompt on every reconcile, as the
// teacher's reload.go does for its OCI-backed catalog — would duplicate
// the admission/collision logic router.go already owns; intercepting the
// method here keeps that logic in one place.
//
// Only the three lazy meta-tools (and any SUPPLEMENTED internal tools) are
// ever registered via AddTool, so tools/call for those names still flows
// through the SDK's normal dispatch and never reaches this middleware.
func (g *Gateway) dispatchMiddleware() gomcp.Middleware {
	return func(next gomcp.MethodHandler) gomcp.MethodHandler {
		return func(ctx context.Context, method string, req gomcp.Request) (gomcp.Result, error) {
			sess, ok := ctx.Value(contextkeys.InboundSessionKey).(*router.Session)
			if !ok || sess == nil {
				return next(ctx, method, req)
			}

			switch method {
			case "tools/list":
				if g.lazyLoading {
					return next(ctx, method, req)
				}
				return g.listTools(ctx, sess, req)
			case "resources/list":
				return g.listResources(ctx, sess, req)
			case "prompts/list":
				return g.listPrompts(ctx, sess, req)
			case "tools/call":
				if res, handled, err := g.callTool(ctx, sess, req); handled {
					return res, err
				}
				return next(ctx, method, req)
			case "resources/read":
				if res, handled, err := g.readResource(ctx, sess, req); handled {
					return res, err
				}
				return next(ctx, method, req)
			case "prompts/get":
				if res, handled, err := g.getPrompt(ctx, sess, req); handled {
					return res, err
				}
				return next(ctx, method, req)
			default:
				return next(ctx, method, req)
			}
		}
	}
}

func pageSizeOf(sess *router.Session) int {
	if sess.EnablePagination {
		return defaultPageSize
	}
	return 0
}

// serverCapabilities returns every admitted server's live client, both
// fleet-backed static servers and session-bound template instances (§4.8:
// a template server must surface in listings by its clean base name,
// alongside the static fleet), ordered by fleet registration order with
// template servers appended in their declared order (§4.5 "ordered by
// server registration order, then item insertion order" - a later
// reconcile must not reshuffle an in-progress paginated listing). Merging
// them here rather than going through router.UnionTools/Resources/Prompts
// (fleet-only) lets the collision count below see the full combined name
// space.
func (g *Gateway) serverCapabilities(ctx context.Context, sess *router.Session) []namedClient {
	var out []namedClient
	for _, c := range g.router.AdmittedClients(sess) {
		out = append(out, namedClient{Name: c.Name(), Client: c})
	}
	out = append(out, g.admittedTemplateClients(ctx, sess)...)
	return out
}

func (g *Gateway) listTools(ctx context.Context, sess *router.Session, req gomcp.Request) (gomcp.Result, error) {
	listReq, _ := req.(*gomcp.ListToolsRequest)
	cursor := ""
	if listReq != nil {
		cursor = listReq.Params.Cursor
	}

	clients := g.serverCapabilities(ctx, sess)
	counts := make(map[string]int)
	type pair struct {
		server string
		tool   *gomcp.Tool
	}
	var pairs []pair
	for _, nc := range clients {
		for _, t := range nc.Client.Capabilities().Tools {
			counts[t.Name]++
			pairs = append(pairs, pair{nc.Name, t})
		}
	}

	tools := make([]*gomcp.Tool, 0, len(pairs))
	for _, p := range pairs {
		cp := *p.tool
		cp.Name = sess.PrefixFor(p.server, p.tool.Name, counts[p.tool.Name] > 1)
		tools = append(tools, &cp)
	}

	page, next := router.Paginate(tools, cursor, pageSizeOf(sess))
	return &gomcp.ListToolsResult{Tools: page, NextCursor: next}, nil
}

func (g *Gateway) listResources(ctx context.Context, sess *router.Session, req gomcp.Request) (gomcp.Result, error) {
	listReq, _ := req.(*gomcp.ListResourcesRequest)
	cursor := ""
	if listReq != nil {
		cursor = listReq.Params.Cursor
	}

	clients := g.serverCapabilities(ctx, sess)
	counts := make(map[string]int)
	type pair struct {
		server   string
		resource *gomcp.Resource
	}
	var pairs []pair
	for _, nc := range clients {
		for _, r := range nc.Client.Capabilities().Resources {
			counts[r.URI]++
			pairs = append(pairs, pair{nc.Name, r})
		}
	}

	resources := make([]*gomcp.Resource, 0, len(pairs))
	for _, p := range pairs {
		cp := *p.resource
		cp.URI = sess.PrefixFor(p.server, p.resource.URI, counts[p.resource.URI] > 1)
		resources = append(resources, &cp)
	}

	page, next := router.Paginate(resources, cursor, pageSizeOf(sess))
	return &gomcp.ListResourcesResult{Resources: page, NextCursor: next}, nil
}

func (g *Gateway) listPrompts(ctx context.Context, sess *router.Session, req gomcp.Request) (gomcp.Result, error) {
	listReq, _ := req.(*gomcp.ListPromptsRequest)
	cursor := ""
	if listReq != nil {
		cursor = listReq.Params.Cursor
	}

	clients := g.serverCapabilities(ctx, sess)
	counts := make(map[string]int)
	type pair struct {
		server string
		prompt *gomcp.Prompt
	}
	var pairs []pair
	for _, nc := range clients {
		for _, p := range nc.Client.Capabilities().Prompts {
			counts[p.Name]++
			pairs = append(pairs, pair{nc.Name, p})
		}
	}

	prompts := make([]*gomcp.Prompt, 0, len(pairs))
	for _, p := range pairs {
		cp := *p.prompt
		cp.Name = sess.PrefixFor(p.server, p.prompt.Name, counts[p.prompt.Name] > 1)
		prompts = append(prompts, &cp)
	}

	page, _ := router.Paginate(prompts, cursor, pageSizeOf(sess))
	return &gomcp.ListPromptsResult{Prompts: page}, nil
}

// callTool handles a tools/call for a dynamically-surfaced fleet tool
// (one the SDK has no AddTool registration for). The second return value
// reports whether this middleware owns the method: a registered meta-tool
// name falls through to next() untouched.
func (g *Gateway) callTool(ctx context.Context, sess *router.Session, req gomcp.Request) (gomcp.Result, bool, error) {
	callReq, ok := req.(*gomcp.CallToolRequest)
	if !ok {
		return nil, false, nil
	}
	server, item := router.ResolveServerAndItem("", callReq.Params.Name)
	if server == "" {
		item = callReq.Params.Name
		for _, c := range g.router.AdmittedClients(sess) {
			for _, t := range c.Capabilities().Tools {
				if t.Name == item {
					server = c.Name()
					break
				}
			}
			if server != "" {
				break
			}
		}
		if server == "" {
			if found := g.findTemplateByTool(sess, item); found != "" {
				server = found
			}
		}
	}
	if server == "" {
		return nil, false, nil
	}

	if g.router.Admits(sess, server) {
		client, ok := g.router.FleetGet(server)
		if !ok {
			return nil, true, spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
		}
		ctx = context.WithValue(ctx, contextkeys.ServerSpecKey, g.fleetSpec(server))
		result, err := client.CallTool(ctx, item, callReq.Params.Arguments)
		return result, true, err
	}

	client, admitted, err := g.resolveTemplateClient(ctx, sess, server)
	if err != nil {
		return nil, true, err
	}
	if !admitted {
		return nil, true, spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
	}
	if client == nil {
		return nil, true, spec.NewError(spec.ErrNotPermitted, "session filter excludes server "+server, nil)
	}
	result, err := client.CallTool(ctx, item, callReq.Params.Arguments)
	return result, true, err
}

// findTemplateByTool searches a session's already-bound template instances
// for one exposing the unprefixed tool name, mirroring the static-server
// unprefixed-name fallback (§4.5). It only ever finds templates the
// session has already touched in this connection - a template tool can
// always still be reached via the serverName__item prefixed form even on
// the very first call.
func (g *Gateway) findTemplateByTool(sess *router.Session, item string) string {
	for name, hash := range sess.TemplateBindings() {
		c, ok := g.templates.Peek(name, hash)
		if !ok {
			continue
		}
		for _, t := range c.Capabilities().Tools {
			if t.Name == item {
				return name
			}
		}
	}
	return ""
}

func (g *Gateway) readResource(ctx context.Context, sess *router.Session, req gomcp.Request) (gomcp.Result, bool, error) {
	readReq, ok := req.(*gomcp.ReadResourceRequest)
	if !ok {
		return nil, false, nil
	}
	server, item := router.ResolveServerAndItem("", readReq.Params.URI)
	if server == "" {
		item = readReq.Params.URI
		for _, c := range g.router.AdmittedClients(sess) {
			for _, res := range c.Capabilities().Resources {
				if res.URI == item {
					server = c.Name()
					break
				}
			}
			if server != "" {
				break
			}
		}
		if server == "" {
			if found := g.findTemplateByResource(sess, item); found != "" {
				server = found
			}
		}
	}
	if server == "" {
		return nil, false, nil
	}

	if g.router.Admits(sess, server) {
		client, ok := g.router.FleetGet(server)
		if !ok {
			return nil, true, spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
		}
		result, err := client.ReadResource(ctx, item)
		return result, true, err
	}

	client, admitted, err := g.resolveTemplateClient(ctx, sess, server)
	if err != nil {
		return nil, true, err
	}
	if !admitted {
		return nil, true, spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
	}
	if client == nil {
		return nil, true, spec.NewError(spec.ErrNotPermitted, "session filter excludes server "+server, nil)
	}
	result, err := client.ReadResource(ctx, item)
	return result, true, err
}

func (g *Gateway) findTemplateByResource(sess *router.Session, uri string) string {
	for name, hash := range sess.TemplateBindings() {
		c, ok := g.templates.Peek(name, hash)
		if !ok {
			continue
		}
		for _, r := range c.Capabilities().Resources {
			if r.URI == uri {
				return name
			}
		}
	}
	return ""
}

func (g *Gateway) getPrompt(ctx context.Context, sess *router.Session, req gomcp.Request) (gomcp.Result, bool, error) {
	getReq, ok := req.(*gomcp.GetPromptRequest)
	if !ok {
		return nil, false, nil
	}
	server, item := router.ResolveServerAndItem("", getReq.Params.Name)
	if server == "" {
		item = getReq.Params.Name
		for _, c := range g.router.AdmittedClients(sess) {
			for _, p := range c.Capabilities().Prompts {
				if p.Name == item {
					server = c.Name()
					break
				}
			}
			if server != "" {
				break
			}
		}
		if server == "" {
			if found := g.findTemplateByPrompt(sess, item); found != "" {
				server = found
			}
		}
	}
	if server == "" {
		return nil, false, nil
	}

	if g.router.Admits(sess, server) {
		client, ok := g.router.FleetGet(server)
		if !ok {
			return nil, true, spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
		}
		result, err := client.GetPrompt(ctx, item, getReq.Params.Arguments)
		return result, true, err
	}

	client, admitted, err := g.resolveTemplateClient(ctx, sess, server)
	if err != nil {
		return nil, true, err
	}
	if !admitted {
		return nil, true, spec.NewError(spec.ErrNotFound, "unknown server "+server, nil)
	}
	if client == nil {
		return nil, true, spec.NewError(spec.ErrNotPermitted, "session filter excludes server "+server, nil)
	}
	result, err := client.GetPrompt(ctx, item, getReq.Params.Arguments)
	return result, true, err
}

func (g *Gateway) findTemplateByPrompt(sess *router.Session, name string) string {
	for tname, hash := range sess.TemplateBindings() {
		c, ok := g.templates.Peek(tname, hash)
		if !ok {
			continue
		}
		for _, p := range c.Capabilities().Prompts {
			if p.Name == name {
				return tname
			}
		}
	}
	return ""
}

// fleetSpec looks up the desired spec for a server so OAuthRefreshMiddleware
// can tell whether the target needs a token check. Returns nil when unknown
// (metatools-dispatched calls, or a server removed between admission check
// and dispatch).
func (g *Gateway) fleetSpec(name string) *spec.ServerSpec {
	g.specsMu.RLock()
	defer g.specsMu.RUnlock()
	return g.desiredSpecs[name]
}
