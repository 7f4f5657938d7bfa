package gateway

import (
	"context"

	"github.com/nullrunner/mcpmux/pkg/outbound"
	"github.com/nullrunner/mcpmux/pkg/router"
)

// resolveTemplateClient binds name against sess's context the first time
// this session touches it, caching the resulting renderedHash on the
// session so later calls in the same session reuse the same C8 reference
// instead of taking a new one (§3 "reference-counted by session"). A
// session that never stops calling a template server simply keeps its one
// reference alive; Release only ever happens from releaseSessionTemplates.
func (g *Gateway) resolveTemplateClient(ctx context.Context, sess *router.Session, name string) (*outbound.Client, bool, error) {
	if !g.templates.Has(name) {
		return nil, false, nil
	}
	if !g.router.AdmitsTags(sess, g.templates.Tags(name)) {
		return nil, true, nil
	}

	if hash, ok := sess.TemplateHash(name); ok {
		if c, ok := g.templates.Peek(name, hash); ok {
			return c, true, nil
		}
	}

	c, hash, err := g.templates.Bind(ctx, name, renderContext(sess))
	if err != nil {
		return nil, true, err
	}
	sess.SetTemplateHash(name, hash)
	return c, true, nil
}

// renderContext widens a session's string-valued context into the
// map[string]any text/template.Execute expects (pkg/template.Pool.Bind).
func renderContext(sess *router.Session) map[string]any {
	out := make(map[string]any, len(sess.Context))
	for k, v := range sess.Context {
		out[k] = v
	}
	return out
}

// namedClient pairs a template server's clean base name with its bound
// instance, preserving g.templates.Names()'s declaration order through
// callers that merge this with fleet.GetAll()'s ordered clients (§4.5).
type namedClient struct {
	Name   string
	Client *outbound.Client
}

// admittedTemplateClients binds every template server a session's filter
// admits, for the list/search paths that need every admitted server's
// capabilities rather than one named lookup.
func (g *Gateway) admittedTemplateClients(ctx context.Context, sess *router.Session) []namedClient {
	var out []namedClient
	for _, name := range g.templates.Names() {
		c, admitted, err := g.resolveTemplateClient(ctx, sess, name)
		if err != nil || !admitted || c == nil {
			continue
		}
		out = append(out, namedClient{Name: name, Client: c})
	}
	return out
}

// releaseSessionTemplates drops every C8 reference a session is holding,
// called when the session is torn down (router.Unregister) or swept for
// inactivity.
func (g *Gateway) releaseSessionTemplates(sess *router.Session) {
	for name, hash := range sess.TemplateBindings() {
		g.templates.Release(name, hash)
	}
}
