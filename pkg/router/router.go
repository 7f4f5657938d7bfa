package router

import (
	"strconv"
	"strings"
	"sync"

	"github.com/nullrunner/mcpmux/pkg/fleet"
	"github.com/nullrunner/mcpmux/pkg/outbound"
	"github.com/nullrunner/mcpmux/pkg/spec"
)

// PresetResolver is the C9 contract the router consults for
// tagFilterMode=preset sessions (§4.5 rule 1).
type PresetResolver interface {
	Resolve(name string) (*spec.TagQuery, bool)
}

// TemplateChecker is the narrow C8 contract the router needs to avoid
// rejecting a `templateName__item` call with NotFound before the gateway's
// dispatch layer gets a chance to bind it (§4.8 template servers never
// enter the fleet, so r.fleet.Get alone can't tell "unknown" from
// "declared but not yet instantiated").
type TemplateChecker interface {
	Has(name string) bool
}

// Router holds the registry of inbound sessions and resolves/enforces
// their filters against the live fleet (§4.5).
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	fleet     *fleet.Fleet
	presets   PresetResolver
	templates TemplateChecker
}

func New(f *fleet.Fleet, presets PresetResolver) *Router {
	return &Router{
		sessions: make(map[string]*Session),
		fleet:    f,
		presets:  presets,
	}
}

// SetTemplateChecker wires the C8 pool in once it exists; NewGateway
// constructs the Router before the Pool, so this is a post-construction
// setter rather than a New() parameter.
func (r *Router) SetTemplateChecker(tc TemplateChecker) {
	r.templates = tc
}

func (r *Router) knownServer(name string) bool {
	if _, ok := r.fleet.Get(name); ok {
		return true
	}
	return r.templates != nil && r.templates.Has(name)
}

func (r *Router) Register(s *Session) {
	r.Resolve(s)
	r.mu.Lock()
	r.sessions[s.SessionID] = s
	r.mu.Unlock()
}

func (r *Router) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Router) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// All returns every registered session; used to recompute filters after a
// preset change or reload (§4.7 step 5, §4.9).
func (r *Router) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Resolve computes a session's filter per §4.5's four-step rule.
func (r *Router) Resolve(s *Session) {
	switch {
	case s.FilterMode == FilterPreset && s.PresetName != "":
		if q, ok := r.presets.Resolve(s.PresetName); ok {
			s.SetResolvedFilter(q)
			return
		}
		s.SetResolvedFilter(nil)
	case s.TagQuery != nil:
		s.SetResolvedFilter(s.TagQuery)
	case len(s.Tags) > 0:
		s.SetResolvedFilter(spec.SimpleOr(s.Tags))
	default:
		s.SetResolvedFilter(nil)
	}
}

// RecomputeAffected recomputes the filter for every session whose preset
// or tag query may reference the changed server names (§4.7 step 5). It
// recomputes conservatively: any preset-mode session is recomputed on any
// reload, since presets are opaque tag queries the router doesn't expand.
func (r *Router) RecomputeAffected() {
	for _, s := range r.All() {
		r.Resolve(s)
	}
}

// AdmittedClients returns the fleet clients admitted by a session's
// resolved filter, restricted to Ready clients (§8 invariant 3), ordered
// by fleet registration order.
func (r *Router) AdmittedClients(s *Session) []*outbound.Client {
	q := s.ResolvedFilter()
	var out []*outbound.Client
	for _, c := range r.fleet.GetAll() {
		if c.Status() != outbound.Ready {
			continue
		}
		if q == nil || q.Eval(c.Tags()) {
			out = append(out, c)
		}
	}
	return out
}

// FleetGet exposes the underlying fleet's lookup so collaborators like
// the meta-tool layer (C6) can resolve a server name to its live client
// without reaching into Router's private fields.
func (r *Router) FleetGet(name string) (*outbound.Client, bool) {
	return r.fleet.Get(name)
}

// Admits reports whether a session's filter admits a specific server,
// independent of Ready status (used to distinguish NotFound from
// NotPermitted in §4.5's forwarding rule).
func (r *Router) Admits(s *Session, serverName string) bool {
	c, ok := r.fleet.Get(serverName)
	if !ok {
		return false
	}
	q := s.ResolvedFilter()
	return q == nil || q.Eval(c.Tags())
}

// AdmitsTags applies a session's resolved filter to an arbitrary tag set,
// independent of the fleet. Used for template-declared servers (§4.8),
// which never enter the fleet and so have no outbound.Client for Admits
// to look up.
func (r *Router) AdmitsTags(s *Session, tags []string) bool {
	q := s.ResolvedFilter()
	return q == nil || q.Eval(tags)
}

// ToolEntry is one item in a unioned tools/list response.
type ToolEntry struct {
	Server string
	Name   string // possibly collision-prefixed
}

// UnionTools builds the collision-resolved union of tool names across a
// session's admitted clients (§4.5 collision rule, §8 invariants 3/6).
func (r *Router) UnionTools(s *Session) []ToolEntry {
	clients := r.AdmittedClients(s)

	counts := make(map[string]int)
	type pair struct{ server, name string }
	var pairs []pair
	for _, c := range clients {
		for _, t := range c.Capabilities().Tools {
			counts[t.Name]++
			pairs = append(pairs, pair{c.Name(), t.Name})
		}
	}

	entries := make([]ToolEntry, 0, len(pairs))
	for _, p := range pairs {
		collides := counts[p.name] > 1
		entries = append(entries, ToolEntry{Server: p.server, Name: s.PrefixFor(p.server, p.name, collides)})
	}
	return entries
}

// ResourceEntry is one item in a unioned resources/list response.
type ResourceEntry struct {
	Server string
	URI    string // possibly collision-prefixed
}

// UnionResources builds the collision-resolved union of resource URIs
// across a session's admitted clients, mirroring UnionTools (§4.5: the
// collision rule applies uniformly to "tool/resource URI/prompt").
func (r *Router) UnionResources(s *Session) []ResourceEntry {
	clients := r.AdmittedClients(s)

	counts := make(map[string]int)
	type pair struct{ server, uri string }
	var pairs []pair
	for _, c := range clients {
		for _, res := range c.Capabilities().Resources {
			counts[res.URI]++
			pairs = append(pairs, pair{c.Name(), res.URI})
		}
	}

	entries := make([]ResourceEntry, 0, len(pairs))
	for _, p := range pairs {
		collides := counts[p.uri] > 1
		entries = append(entries, ResourceEntry{Server: p.server, URI: s.PrefixFor(p.server, p.uri, collides)})
	}
	return entries
}

// PromptEntry is one item in a unioned prompts/list response.
type PromptEntry struct {
	Server string
	Name   string // possibly collision-prefixed
}

// UnionPrompts builds the collision-resolved union of prompt names across
// a session's admitted clients, mirroring UnionTools.
func (r *Router) UnionPrompts(s *Session) []PromptEntry {
	clients := r.AdmittedClients(s)

	counts := make(map[string]int)
	type pair struct{ server, name string }
	var pairs []pair
	for _, c := range clients {
		for _, p := range c.Capabilities().Prompts {
			counts[p.Name]++
			pairs = append(pairs, pair{c.Name(), p.Name})
		}
	}

	entries := make([]PromptEntry, 0, len(pairs))
	for _, p := range pairs {
		collides := counts[p.name] > 1
		entries = append(entries, PromptEntry{Server: p.server, Name: s.PrefixFor(p.server, p.name, collides)})
	}
	return entries
}

// ResolveServerAndItem recovers the target server from either an explicit
// server argument or a `serverName__item` collision-prefixed name (§4.5
// forwarding rule). A name with no `__` separator is assumed unprefixed,
// so callers should pass the explicit server when calling a meta-tool.
func ResolveServerAndItem(explicitServer, itemName string) (server, item string) {
	if explicitServer != "" {
		return explicitServer, itemName
	}
	if srv, rest, ok := strings.Cut(itemName, "__"); ok {
		return srv, rest
	}
	return "", itemName
}

// Paginate slices entries using an opaque cursor, returning the next
// cursor (empty when exhausted). Absent pagination, callers should pass
// an empty cursor and an unbounded pageSize to get everything in one shot
// (§4.5: "ordered by server registration order, then item insertion
// order" when pagination is disabled — entries already reflect that
// order coming out of UnionTools).
func Paginate[T any](entries []T, cursor string, pageSize int) (page []T, nextCursor string) {
	offset := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 {
			offset = n
		}
	}
	if pageSize <= 0 {
		pageSize = len(entries)
	}
	if offset >= len(entries) {
		return nil, ""
	}
	end := offset + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	page = entries[offset:end]
	if end < len(entries) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor
}
