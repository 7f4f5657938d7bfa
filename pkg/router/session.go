// Package router implements C5, per-inbound-session filtering, name
// collision resolution, and request forwarding to the client fleet.
package router

import (
	"sync"
	"time"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

// FilterMode is one of §3's InboundSession.tagFilterMode values.
type FilterMode string

const (
	FilterNone     FilterMode = "none"
	FilterSimpleOr FilterMode = "simple-or"
	FilterPreset   FilterMode = "preset"
	FilterAdvanced FilterMode = "advanced"
)

// Session is one connected MCP client (§3 InboundSession).
type Session struct {
	mu sync.RWMutex

	SessionID       string
	Tags            []string
	FilterMode      FilterMode
	PresetName      string
	TagQuery        *spec.TagQuery
	EnablePagination bool
	Context          map[string]string

	ConnectedAt    time.Time
	lastAccessedAt time.Time

	resolvedFilter *spec.TagQuery

	// collision map is stable per session once computed (§4.5 "stable
	// across a single session"): item name -> prefixed name.
	collisionPrefix map[string]string

	// throttled-persist bookkeeping (§5).
	requestsSincePersist int
	lastPersistAt        time.Time

	// templateBindings tracks the renderedHash this session is holding a
	// C8 refcount against, by clean template name, so a second request
	// from the same session reuses the existing bind instead of taking a
	// second reference (§3 "reference-counted by session").
	templateBindings map[string]string
}

// NewSession creates an InboundSession, enforcing the §3 invariant that
// context.sessionId == sessionId even if the caller supplied no context.
func NewSession(sessionID string, tags []string, mode FilterMode, presetName string, tq *spec.TagQuery, pagination bool, ctx map[string]string) *Session {
	if ctx == nil {
		ctx = make(map[string]string)
	}
	ctx["sessionId"] = sessionID

	now := time.Now()
	return &Session{
		SessionID:        sessionID,
		Tags:             tags,
		FilterMode:       mode,
		PresetName:       presetName,
		TagQuery:         tq,
		EnablePagination: pagination,
		Context:          ctx,
		ConnectedAt:      now,
		lastAccessedAt:   now,
		lastPersistAt:    now,
		collisionPrefix:  make(map[string]string),
		templateBindings: make(map[string]string),
	}
}

// TemplateHash returns the renderedHash this session already holds a C8
// reference against for template name, if any.
func (s *Session) TemplateHash(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.templateBindings[name]
	return h, ok
}

// SetTemplateHash records a newly taken C8 reference for template name.
func (s *Session) SetTemplateHash(name, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templateBindings[name] = hash
}

// TemplateBindings snapshots every template reference this session holds,
// for release on disconnect/expiry.
func (s *Session) TemplateBindings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.templateBindings))
	for k, v := range s.templateBindings {
		out[k] = v
	}
	return out
}

// ResolvedFilter returns the filter computed by Resolve, or nil before the
// first resolution.
func (s *Session) ResolvedFilter() *spec.TagQuery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolvedFilter
}

// SetResolvedFilter stores the result of a (re)computation (§4.5 "computed
// once at connect, recomputed on preset-change or reload").
func (s *Session) SetResolvedFilter(q *spec.TagQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvedFilter = q
}

// Touch records an access for the throttled-persist policy (§5); it
// returns true when a persist should be issued now.
func (s *Session) Touch(requestThreshold int, timeThreshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastAccessedAt = now
	s.requestsSincePersist++

	due := s.requestsSincePersist >= requestThreshold || now.Sub(s.lastPersistAt) >= timeThreshold
	if due {
		s.requestsSincePersist = 0
		s.lastPersistAt = now
	}
	return due
}

func (s *Session) LastAccessedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessedAt
}

// PrefixFor returns the stable collision-qualified name for (server,item),
// computing and caching it the first time it's seen for this session
// (§4.5 "stable across a single session").
func (s *Session) PrefixFor(server, item string, collides bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := server + "/" + item
	if !collides {
		return item
	}
	if cached, ok := s.collisionPrefix[key]; ok {
		return cached
	}
	qualified := server + "__" + item
	s.collisionPrefix[key] = qualified
	return qualified
}
