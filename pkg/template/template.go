// Package template implements C8, the Template Instance Pool: it renders
// mcpTemplates entries against an inbound session's context, shares the
// resulting outbound client across sessions that render to the same hash,
// and refcounts/idles-out instances on disconnect (§4.8).
//
// Rendering itself follows the teacher's own templating idiom in
// cmd/docker-mcp/server/init.go: text/template.New(name).Parse(...) plus
// Execute into a buffer, generalized from scaffold-file rendering to
// ServerSpec-field rendering.
package template

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/outbound"
	"github.com/nullrunner/mcpmux/pkg/spec"
)

// Definition is one entry of the config's mcpTemplates section: a
// ServerSpec whose string fields may contain text/template actions
// referencing the session context (e.g. "{{.apiKey}}").
type Definition struct {
	Name string
	Spec spec.ServerSpec
}

// instance is a shared, reference-counted rendering of a Definition for
// one renderedHash.
type instance struct {
	client   *outbound.Client
	refcount int
	idleAt   time.Time // set when refcount drops to zero
}

// Pool is C8.
type Pool struct {
	mu         sync.Mutex
	defs       map[string]Definition
	instances  map[string]map[string]*instance // template name -> renderedHash -> instance
	idleWindow   time.Duration
	onAuth       func(outbound.AuthRequiredEvent)
	onLeaveReady func(name string)
}

// New builds an empty Pool. idleWindow is how long a zero-refcount shared
// instance is kept before disposal (§4.8 "configurable idle window").
// onLeaveReady, when non-nil, fires with a template's clean base name
// every time one of its bound instances leaves Ready (§4.4 cache
// invalidation, mirrored from pkg/fleet.New).
func New(idleWindow time.Duration, onAuthRequired func(outbound.AuthRequiredEvent), onLeaveReady func(name string)) *Pool {
	return &Pool{
		defs:         make(map[string]Definition),
		instances:    make(map[string]map[string]*instance),
		idleWindow:   idleWindow,
		onAuth:       onAuthRequired,
		onLeaveReady: onLeaveReady,
	}
}

// SetDefinitions replaces the authoritative set of template definitions,
// e.g. after a config reload. Definitions removed here are left to drain
// naturally: existing bound instances are unaffected until their refcount
// reaches zero.
func (p *Pool) SetDefinitions(defs map[string]Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs = defs
}

// Names returns the clean (un-hashed) template server names currently
// declared, used by the conflict rule in §4.8 ("a template-server name
// always wins over a static server of the same name").
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.defs))
	for n := range p.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is declared as a template server.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.defs[name]
	return ok
}

// Tags returns the declared (pre-render) tags of a template definition, so
// a session's resolved filter can be applied to it without first rendering
// and binding an instance.
func (p *Pool) Tags(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := p.defs[name]
	if !ok {
		return nil
	}
	return def.Spec.Tags
}

// Bind renders name's definition against renderCtx, finds or creates the
// shared instance for the resulting hash, increments its refcount, and
// returns the bound client plus the hash the caller must hold onto for
// the matching Release call.
func (p *Pool) Bind(ctx context.Context, name string, renderCtx map[string]any) (*outbound.Client, string, error) {
	p.mu.Lock()
	def, ok := p.defs[name]
	if !ok {
		p.mu.Unlock()
		return nil, "", spec.NewError(spec.ErrNotFound, "unknown template server "+name, nil)
	}
	p.mu.Unlock()

	rendered, err := render(def.Spec, renderCtx)
	if err != nil {
		return nil, "", spec.NewError(spec.ErrValidation, "rendering template "+name, err)
	}
	hash, err := renderedHash(rendered)
	if err != nil {
		return nil, "", spec.NewError(spec.ErrValidation, "hashing rendered template "+name, err)
	}

	p.mu.Lock()
	byHash, ok := p.instances[name]
	if !ok {
		byHash = make(map[string]*instance)
		p.instances[name] = byHash
	}
	inst, ok := byHash[hash]
	if ok && (inst.client.Status() == outbound.Ready || inst.client.Status() == outbound.Connecting || inst.client.Status() == outbound.AwaitingAuth) {
		inst.refcount++
		p.mu.Unlock()
		return inst.client, hash, nil
	}

	var leave func()
	if p.onLeaveReady != nil {
		leave = func() { p.onLeaveReady(name) }
	}
	c := outbound.New(rendered, p.onAuth, leave)
	inst = &instance{client: c, refcount: 1}
	byHash[hash] = inst
	p.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		log.Logf("! template instance %s (%s) failed to connect: %v", name, hash[:8], err)
	}
	return c, hash, nil
}

// Peek returns the instance already bound for name/hash without touching
// its refcount, for a caller that has already taken (and is still
// holding) a reference and just needs the client back.
func (p *Pool) Peek(name, hash string) (*outbound.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHash, ok := p.instances[name]
	if !ok {
		return nil, false
	}
	inst, ok := byHash[hash]
	if !ok {
		return nil, false
	}
	return inst.client, true
}

// Release decrements the refcount for name/hash; at zero it is marked
// idle and becomes eligible for Sweep after the idle window elapses.
func (p *Pool) Release(name, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byHash, ok := p.instances[name]
	if !ok {
		return
	}
	inst, ok := byHash[hash]
	if !ok {
		return
	}
	inst.refcount--
	if inst.refcount <= 0 {
		inst.refcount = 0
		inst.idleAt = time.Now()
	}
}

// Sweep disposes instances that have been idle past the configured idle
// window. Call periodically from the gateway's housekeeping loop.
func (p *Pool) Sweep() {
	p.mu.Lock()
	var toClose []*outbound.Client
	now := time.Now()
	for name, byHash := range p.instances {
		for hash, inst := range byHash {
			if inst.refcount == 0 && !inst.idleAt.IsZero() && now.Sub(inst.idleAt) >= p.idleWindow {
				toClose = append(toClose, inst.client)
				delete(byHash, hash)
			}
		}
		if len(byHash) == 0 {
			delete(p.instances, name)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
	}
}

// render executes every string-typed field of def as a text/template
// against renderCtx and returns a fresh ServerSpec with the rendered
// values, preserving non-string fields verbatim.
func render(def spec.ServerSpec, renderCtx map[string]any) (*spec.ServerSpec, error) {
	out := def.Clone()

	renderField := func(label, in string) (string, error) {
		if in == "" {
			return in, nil
		}
		tmpl, err := template.New(label).Option("missingkey=zero").Parse(in)
		if err != nil {
			return "", fmt.Errorf("parsing %s template: %w", label, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, renderCtx); err != nil {
			return "", fmt.Errorf("executing %s template: %w", label, err)
		}
		return buf.String(), nil
	}

	var err error
	if out.Command, err = renderField("command", out.Command); err != nil {
		return nil, err
	}
	if out.URL, err = renderField("url", out.URL); err != nil {
		return nil, err
	}
	if out.Cwd, err = renderField("cwd", out.Cwd); err != nil {
		return nil, err
	}
	for i, a := range out.Args {
		if out.Args[i], err = renderField(fmt.Sprintf("args[%d]", i), a); err != nil {
			return nil, err
		}
	}
	for k, v := range out.Env {
		if out.Env[k], err = renderField("env."+k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range out.Headers {
		if out.Headers[k], err = renderField("header."+k, v); err != nil {
			return nil, err
		}
	}

	// Command/url are template actions until the lines above resolve them;
	// reclassify now rather than trust whatever Kind the Definition carried
	// in, so a url-only template never reaches outbound.New classified as
	// stdio (§4.8, grounded on spec.ClassifyKind).
	if err := spec.ClassifyKind(out); err != nil {
		return nil, fmt.Errorf("classifying rendered template: %w", err)
	}
	return out, nil
}

// renderedHash computes a stable hash over the normalized rendered
// definition (§3 TemplateInstance key), using JSON marshaling of the spec
// as the normalization step since ServerSpec already carries deterministic
// json tags and maps marshal with sorted keys.
func renderedHash(s *spec.ServerSpec) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
