// Package config implements C7, the Config Reload Pipeline: a debounced
// file watch that loads, validates, diffs, and republishes the
// mcpServers/mcpTemplates declarations an operator edits on disk.
//
// The tolerant-JSON parse (comments/trailing commas) and the fsnotify
// watch are both taken from the teacher's own go.mod dependency set
// (tailscale/hujson, fsnotify/fsnotify); the teacher's own watcher file
// wasn't part of the retrieval pack, so the debounce loop below follows
// the same "coalesce bursts of fs events behind a single timer" idiom
// fsnotify's own documentation recommends.
package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/spec"
	"github.com/nullrunner/mcpmux/pkg/template"
)

// debounceWindow is §4.7's "debounce window default 100 ms".
const debounceWindow = 100 * time.Millisecond

// ConfigUpdate is one reload's output, delivered after step 5 of §4.7 (the
// router-recompute step is the gateway's job; this package hands back the
// authoritative maps a reload produced).
type ConfigUpdate struct {
	Servers      map[string]*spec.ServerSpec
	ServersOrder []string
	Templates    map[string]template.Definition
}

// Loader owns one config file's lifecycle: initial load plus an optional
// debounced watch that republishes ConfigUpdates on change.
type Loader struct {
	path            string
	envSubstitution bool

	mu       sync.Mutex
	current  map[string]*spec.ServerSpec
	settings templateSettings
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvSubstitution toggles §6's "${NAME}" environment variable
// substitution feature flag (on by default).
func WithEnvSubstitution(enabled bool) Option {
	return func(l *Loader) { l.envSubstitution = enabled }
}

// NewLoader builds a Loader for path. An empty path is valid: Load then
// behaves as an always-empty, never-watched configuration (useful for
// tests and for a gateway run with no declarative servers at all).
func NewLoader(path string, opts ...Option) *Loader {
	l := &Loader{path: path, envSubstitution: true}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load performs the initial parse (§4.7 "a fully missing config file on
// startup is equivalent to an empty server map") and, when path is set,
// starts a background watch that delivers subsequent reloads on the
// returned channel until ctx is canceled or the returned stop func is
// called. The channel is nil when there is nothing to watch.
func (l *Loader) Load(ctx context.Context) (map[string]*spec.ServerSpec, []string, map[string]template.Definition, <-chan ConfigUpdate, func(), error) {
	servers, order, templates, settings, err := l.loadOnce()
	if err != nil {
		return nil, nil, nil, nil, func() {}, err
	}

	l.mu.Lock()
	l.current = servers
	l.settings = settings
	l.mu.Unlock()

	if l.path == "" {
		return servers, order, templates, nil, func() {}, nil
	}

	updates := make(chan ConfigUpdate, 1)
	stop, err := watch(ctx, l.path, debounceWindow, func() {
		s, o, t, newSettings, err := l.loadOnce()
		if err != nil {
			log.Logf("! config reload failed, keeping previous configuration: %v", err)
			return
		}
		l.mu.Lock()
		l.current = s
		l.settings = newSettings
		l.mu.Unlock()
		select {
		case updates <- ConfigUpdate{Servers: s, ServersOrder: o, Templates: t}:
		default:
			// drop a stale pending update in favor of the newest one
			select {
			case <-updates:
			default:
			}
			updates <- ConfigUpdate{Servers: s, ServersOrder: o, Templates: t}
		}
	})
	if err != nil {
		close(updates)
		return servers, order, templates, nil, func() {}, err
	}

	return servers, order, templates, updates, stop, nil
}

// LoadOnce parses and validates the config file a single time, without
// starting a watch. Used by the `config validate` CLI subcommand.
func (l *Loader) LoadOnce() (map[string]*spec.ServerSpec, []string, map[string]template.Definition, error) {
	servers, order, templates, _, err := l.loadOnce()
	return servers, order, templates, err
}

// loadOnce reads and validates the config file once, without touching the
// watch machinery. A missing file is treated as an empty configuration
// (§4.7); any other read or parse error is returned to the caller.
func (l *Loader) loadOnce() (map[string]*spec.ServerSpec, []string, map[string]template.Definition, templateSettings, error) {
	if l.path == "" {
		return map[string]*spec.ServerSpec{}, nil, map[string]template.Definition{}, templateSettings{}, nil
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*spec.ServerSpec{}, nil, map[string]template.Definition{}, templateSettings{}, nil
		}
		return nil, nil, nil, templateSettings{}, err
	}

	cfg, err := parseRawConfig(raw)
	if err != nil {
		return nil, nil, nil, templateSettings{}, err
	}

	servers, order := buildServers(cfg.MCPServers, cfg.MCPServersOrder, l.envSubstitution)
	templates := buildTemplates(cfg.MCPTemplates, cfg.MCPTemplatesOrder, l.envSubstitution, cfg.TemplateSettings)
	return servers, order, templates, cfg.TemplateSettings, nil
}
