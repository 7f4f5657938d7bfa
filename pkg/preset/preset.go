// Package preset implements C9, resolving a named preset to a tag query
// and notifying sessions bound to it on change (§4.9).
package preset

import (
	"sync"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

// Strategy is the combination rule named alongside a preset's tagQuery.
type Strategy string

const (
	StrategyOr       Strategy = "or"
	StrategyAnd      Strategy = "and"
	StrategyAdvanced Strategy = "advanced"
)

// Preset is Name -> {strategy, tagQuery} (§3).
type Preset struct {
	Name     string    `yaml:"name"`
	Strategy Strategy  `yaml:"strategy"`
	TagQuery *spec.TagQuery `yaml:"tagQuery"`
}

// Store is the external preset store contract (§6): list/get/put/delete,
// observed by C9, never written by the engine itself.
type Store interface {
	List() ([]Preset, error)
	Get(name string) (Preset, bool, error)
	Subscribe(onChange func(name string)) (unsubscribe func())
}

// Resolver is C9: it wraps a Store, caches the last-seen presets, and
// notifies a router-supplied callback when a bound preset changes.
type Resolver struct {
	mu    sync.RWMutex
	store Store
	cache map[string]Preset

	onChange func(name string)
	unsub    func()
}

// New builds a Resolver bound to store, subscribing for change
// notifications for the resolver's lifetime.
func New(store Store) *Resolver {
	r := &Resolver{store: store, cache: make(map[string]Preset)}
	r.refresh()
	r.unsub = store.Subscribe(r.handleChange)
	return r
}

func (r *Resolver) refresh() {
	presets, err := r.store.List()
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Preset, len(presets))
	for _, p := range presets {
		r.cache[p.Name] = p
	}
}

func (r *Resolver) handleChange(name string) {
	if p, ok, err := r.store.Get(name); err == nil && ok {
		r.mu.Lock()
		r.cache[name] = p
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		delete(r.cache, name)
		r.mu.Unlock()
	}
	if r.onChange != nil {
		r.onChange(name)
	}
}

// OnChange registers the callback invoked after a preset changes; the
// router uses this to enumerate and recompute bound sessions (§4.9).
func (r *Resolver) OnChange(fn func(name string)) {
	r.onChange = fn
}

// Resolve implements router.PresetResolver.
func (r *Resolver) Resolve(name string) (*spec.TagQuery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[name]
	if !ok {
		return nil, false
	}
	return p.TagQuery, true
}

// Close stops observing the store.
func (r *Resolver) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}
