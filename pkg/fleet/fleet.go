// Package fleet implements C3, the map of server name -> outbound client,
// with reconcile/restart/metadata-update operations (§4.3).
package fleet

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/outbound"
	"github.com/nullrunner/mcpmux/pkg/spec"
)

// DiffKind classifies one entry of a reconcile's diff (§4.7).
type DiffKind string

const (
	Added    DiffKind = "ADDED"
	Removed  DiffKind = "REMOVED"
	Modified DiffKind = "MODIFIED"
)

// DiffEvent is emitted per changed server during a reconcile.
type DiffEvent struct {
	Kind     DiffKind
	Name     string
	Fields   []string // populated for Modified
	Restart  bool      // false when the change was metadata-only (tags)
}

// Fleet owns the live set of outbound clients.
type Fleet struct {
	mu      sync.RWMutex
	clients map[string]*outbound.Client
	specs   map[string]*spec.ServerSpec
	order   []string

	onAuthRequired func(outbound.AuthRequiredEvent)
	onLeaveReady   func(name string)

	// reconcileMu serializes reconciles; a reconcile in flight does not
	// block reads of the current fleet state (§5 single-writer policy).
	reconcileMu sync.Mutex

	// workerPool bounds parallel start operations (§5: default = CPU
	// count, minimum 4), grounded on capabilitites.go's errgroup+Set Limit
	// fan-out pattern in the teacher, generalized with a semaphore so
	// restarts and ADD-starts share the same bound.
	workerPool *semaphore.Weighted
}

// New builds an empty Fleet. onLeaveReady, when non-nil, is called with a
// server's name every time its client transitions out of Ready - a manual
// Restart or a spontaneous disconnect, not just a reconcile-driven one
// (§4.4 cache invalidation).
func New(onAuthRequired func(outbound.AuthRequiredEvent), onLeaveReady func(name string)) *Fleet {
	workers := runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}
	return &Fleet{
		clients:        make(map[string]*outbound.Client),
		specs:          make(map[string]*spec.ServerSpec),
		onAuthRequired: onAuthRequired,
		onLeaveReady:   onLeaveReady,
		workerPool:     semaphore.NewWeighted(int64(workers)),
	}
}

// Get returns the named client, if present.
func (f *Fleet) Get(name string) (*outbound.Client, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.clients[name]
	return c, ok
}

// GetAll returns an ordered snapshot of all live clients, ordered by the
// server's registration order in the authoritative spec map (§4.5
// pagination default ordering: "ordered by server registration order").
func (f *Fleet) GetAll() []*outbound.Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*outbound.Client, 0, len(f.clients))
	for _, name := range f.order {
		if c, ok := f.clients[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Reconcile computes the diff against the current authoritative map and
// starts/stops/restarts clients accordingly (§4.3, §4.7 step 4).
//
// A newer reconcile is expected to be serialized behind reconcileMu; per
// §4.3 "a newer reconcile cancels a prior in-flight restart for the same
// name" — restart cancellation here is realized by reconcileMu itself
// serializing whole reconcile passes, since this gateway does not allow
// overlapping reconciles to begin with.
func (f *Fleet) Reconcile(ctx context.Context, desired map[string]*spec.ServerSpec, order []string) []DiffEvent {
	f.reconcileMu.Lock()
	defer f.reconcileMu.Unlock()

	f.mu.Lock()
	var toStart, toStop, toRestart, toUpdate []string
	events := make([]DiffEvent, 0)

	for name, next := range desired {
		if next.Disabled {
			continue
		}
		old, existed := f.specs[name]
		switch {
		case !existed:
			toStart = append(toStart, name)
			events = append(events, DiffEvent{Kind: Added, Name: name, Restart: true})
		default:
			fields := spec.DiffFields(old, next)
			if len(fields) == 0 {
				continue
			}
			if spec.IsMetadataOnly(fields) {
				toUpdate = append(toUpdate, name)
				events = append(events, DiffEvent{Kind: Modified, Name: name, Fields: fields, Restart: false})
			} else {
				toRestart = append(toRestart, name)
				events = append(events, DiffEvent{Kind: Modified, Name: name, Fields: fields, Restart: true})
			}
		}
	}

	for name := range f.specs {
		next, stillDesired := desired[name]
		if !stillDesired || next.Disabled {
			if _, running := f.clients[name]; running || stillDesired {
				toStop = append(toStop, name)
				events = append(events, DiffEvent{Kind: Removed, Name: name, Restart: true})
			}
		}
	}

	// Commit the new authoritative spec map up front; starts/restarts
	// below read from f.specs under their own lock acquisitions.
	newSpecs := make(map[string]*spec.ServerSpec, len(desired))
	for name, s := range desired {
		newSpecs[name] = s
	}
	f.specs = newSpecs
	f.order = fleetOrder(desired, order)

	for _, name := range toUpdate {
		if c, ok := f.clients[name]; ok {
			c.UpdateTags(desired[name].Tags)
		}
	}
	f.mu.Unlock()

	for _, name := range toStop {
		f.stop(name)
	}
	for _, name := range toRestart {
		f.stop(name)
	}

	var wg sync.WaitGroup
	for _, name := range append(toStart, toRestart...) {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.workerPool.Acquire(ctx, 1)
			defer f.workerPool.Release(1)
			f.start(ctx, name)
		}()
	}
	wg.Wait()

	return events
}

// fleetOrder returns order filtered down to the names actually present in
// desired, with any name order is missing (e.g. an OAuth-merged spec map
// built without threading the declaration order through) appended in
// arbitrary trailing order so no server is dropped from a listing.
func fleetOrder(desired map[string]*spec.ServerSpec, order []string) []string {
	seen := make(map[string]bool, len(order))
	names := make([]string, 0, len(desired))
	for _, n := range order {
		if _, ok := desired[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	if len(names) == len(desired) {
		return names
	}
	for n := range desired {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	return names
}

func (f *Fleet) start(ctx context.Context, name string) {
	f.mu.Lock()
	s, ok := f.specs[name]
	if !ok || s.Disabled {
		f.mu.Unlock()
		return
	}
	if _, running := f.clients[name]; running {
		f.mu.Unlock()
		log.Logf("! start(%s) is a no-op: already running", name)
		return
	}
	var leave func()
	if f.onLeaveReady != nil {
		leave = func() { f.onLeaveReady(name) }
	}
	c := outbound.New(s, f.onAuthRequired, leave)
	f.clients[name] = c
	f.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		log.Logf("! %s failed to connect: %v", name, err)
	}
}

func (f *Fleet) stop(name string) {
	f.mu.Lock()
	c, ok := f.clients[name]
	if ok {
		delete(f.clients, name)
	}
	f.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Restart forces a fresh Connecting cycle even under restart-policy
// cooldown (SUPPLEMENTED FEATURES: manual restart plumbing, §4.3).
func (f *Fleet) Restart(ctx context.Context, name string) error {
	f.mu.RLock()
	_, ok := f.specs[name]
	f.mu.RUnlock()
	if !ok {
		return spec.NewError(spec.ErrNotFound, "unknown server "+name, nil)
	}
	f.stop(name)
	f.start(ctx, name)
	return nil
}

// UpdateMetadata live-applies a tags-only change without restart (§4.3).
func (f *Fleet) UpdateMetadata(name string, tags []string) {
	f.mu.RLock()
	c, ok := f.clients[name]
	f.mu.RUnlock()
	if ok {
		c.UpdateTags(tags)
	}
}
