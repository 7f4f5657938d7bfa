// Package health reconstructs the teacher's health.State contract, whose
// call sites (pkg/gateway/run.go, pkg/gateway/transport.go's healthHandler)
// fully specify it even though the defining package wasn't in the
// retrieval pack: a process-wide readiness flag the /health endpoint and
// the housekeeping loop both gate on.
package health

import "sync/atomic"

// State is a concurrency-safe readiness flag.
type State struct {
	healthy atomic.Bool
}

// SetHealthy marks the process ready; call once the gateway's inbound
// server is listening and its initial fleet reconcile has completed.
func (s *State) SetHealthy() {
	s.healthy.Store(true)
}

// SetUnhealthy marks the process not ready, e.g. mid-reload or draining.
func (s *State) SetUnhealthy() {
	s.healthy.Store(false)
}

// IsHealthy reports the current readiness flag.
func (s *State) IsHealthy() bool {
	return s.healthy.Load()
}
