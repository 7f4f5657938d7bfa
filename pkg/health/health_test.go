package health

import "testing"

func TestStateDefaultsUnhealthy(t *testing.T) {
	var s State
	if s.IsHealthy() {
		t.Fatal("expected zero-value State to be unhealthy")
	}
}

func TestStateSetHealthy(t *testing.T) {
	var s State
	s.SetHealthy()
	if !s.IsHealthy() {
		t.Fatal("expected IsHealthy() to be true after SetHealthy()")
	}
	s.SetUnhealthy()
	if s.IsHealthy() {
		t.Fatal("expected IsHealthy() to be false after SetUnhealthy()")
	}
}
