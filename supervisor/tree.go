package supervisor

import (
	"slices"
	"time"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
)

// ComponentStats is a point-in-time view of one supervised component.
type ComponentStats struct {
	ID                  wasmactors.ComponentID
	Parent              wasmactors.ComponentID
	State               State
	Policy              Policy
	Attempt             uint32
	TotalRestarts       uint64
	Recoveries          uint64
	InWindow            int
	LimitHits           int
	PermanentlyFailed   bool
	ConsecutiveFailures uint32
	LastHealth          wasmactors.HealthStatus
	Reasons             ReasonStats
	RunningFor          time.Duration
	LastError           string
}

// Stats aggregates all supervised components.
type Stats struct {
	Components    int
	Running       int
	Restarting    int
	Stopped       int
	Failed        int
	TotalRestarts uint64
}

// ComponentStats returns statistics for id.
func (s *Supervisor) ComponentStats(id wasmactors.ComponentID) (ComponentStats, error) {
	e, err := s.entry(id)
	if err != nil {
		return ComponentStats{}, err
	}
	return s.statsOf(e), nil
}

func (s *Supervisor) statsOf(e *entry) ComponentStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := ComponentStats{
		ID:                  e.id,
		Parent:              e.parent,
		State:               e.state,
		Policy:              e.cfg.Policy,
		Attempt:             e.backoff.Attempt(),
		TotalRestarts:       e.tracker.TotalRestarts(),
		Recoveries:          e.tracker.RecoveryCount(),
		InWindow:            e.limiter.InWindow(),
		LimitHits:           e.limiter.LimitHits(),
		PermanentlyFailed:   e.limiter.IsPermanentlyFailed(),
		ConsecutiveFailures: e.monitor.ConsecutiveFailures(),
		LastHealth:          e.monitor.Last(),
		Reasons:             e.tracker.ReasonStats(),
	}
	if e.state == StateRunning && !e.runningSince.IsZero() {
		cs.RunningFor = s.now().Sub(e.runningSince)
	}
	if e.lastError != nil {
		cs.LastError = e.lastError.Error()
	}
	return cs
}

// Stats returns aggregate counters across all components.
func (s *Supervisor) Stats() Stats {
	var st Stats
	for _, e := range s.snapshot() {
		cs := s.statsOf(e)
		st.Components++
		st.TotalRestarts += cs.TotalRestarts
		switch cs.State {
		case StateRunning:
			st.Running++
		case StateRestarting:
			st.Restarting++
		case StateStopped:
			st.Stopped++
		case StateFailed:
			st.Failed++
		}
	}
	return st
}

// SetParent places child under parent in the supervision tree.
// An empty parent detaches child.
func (s *Supervisor) SetParent(child, parent wasmactors.ComponentID) error {
	ce, err := s.entry(child)
	if err != nil {
		return err
	}
	if parent != "" {
		if _, err := s.entry(parent); err != nil {
			return err
		}
		if parent == child || slices.Contains(s.Ancestors(parent), child) {
			return errors.InvalidInput(errors.PhaseSupervisor,
				"parent "+string(parent)+" would create a cycle through "+string(child))
		}
	}
	ce.mu.Lock()
	ce.parent = parent
	ce.mu.Unlock()
	return nil
}

// Parent returns the parent of id, or "" for a root.
func (s *Supervisor) Parent(id wasmactors.ComponentID) (wasmactors.ComponentID, error) {
	e, err := s.entry(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent, nil
}

// Children returns the direct children of parent in registration order.
func (s *Supervisor) Children(parent wasmactors.ComponentID) []wasmactors.ComponentID {
	var out []wasmactors.ComponentID
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.parent == parent && parent != "" {
			out = append(out, e.id)
		}
		e.mu.Unlock()
	}
	return out
}

// Ancestors returns the chain of parents of id, nearest first.
func (s *Supervisor) Ancestors(id wasmactors.ComponentID) []wasmactors.ComponentID {
	var out []wasmactors.ComponentID
	seen := map[wasmactors.ComponentID]bool{id: true}
	cur := id
	for {
		p, err := s.Parent(cur)
		if err != nil || p == "" || seen[p] {
			return out
		}
		seen[p] = true
		out = append(out, p)
		cur = p
	}
}
