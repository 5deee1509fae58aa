package wasmactors

import (
	"encoding/json"
	"fmt"
)

// ComponentID identifies a component instance. Comparable and immutable.
type ComponentID string

func (id ComponentID) String() string { return string(id) }

// Memory represents WASM linear memory as seen by host functions
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
}

// MemorySizer provides the current size of WASM linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// HealthState is the discriminant of a HealthStatus
type HealthState uint8

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
	HealthUnknown
)

var healthStateNames = [...]string{
	HealthHealthy:   "healthy",
	HealthDegraded:  "degraded",
	HealthUnhealthy: "unhealthy",
	HealthUnknown:   "unknown",
}

func (s HealthState) String() string {
	if int(s) < len(healthStateNames) {
		return healthStateNames[s]
	}
	return fmt.Sprintf("health(%d)", uint8(s))
}

// ParseHealthState maps a lowercase name to a HealthState.
func ParseHealthState(name string) (HealthState, bool) {
	for i, n := range healthStateNames {
		if n == name {
			return HealthState(i), true
		}
	}
	return HealthUnknown, false
}

// HealthStatus is a component's self-reported or observed health.
// Reason is empty for Healthy and Unknown.
type HealthStatus struct {
	State  HealthState `cbor:"status"`
	Reason string      `cbor:"reason,omitempty"`
}

func Healthy() HealthStatus { return HealthStatus{State: HealthHealthy} }

func Unknown() HealthStatus { return HealthStatus{State: HealthUnknown} }

func Degraded(reason string) HealthStatus {
	return HealthStatus{State: HealthDegraded, Reason: reason}
}

func Unhealthy(reason string) HealthStatus {
	return HealthStatus{State: HealthUnhealthy, Reason: reason}
}

func (h HealthStatus) IsHealthy() bool { return h.State == HealthHealthy }

func (h HealthStatus) String() string {
	if h.Reason == "" {
		return h.State.String()
	}
	return fmt.Sprintf("%s (%s)", h.State, h.Reason)
}

type healthJSON struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// MarshalJSON encodes as {"status":"degraded","reason":"..."}.
func (h HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(healthJSON{Status: h.State.String(), Reason: h.Reason})
}

// UnmarshalJSON accepts the object form or a bare status string.
func (h *HealthStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		st, ok := ParseHealthState(name)
		if !ok {
			return fmt.Errorf("unknown health status %q", name)
		}
		*h = HealthStatus{State: st}
		return nil
	}

	var raw healthJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, ok := ParseHealthState(raw.Status)
	if !ok {
		return fmt.Errorf("unknown health status %q", raw.Status)
	}
	*h = HealthStatus{State: st, Reason: raw.Reason}
	return nil
}
