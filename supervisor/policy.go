package supervisor

import (
	"fmt"
	"time"
)

// Policy decides whether an exited component comes back
type Policy uint8

const (
	// Permanent always restarts.
	Permanent Policy = iota
	// Transient restarts only after an error.
	Transient
	// Temporary never restarts.
	Temporary
)

func (p Policy) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy maps a policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "permanent", "":
		return Permanent, nil
	case "transient":
		return Transient, nil
	case "temporary":
		return Temporary, nil
	}
	return 0, fmt.Errorf("unknown restart policy %q", s)
}

// ShouldRestart applies the policy to an exit.
func (p Policy) ShouldRestart(isError bool) bool {
	switch p {
	case Permanent:
		return true
	case Transient:
		return isError
	default:
		return false
	}
}

// Config is the per-component supervision configuration.
type Config struct {
	Policy  Policy
	Backoff BackoffConfig
	Window  WindowConfig
	Health  HealthConfig

	// TrackerCapacity bounds the restart history ring.
	TrackerCapacity int

	// RecoveryPeriod of sustained running resets backoff, tracker, limiter and monitor.
	RecoveryPeriod time.Duration

	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a permanent policy with default backoff, window and health settings.
func DefaultConfig() Config {
	return Config{
		Policy:          Permanent,
		Backoff:         DefaultBackoffConfig(),
		Window:          DefaultWindowConfig(),
		Health:          DefaultHealthConfig(),
		TrackerCapacity: DefaultTrackerCapacity,
		RecoveryPeriod:  30 * time.Second,
		StartupTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// State is the supervision state of one component
type State uint8

const (
	StateRegistered State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
