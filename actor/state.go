package actor

import (
	"fmt"
	"time"

	"github.com/wippyai/wasm-actors/errors"
)

// State is the lifecycle state of one actor instance.
// A restart replaces the actor, so Stopped and Failed are final.
type State uint8

const (
	StateCreating State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateCreating:
		return to == StateStarting || to == StateStopped
	case StateStarting:
		return to == StateReady || to == StateStopping
	case StateReady:
		return to == StateStopping
	case StateStopping:
		return to == StateStopped
	}
	return false
}

// ExecPhase is the discriminant of an ExecutionState
type ExecPhase uint8

const (
	ExecPending ExecPhase = iota
	ExecRunning
	ExecCompleted
	ExecFailed
	ExecTimeout
)

func (p ExecPhase) String() string {
	switch p {
	case ExecPending:
		return "pending"
	case ExecRunning:
		return "running"
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	case ExecTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// ExecutionState follows one invocation:
//
//	Pending -> Running -> Completed | Failed | Timeout
type ExecutionState struct {
	Phase    ExecPhase
	Started  time.Time
	Duration time.Duration
	Err      error
}

func (s ExecutionState) Terminal() bool {
	return s.Phase == ExecCompleted || s.Phase == ExecFailed || s.Phase == ExecTimeout
}

func (s *ExecutionState) move(to ExecPhase) error {
	ok := (s.Phase == ExecPending && to == ExecRunning) ||
		(s.Phase == ExecRunning && to > ExecRunning)
	if !ok {
		return errors.InvalidState(errors.PhaseActor, "", fmt.Sprintf("execution %s -> %s", s.Phase, to))
	}
	s.Phase = to
	return nil
}

// Begin moves Pending to Running.
func (s *ExecutionState) Begin(now time.Time) error {
	if err := s.move(ExecRunning); err != nil {
		return err
	}
	s.Started = now
	return nil
}

// Complete moves Running to Completed.
func (s *ExecutionState) Complete(now time.Time) error {
	if err := s.move(ExecCompleted); err != nil {
		return err
	}
	s.Duration = now.Sub(s.Started)
	return nil
}

// Fail moves Running to Failed.
func (s *ExecutionState) Fail(now time.Time, err error) error {
	if e := s.move(ExecFailed); e != nil {
		return e
	}
	s.Duration = now.Sub(s.Started)
	s.Err = err
	return nil
}

// TimeOut moves Running to Timeout.
func (s *ExecutionState) TimeOut(now time.Time, err error) error {
	if e := s.move(ExecTimeout); e != nil {
		return e
	}
	s.Duration = now.Sub(s.Started)
	s.Err = err
	return nil
}
