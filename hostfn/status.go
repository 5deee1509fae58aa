package hostfn

import (
	"errors"
	"io/fs"

	werrors "github.com/wippyai/wasm-actors/errors"
)

// Status is the negative result code a host function returns to the guest.
type Status int64

const (
	StatusOK          Status = 0
	StatusDenied      Status = -1
	StatusNotFound    Status = -2
	StatusInvalid     Status = -3
	StatusIO          Status = -4
	StatusUnavailable Status = -5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDenied:
		return "denied"
	case StatusNotFound:
		return "not_found"
	case StatusInvalid:
		return "invalid"
	case StatusIO:
		return "io"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ErrNotFound is wrapped by lookups of missing keys.
var ErrNotFound = errors.New("not found")

// StatusOf maps a wrapper error to the code the guest sees.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return StatusNotFound
	}
	switch werrors.KindOf(err) {
	case werrors.KindCapabilityDenied:
		return StatusDenied
	case werrors.KindComponentNotFound, werrors.KindTargetNotFound:
		return StatusNotFound
	case werrors.KindInvalidInput:
		return StatusInvalid
	case werrors.KindNotInitialized, werrors.KindResourceExhausted, werrors.KindRateLimited:
		return StatusUnavailable
	default:
		return StatusIO
	}
}

func ioError(resource string, err error) error {
	return werrors.New(werrors.PhaseHost, werrors.KindIO).Resource(resource).Cause(err).Build()
}

func unavailable(what string) error {
	return werrors.NotInitialized(werrors.PhaseHost, what+" is not configured")
}
