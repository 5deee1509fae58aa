package engine

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// Limits bound one instance. Zero values mean unlimited.
type Limits struct {
	// MemoryBytes is the linear memory ceiling checked after instantiation and every call.
	MemoryBytes uint64

	// ExecutionUnits is the total guest execution budget in microseconds.
	// Each call runs with a deadline no later than the remaining budget.
	ExecutionUnits uint64

	// Timeout bounds a single call.
	Timeout time.Duration
}

// Usage reports what an instance has consumed.
type Usage struct {
	MemoryBytes    uint64
	ExecutionUnits uint64
	Invocations    uint64
	Traps          uint64
	Timeouts       uint64
	LastInvoke     time.Time
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	name   string
	limits Limits
}

// WithName labels the instance in errors and logs.
func WithName(name string) LoadOption {
	return func(o *loadOptions) { o.name = name }
}

// WithLimits sets the instance limits.
func WithLimits(l Limits) LoadOption {
	return func(o *loadOptions) { o.limits = l }
}

// HostFunction is one function of a host module importable by guests.
type HostFunction struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// Engine compiles and runs guest modules behind opaque handles.
// Calls on one handle must be serialized by the caller or are serialized
// internally; handles can be used from any goroutine.
type Engine interface {
	Load(ctx context.Context, wasm []byte, opts ...LoadOption) (Handle, error)
	Invoke(ctx context.Context, h Handle, export string, input []byte) ([]byte, error)
	HasExport(h Handle, export string) bool
	ResourceUsage(h Handle) (Usage, error)
	Release(ctx context.Context, h Handle) error
	Alive(h Handle) bool
	Close(ctx context.Context) error
}
