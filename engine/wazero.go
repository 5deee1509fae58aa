package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/wasm-actors/errors"
)

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	EnableThreads bool

	// EnableWASI instantiates wasi_snapshot_preview1 so guests built for WASI link.
	EnableWASI bool

	// CompilationCache shares compiled code between loads of identical modules.
	CompilationCache bool

	Logger *zap.Logger
}

// WazeroEngine implements Engine using wazero runtime
type WazeroEngine struct {
	runtime   wazero.Runtime
	instances *arena[*instance]
	logger    *zap.Logger
	seq       atomic.Uint64

	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
	closed       atomic.Bool
}

type instance struct {
	// calls serializes guest calls. Waiting for it honors the caller's context.
	calls    *semaphore.Weighted
	name     string
	compiled wazero.CompiledModule
	mod      api.Module
	mem      *WazeroMemory
	alloc    *allocator
	limits   Limits
	usage    Usage
	dead     atomic.Bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration.
// Guest code is always interrupted when the call context ends.
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.EnableThreads {
		runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}
	if cfg.CompilationCache {
		runtimeCfg = runtimeCfg.WithCompilationCache(wazero.NewCompilationCache())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}

	e := &WazeroEngine{
		runtime:   wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		instances: newArena[*instance](),
		logger:    logger,
	}
	if cfg.EnableWASI {
		if err := e.InitWASI(ctx); err != nil {
			_ = e.runtime.Close(ctx)
			return nil, err
		}
	}
	return e, nil
}

// InitWASI instantiates the WASI singleton for this engine's runtime.
// Safe for concurrent calls.
func (e *WazeroEngine) InitWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone.Load() {
		return nil
	}
	if e.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return errors.Wrap(errors.PhaseEngine, errors.KindInvalidState, err, "instantiate WASI")
		}
	}
	e.wasiInitDone.Store(true)
	return nil
}

// InstantiateHostModule exposes fns to guests under the import module name.
// It must run before loading guests that import it.
func (e *WazeroEngine) InstantiateHostModule(ctx context.Context, name string, fns []HostFunction) error {
	if e.runtime.Module(name) != nil {
		return errors.AlreadyExists(errors.PhaseEngine, name)
	}
	b := e.runtime.NewHostModuleBuilder(name)
	for _, f := range fns {
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.Params, f.Results).
			Export(f.Name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseEngine, errors.KindInvalidInput, err, "instantiate host module "+name)
	}
	e.logger.Debug("host module instantiated", zap.String("module", name), zap.Int("functions", len(fns)))
	return nil
}

// Load compiles and instantiates wasm. The start section runs, but no
// exported function is called; lifecycle exports are the caller's business.
func (e *WazeroEngine) Load(ctx context.Context, wasm []byte, opts ...LoadOption) (Handle, error) {
	if e.closed.Load() {
		return 0, errors.NotInitialized(errors.PhaseEngine, "engine closed")
	}
	o := loadOptions{name: "component"}
	for _, opt := range opts {
		opt(&o)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return 0, errors.New(errors.PhaseEngine, errors.KindInvalidInput).
			Component(o.name).Cause(err).Detail("compile failed").Build()
	}

	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s#%d", o.name, e.seq.Add(1))).
		WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = compiled.Close(ctx)
		return 0, errors.New(errors.PhaseEngine, errors.KindExecutionTrap).
			Component(o.name).Cause(err).Detail("instantiate failed").Build()
	}

	inst := &instance{
		calls:    semaphore.NewWeighted(1),
		name:     o.name,
		compiled: compiled,
		mod:      mod,
		mem:      NewMemory(mod),
		alloc:    newAllocator(mod),
		limits:   o.limits,
	}
	if err := inst.checkMemory(); err != nil {
		_ = mod.Close(ctx)
		_ = compiled.Close(ctx)
		return 0, err
	}

	h := e.instances.insert(inst)
	e.logger.Debug("instance loaded",
		zap.String("component", o.name),
		zap.Uint64("handle", uint64(h)),
		zap.Uint32("memory_bytes", inst.mem.Size()),
	)
	return h, nil
}

func (e *WazeroEngine) lookup(h Handle) (*instance, error) {
	inst, ok := e.instances.get(h)
	if !ok {
		return nil, errors.New(errors.PhaseEngine, errors.KindInvalidState).
			Detail("unknown or released handle %d", uint64(h)).Build()
	}
	return inst, nil
}

// HasExport reports whether the instance exports a function named export.
func (e *WazeroEngine) HasExport(h Handle, export string) bool {
	inst, ok := e.instances.get(h)
	if !ok || inst.dead.Load() {
		return false
	}
	return inst.mod.ExportedFunction(export) != nil
}

// Alive reports whether h refers to an instance that can still run code.
func (e *WazeroEngine) Alive(h Handle) bool {
	inst, ok := e.instances.get(h)
	return ok && !inst.dead.Load() && !inst.mod.IsClosed()
}

// Invoke calls export with input and returns its output bytes.
// Calls on the same handle are serialized.
func (e *WazeroEngine) Invoke(ctx context.Context, h Handle, export string, input []byte) ([]byte, error) {
	inst, err := e.lookup(h)
	if err != nil {
		return nil, err
	}

	if err := inst.calls.Acquire(ctx, 1); err != nil {
		return nil, errors.New(errors.PhaseEngine, errors.KindInvalidState).
			Component(inst.name).
			Cause(err).
			Detail("instance busy with another call of %s", export).
			Build()
	}
	defer inst.calls.Release(1)

	if inst.dead.Load() || inst.mod.IsClosed() {
		return nil, errors.InvalidState(errors.PhaseEngine, inst.name, "instance is no longer running")
	}
	fn := inst.mod.ExportedFunction(export)
	if fn == nil {
		return nil, errors.ExportNotFound(inst.name, export)
	}

	callCtx, cancel, budget, err := inst.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params, err := inst.params(callCtx, fn, export, input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, callErr := fn.Call(callCtx, params...)
	elapsed := time.Since(start)

	inst.usage.Invocations++
	inst.usage.ExecutionUnits += uint64(elapsed.Microseconds())
	inst.usage.LastInvoke = start

	if callErr != nil {
		return nil, e.classify(ctx, callCtx, inst, export, budget, callErr)
	}
	if err := inst.checkMemory(); err != nil {
		return nil, err
	}
	return inst.results(fn, export, results)
}

// callContext derives the deadline from the per-call timeout and the remaining unit budget.
func (i *instance) callContext(ctx context.Context) (context.Context, context.CancelFunc, time.Duration, error) {
	budget := i.limits.Timeout
	if i.limits.ExecutionUnits > 0 {
		if i.usage.ExecutionUnits >= i.limits.ExecutionUnits {
			return nil, nil, 0, errors.ResourceExhausted(i.name,
				fmt.Sprintf("execution budget of %d units spent", i.limits.ExecutionUnits))
		}
		remaining := time.Duration(i.limits.ExecutionUnits-i.usage.ExecutionUnits) * time.Microsecond
		if budget <= 0 || remaining < budget {
			budget = remaining
		}
	}
	if budget <= 0 {
		c, cancel := context.WithCancel(ctx)
		return c, cancel, 0, nil
	}
	c, cancel := context.WithTimeout(ctx, budget)
	return c, cancel, budget, nil
}

func (i *instance) params(ctx context.Context, fn api.Function, export string, input []byte) ([]uint64, error) {
	pt := fn.Definition().ParamTypes()
	switch {
	case len(pt) == 0:
		return nil, nil
	case len(pt) == 2 && pt[0] == api.ValueTypeI32 && pt[1] == api.ValueTypeI32:
		if len(input) == 0 {
			return []uint64{0, 0}, nil
		}
		if i.mem == nil {
			return nil, errors.InvalidState(errors.PhaseEngine, i.name, "module exports no memory")
		}
		ptr, err := i.alloc.Alloc(ctx, uint32(len(input)), 1)
		if err != nil {
			return nil, errors.ExecutionTrap(i.name, export, fmt.Errorf("guest alloc: %w", err))
		}
		if err := i.mem.Write(ptr, input); err != nil {
			return nil, errors.ExecutionTrap(i.name, export, err)
		}
		return []uint64{uint64(ptr), uint64(len(input))}, nil
	default:
		return nil, errors.InvalidInput(errors.PhaseEngine,
			fmt.Sprintf("export %s of %s has unsupported signature %v", export, i.name, pt))
	}
}

func (i *instance) results(fn api.Function, export string, results []uint64) ([]byte, error) {
	rt := fn.Definition().ResultTypes()
	switch {
	case len(rt) == 0:
		return nil, nil
	case len(rt) == 1 && rt[0] == api.ValueTypeI32:
		if status := int32(results[0]); status != 0 {
			return nil, errors.ExecutionTrap(i.name, export, fmt.Errorf("exit status %d", status))
		}
		return nil, nil
	case len(rt) == 1 && rt[0] == api.ValueTypeI64:
		ptr, length := Unpack(results[0])
		if length == 0 {
			return nil, nil
		}
		out, err := ReadBytes(i.mod, ptr, length)
		if err != nil {
			return nil, errors.ExecutionTrap(i.name, export, err)
		}
		return out, nil
	default:
		return nil, errors.InvalidInput(errors.PhaseEngine,
			fmt.Sprintf("export %s of %s has unsupported results %v", export, i.name, rt))
	}
}

func (i *instance) checkMemory() error {
	if i.limits.MemoryBytes == 0 || i.mem == nil {
		return nil
	}
	i.usage.MemoryBytes = uint64(i.mem.Size())
	if i.usage.MemoryBytes > i.limits.MemoryBytes {
		return errors.ResourceExhausted(i.name,
			fmt.Sprintf("memory %d bytes exceeds limit %d", i.usage.MemoryBytes, i.limits.MemoryBytes))
	}
	return nil
}

// classify turns a failed call into ExecutionTimeout or ExecutionTrap.
// A call interrupted by its context leaves the module closed.
func (e *WazeroEngine) classify(parent, callCtx context.Context, inst *instance, export string, budget time.Duration, err error) error {
	var exit *sys.ExitError
	interrupted := stderrors.As(err, &exit) &&
		(exit.ExitCode() == sys.ExitCodeDeadlineExceeded || exit.ExitCode() == sys.ExitCodeContextCanceled)

	if interrupted || inst.mod.IsClosed() {
		inst.dead.Store(true)
	}

	if stderrors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		inst.usage.Timeouts++
		e.logger.Warn("guest call timed out",
			zap.String("component", inst.name),
			zap.String("export", export),
			zap.Duration("budget", budget),
		)
		return errors.ExecutionTimeout(inst.name, export, budget)
	}

	inst.usage.Traps++
	if parent.Err() != nil {
		return errors.ExecutionTrap(inst.name, export, parent.Err())
	}
	e.logger.Warn("guest call trapped",
		zap.String("component", inst.name),
		zap.String("export", export),
		zap.Error(err),
	)
	return errors.ExecutionTrap(inst.name, export, err)
}

// ResourceUsage returns consumption counters of h.
func (e *WazeroEngine) ResourceUsage(h Handle) (Usage, error) {
	inst, err := e.lookup(h)
	if err != nil {
		return Usage{}, err
	}
	_ = inst.calls.Acquire(context.Background(), 1)
	defer inst.calls.Release(1)
	u := inst.usage
	if !inst.dead.Load() {
		u.MemoryBytes = uint64(inst.mem.Size())
	}
	return u, nil
}

// Release closes the instance behind h. It does not wait for a running call:
// closing the module interrupts it.
func (e *WazeroEngine) Release(ctx context.Context, h Handle) error {
	inst, ok := e.instances.remove(h)
	if !ok {
		return nil
	}
	return e.closeInstance(ctx, inst)
}

func (e *WazeroEngine) closeInstance(ctx context.Context, inst *instance) error {
	inst.dead.Store(true)
	var errs []error
	if err := inst.mod.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := inst.compiled.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	e.logger.Debug("instance released", zap.String("component", inst.name))
	if err := stderrors.Join(errs...); err != nil {
		return errors.Wrap(errors.PhaseEngine, errors.KindInvalidState, err, "release "+inst.name)
	}
	return nil
}

// Instances returns the number of live handles.
func (e *WazeroEngine) Instances() int { return e.instances.len() }

// Close releases every instance and the runtime.
func (e *WazeroEngine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, inst := range e.instances.drain() {
		if err := e.closeInstance(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

var _ Engine = (*WazeroEngine)(nil)
