package runtime

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/actor"
	"github.com/wippyai/wasm-actors/audit"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/engine"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/hostfn"
	"github.com/wippyai/wasm-actors/registry"
	"github.com/wippyai/wasm-actors/router"
	"github.com/wippyai/wasm-actors/supervisor"
)

// Options configures a Runtime. Zero values fall back to DefaultOptions.
type Options struct {
	Logger *zap.Logger

	Engine engine.Config

	// Audit receives every capability decision. Nil starts an AsyncLogger
	// writing to AuditSink, or to the logger when AuditSink is nil too.
	Audit     audit.Emitter
	AuditSink audit.Sink
	AuditOpts audit.Options

	Router router.Options

	// Supervision is the default per-component supervision config.
	// Nil means supervisor.DefaultConfig.
	Supervision *supervisor.Config

	// HealthConcurrency bounds parallel health checks.
	HealthConcurrency int
	// Tick is how often Run evaluates due health checks and prunes idle state.
	Tick time.Duration

	// Limits applies to components whose manifest declares none.
	Limits engine.Limits
	// Codec is the declared codec of components that do not set one.
	Codec codec.Codec

	MailboxSize int
	// DeliverTimeout bounds waiting on a full mailbox.
	DeliverTimeout time.Duration
	HookTimeout    time.Duration

	// FSRoot is where component filesystem paths are rooted. Empty disables
	// the filesystem host functions.
	FSRoot string
	// Network enables the network host functions.
	Network *hostfn.Network
	// Storage configures the storage host functions. Nil disables them.
	Storage *hostfn.StorageConfig

	// HostFunctions are added to the host module next to the built-in ones.
	HostFunctions []engine.HostFunction
}

// DefaultOptions returns options for an in-process runtime with in-memory
// storage and no filesystem or network access.
func DefaultOptions() Options {
	storage := hostfn.InMemoryStorageConfig()
	sup := supervisor.DefaultConfig()
	return Options{
		Engine:            engine.Config{CompilationCache: true},
		AuditOpts:         audit.DefaultOptions(),
		Router:            router.DefaultOptions(),
		Supervision:       &sup,
		HealthConcurrency: 8,
		Tick:              time.Second,
		Codec:             codec.JSON,
		MailboxSize:       256,
		DeliverTimeout:    actor.DefaultDeliverTimeout,
		HookTimeout:       actor.DefaultHookTimeout,
		Storage:           &storage,
	}
}

// Runtime hosts supervised components. It owns the engine, the capability
// checker, the registry, the router and the supervisor.
type Runtime struct {
	opts   Options
	logger *zap.Logger

	engine   *engine.WazeroEngine
	host     *hostfn.Host
	storage  *hostfn.Storage
	auditor  audit.Emitter
	ownAudit *audit.AsyncLogger
	checker  *capability.Checker
	registry registry.Registry
	router   *router.Router
	sup      *supervisor.Supervisor

	mu     sync.RWMutex
	specs  map[wasmactors.ComponentID]*component
	actors map[wasmactors.ComponentID]*actor.Actor

	// ctx outlives individual calls; failure handling runs under it.
	ctx      context.Context
	cancel   context.CancelFunc
	failures sync.WaitGroup
	closed   atomic.Bool
}

var (
	_ hostfn.Sender   = (*Runtime)(nil)
	_ actor.Responder = (*router.Router)(nil)
)

// New creates a runtime and installs the host module.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	def := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = Logger()
	}
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if !opts.Codec.Valid() {
		opts.Codec = def.Codec
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = def.MailboxSize
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = def.DeliverTimeout
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = def.HookTimeout
	}
	if opts.Supervision == nil {
		opts.Supervision = def.Supervision
	}

	r := &Runtime{
		opts:   opts,
		logger: opts.Logger,
		specs:  make(map[wasmactors.ComponentID]*component),
		actors: make(map[wasmactors.ComponentID]*actor.Actor),
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	engCfg := opts.Engine
	if engCfg.Logger == nil {
		engCfg.Logger = opts.Logger.Named("engine")
	}
	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engCfg)
	if err != nil {
		r.cancel()
		return nil, err
	}
	r.engine = eng

	if opts.Storage != nil {
		scfg := *opts.Storage
		if scfg.Logger == nil {
			scfg.Logger = opts.Logger.Named("storage")
		}
		st, err := hostfn.OpenStorage(scfg)
		if err != nil {
			r.cancel()
			_ = eng.Close(ctx)
			return nil, err
		}
		r.storage = st
	}

	r.auditor = opts.Audit
	if r.auditor == nil {
		sink := opts.AuditSink
		if sink == nil {
			sink = audit.NewZapSink(opts.Logger.Named("audit"))
		}
		aopts := opts.AuditOpts
		if aopts.Logger == nil {
			aopts.Logger = opts.Logger
		}
		r.ownAudit = audit.NewAsyncLogger(sink, aopts)
		r.auditor = r.ownAudit
	}
	r.checker = capability.NewChecker(
		capability.WithAudit(r.auditor),
		capability.WithCheckerLogger(opts.Logger.Named("capability")),
	)

	r.registry = registry.New(opts.Logger.Named("registry"))
	ropts := opts.Router
	if ropts.Logger == nil {
		ropts.Logger = opts.Logger.Named("router")
	}
	r.router = router.New(r.registry, ropts)

	r.sup = supervisor.New(bridge{r}, supervisor.Options{
		Logger:            opts.Logger.Named("supervisor"),
		HealthConcurrency: opts.HealthConcurrency,
	})

	r.host = r.newHost()
	if err := r.installHost(ctx); err != nil {
		_ = r.shutdown(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Runtime) Engine() *engine.WazeroEngine { return r.engine }

func (r *Runtime) Checker() *capability.Checker { return r.checker }

func (r *Runtime) Registry() registry.Registry { return r.registry }

func (r *Runtime) Router() *router.Router { return r.router }

func (r *Runtime) Supervisor() *supervisor.Supervisor { return r.sup }

// AuditStats reports the runtime-owned audit logger counters. ok is false
// when an external Emitter was supplied.
func (r *Runtime) AuditStats() (audit.Stats, bool) {
	if r.ownAudit == nil {
		return audit.Stats{}, false
	}
	return r.ownAudit.Stats(), true
}

// Actor returns the running actor of id.
func (r *Runtime) Actor(id wasmactors.ComponentID) (*actor.Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

// Components returns every spawned component id in spawn order.
func (r *Runtime) Components() []wasmactors.ComponentID {
	return r.sup.IDs()
}

// Run evaluates due health checks every Tick until ctx ends. It also expires
// abandoned requests and prunes idle sender limiters.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return nil
		case <-ticker.C:
			r.sup.RunHealthChecks(ctx)
			if n := r.router.Correlations().ExpireOlderThan(time.Hour); n > 0 {
				r.logger.Warn("expired abandoned requests", zap.Int("count", n))
			}
			r.router.PruneSenders(10 * time.Minute)
		}
	}
}

// StopAll stops every component. Components stay spawned and can be
// restarted with Restart.
func (r *Runtime) StopAll(ctx context.Context) error {
	return r.sup.StopAll(ctx)
}

// Close stops all components and releases every runtime resource.
// Restarts still waiting on backoff are abandoned.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.abandonFailures()
	stopErr := r.sup.StopAll(ctx)
	return stderrors.Join(stopErr, r.shutdown(ctx))
}

func (r *Runtime) abandonFailures() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.failures.Wait()
	r.sup.Close()
}

func (r *Runtime) shutdown(ctx context.Context) error {
	r.abandonFailures()

	var errs []error
	if r.ownAudit != nil {
		if err := r.ownAudit.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.storage != nil {
		if err := r.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (r *Runtime) checkOpen() error {
	if r.closed.Load() {
		return errors.InvalidState(errors.PhaseRuntime, "", "runtime is closed")
	}
	return nil
}
