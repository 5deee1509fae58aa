package actor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/engine"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/registry"
)

// Lifecycle exports a component may provide.
const (
	ExportStart   = "_start"
	ExportCleanup = "_cleanup"
	ExportHealth  = "_health"
)

// Lifecycle is the surface the supervising layer drives.
type Lifecycle interface {
	Start(ctx context.Context, ec ExecutionContext) (engine.Handle, error)
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) (wasmactors.HealthStatus, error)
}

// MessageHandler runs one message through the component and returns its raw output.
type MessageHandler interface {
	Handle(ctx context.Context, msg message.Message) ([]byte, error)
}

// FailureNotifier hears about traps and timeouts that took an actor down.
// ActorFailed is called from the actor goroutine and must not block.
type FailureNotifier interface {
	ActorFailed(id wasmactors.ComponentID, err error)
}

// FailureFunc adapts a function to FailureNotifier.
type FailureFunc func(id wasmactors.ComponentID, err error)

func (f FailureFunc) ActorFailed(id wasmactors.ComponentID, err error) { f(id, err) }

// Responder carries replies to requests back to the caller.
type Responder interface {
	Respond(ctx context.Context, resp message.Message) error
}

// Config configures one actor instance.
type Config struct {
	ID     wasmactors.ComponentID
	Wasm   []byte
	Engine engine.Engine

	// Checker authorizes senders and host calls. Nil means capability.Default().
	Checker *capability.Checker

	// Codec is the declared codec for health reports and replies.
	Codec codec.Codec

	Hooks       Hooks
	HookTimeout time.Duration

	Notifier  FailureNotifier
	Responder Responder

	MailboxSize int
	// DeliverTimeout bounds how long Deliver waits for room in a full mailbox.
	DeliverTimeout time.Duration

	StartTimeout time.Duration
	StopTimeout  time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Stats is a read-only snapshot of an actor.
type Stats struct {
	State         State
	Handled       uint64
	Failed        uint64
	LastExecution ExecutionState
	LastHealth    wasmactors.HealthStatus
}

// Actor hosts one component instance. Messages are processed one at a time
// by the actor goroutine; lifecycle calls may come from any goroutine.
type Actor struct {
	cfg    Config
	hooks  hookRunner
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	handle     engine.Handle
	ec         ExecutionContext
	lastExec   ExecutionState
	lastHealth wasmactors.HealthStatus
	loopDone   chan struct{}

	inbox    chan message.Message
	quit     chan struct{}
	quitOnce sync.Once

	handled atomic.Uint64
	failed  atomic.Uint64
}

var (
	_ Lifecycle        = (*Actor)(nil)
	_ MessageHandler   = (*Actor)(nil)
	_ registry.Mailbox = (*Actor)(nil)
)

// New creates an actor in StateCreating. Nothing runs until Start.
func New(cfg Config) (*Actor, error) {
	if cfg.ID == "" {
		return nil, errors.InvalidInput(errors.PhaseActor, "empty component id")
	}
	if cfg.Engine == nil {
		return nil, errors.NotInitialized(errors.PhaseActor, "engine")
	}
	if len(cfg.Wasm) == 0 {
		return nil, errors.InvalidInput(errors.PhaseActor, "component "+string(cfg.ID)+" has no code")
	}
	if !cfg.Codec.Valid() {
		cfg.Codec = codec.JSON
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	logger = logger.With(zap.String("component", string(cfg.ID)))

	return &Actor{
		cfg:        cfg,
		hooks:      hookRunner{hooks: cfg.Hooks, timeout: cfg.HookTimeout, logger: logger},
		logger:     logger,
		lastHealth: wasmactors.Unknown(),
		inbox:      make(chan message.Message, cfg.MailboxSize),
		quit:       make(chan struct{}),
	}, nil
}

func (a *Actor) ID() wasmactors.ComponentID { return a.cfg.ID }

func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// EngineHandle returns the engine handle of the running instance, or 0.
func (a *Actor) EngineHandle() engine.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Stats returns counters and the latest execution and health results.
func (a *Actor) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		State:         a.state,
		Handled:       a.handled.Load(),
		Failed:        a.failed.Load(),
		LastExecution: a.lastExec,
		LastHealth:    a.lastHealth,
	}
}

func (a *Actor) checker() *capability.Checker {
	if a.cfg.Checker != nil {
		return a.cfg.Checker
	}
	return capability.Default()
}

func (a *Actor) hookContext() HookContext {
	return HookContext{Component: a.cfg.ID, State: a.State()}
}

func (a *Actor) transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !CanTransition(a.state, to) {
		return errors.InvalidState(errors.PhaseActor, string(a.cfg.ID),
			fmt.Sprintf("cannot move from %s to %s", a.state, to))
	}
	a.state = to
	return nil
}

// Start loads the component, runs _start when exported and starts the mailbox.
func (a *Actor) Start(ctx context.Context, ec ExecutionContext) (engine.Handle, error) {
	if ec.Component != a.cfg.ID {
		return 0, errors.InvalidInput(errors.PhaseActor,
			fmt.Sprintf("execution context for %q given to actor %q", ec.Component, a.cfg.ID))
	}
	if err := a.transition(StateStarting); err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.ec = ec
	a.mu.Unlock()

	hc := a.hookContext()
	a.hooks.run(ctx, "pre_start", hc, func(ctx context.Context) error { return a.cfg.Hooks.PreStart(ctx, hc) })

	startCtx, cancel := context.WithTimeout(ctx, a.cfg.StartTimeout)
	defer cancel()

	h, err := a.cfg.Engine.Load(startCtx, a.cfg.Wasm, engine.WithName(string(a.cfg.ID)), engine.WithLimits(ec.Limits))
	if err != nil {
		a.markFailed(ctx, err, false)
		return 0, err
	}
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()

	if a.cfg.Engine.HasExport(h, ExportStart) {
		if _, err := a.cfg.Engine.Invoke(ec.scope(startCtx, a.checker()), h, ExportStart, nil); err != nil {
			a.markFailed(ctx, err, false)
			a.release(ctx)
			return 0, err
		}
	}

	a.mu.Lock()
	if !CanTransition(a.state, StateReady) {
		state := a.state
		a.mu.Unlock()
		a.release(ctx)
		return 0, errors.InvalidState(errors.PhaseActor, string(a.cfg.ID), "stopped while starting, now "+state.String())
	}
	a.state = StateReady
	a.loopDone = make(chan struct{})
	a.mu.Unlock()

	go a.loop()

	hc = a.hookContext()
	a.hooks.run(ctx, "post_start", hc, func(ctx context.Context) error { return a.cfg.Hooks.PostStart(ctx, hc) })
	a.logger.Info("actor started", zap.Uint64("handle", uint64(h)))
	return h, nil
}

// Stop stops the mailbox, runs _cleanup within StopTimeout and always releases
// the instance. When the timeout passes first the instance is released anyway,
// which interrupts whatever guest code is still running.
func (a *Actor) Stop(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateStopped:
		a.mu.Unlock()
		return nil
	case StateCreating:
		a.state = StateStopped
		a.mu.Unlock()
		return nil
	case StateStopping:
		a.mu.Unlock()
		return errors.InvalidState(errors.PhaseActor, string(a.cfg.ID), "already stopping")
	case StateFailed:
		done := a.loopDone
		a.mu.Unlock()
		a.signalQuit()
		a.release(ctx)
		a.waitLoop(done, a.cfg.StopTimeout)
		return nil
	}
	a.state = StateStopping
	h, ec, done := a.handle, a.ec, a.loopDone
	a.mu.Unlock()

	hc := a.hookContext()
	a.hooks.run(ctx, "pre_stop", hc, func(ctx context.Context) error { return a.cfg.Hooks.PreStop(ctx, hc) })

	a.signalQuit()

	stopCtx, cancel := context.WithTimeout(ctx, a.cfg.StopTimeout)
	defer cancel()

	forced := false
	if done != nil {
		select {
		case <-done:
		case <-stopCtx.Done():
			forced = true
		}
	}
	if !forced && h != 0 && a.cfg.Engine.HasExport(h, ExportCleanup) {
		if _, err := a.cfg.Engine.Invoke(ec.scope(stopCtx, a.checker()), h, ExportCleanup, nil); err != nil {
			a.logger.Warn("cleanup failed", zap.Error(err))
		}
	}

	err := a.release(ctx)
	if forced {
		a.logger.Warn("stop timed out, instance released", zap.Duration("timeout", a.cfg.StopTimeout))
		a.waitLoop(done, a.cfg.StopTimeout)
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()

	hc = a.hookContext()
	a.hooks.run(ctx, "post_stop", hc, func(ctx context.Context) error { return a.cfg.Hooks.PostStop(ctx, hc) })
	a.logger.Info("actor stopped")
	return err
}

func (a *Actor) signalQuit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

func (a *Actor) waitLoop(done chan struct{}, limit time.Duration) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(limit):
		a.logger.Error("actor goroutine did not exit", zap.Duration("waited", limit))
	}
}

// release frees the engine instance. Safe to call more than once.
func (a *Actor) release(ctx context.Context) error {
	a.mu.Lock()
	h := a.handle
	a.handle = 0
	a.mu.Unlock()
	if h == 0 {
		return nil
	}
	return a.cfg.Engine.Release(context.WithoutCancel(ctx), h)
}

// markFailed moves the actor to Failed and runs OnError. When notify is set
// the failure notifier hears about it too.
func (a *Actor) markFailed(ctx context.Context, err error, notify bool) {
	a.mu.Lock()
	if a.state.Terminal() || a.state == StateStopping {
		a.mu.Unlock()
		return
	}
	a.state = StateFailed
	a.mu.Unlock()

	a.logger.Error("actor failed", zap.Error(err))
	hc := a.hookContext()
	a.hooks.run(ctx, "on_error", hc, func(ctx context.Context) error { return a.cfg.Hooks.OnError(ctx, hc, err) })
	if notify && a.cfg.Notifier != nil {
		a.cfg.Notifier.ActorFailed(a.cfg.ID, err)
	}
}

// isComponentFailure reports whether err means the instance itself failed.
func isComponentFailure(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindExecutionTrap, errors.KindExecutionTimeout, errors.KindResourceExhausted:
		return true
	}
	return false
}

// DefaultDeliverTimeout is how long Deliver waits on a full mailbox by default.
const DefaultDeliverTimeout = time.Second

// Deliver queues msg for the actor goroutine. When the mailbox is full it
// waits up to the deliver timeout and then fails with resource_exhausted.
func (a *Actor) Deliver(ctx context.Context, msg message.Message) error {
	if s := a.State(); s != StateReady {
		return errors.InvalidState(errors.PhaseActor, string(a.cfg.ID), "not accepting messages while "+s.String())
	}
	select {
	case a.inbox <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(a.cfg.DeliverTimeout)
	defer timer.Stop()
	select {
	case a.inbox <- msg:
		return nil
	case <-a.quit:
		return errors.InvalidState(errors.PhaseActor, string(a.cfg.ID), "actor is stopping")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ResourceExhausted(string(a.cfg.ID),
			fmt.Sprintf("mailbox full (%d messages) for %s", a.cfg.MailboxSize, a.cfg.DeliverTimeout))
	}
}

func (a *Actor) loop() {
	a.mu.Lock()
	done := a.loopDone
	a.mu.Unlock()
	defer close(done)

	for {
		select {
		case <-a.quit:
			return
		case msg := <-a.inbox:
			if !a.process(msg) {
				return
			}
		}
	}
}

// process handles one message and reports whether the actor can continue.
func (a *Actor) process(msg message.Message) (ok bool) {
	ctx := context.Background()
	defer func() {
		if p := recover(); p != nil {
			err := errors.New(errors.PhaseActor, errors.KindExecutionTrap).
				Component(string(a.cfg.ID)).
				Detail("panic while handling message %s: %v", msg.ID, p).
				Build()
			a.failed.Add(1)
			a.markFailed(ctx, err, true)
			ok = false
		}
	}()

	if msg.Kind == message.HealthCheck {
		status, _ := a.HealthCheck(ctx)
		if msg.CorrelationID != "" {
			payload, err := codec.EncodeHealth(a.cfg.Codec, status)
			if err != nil {
				a.respond(ctx, msg.Fail(err))
			} else {
				a.respond(ctx, msg.Reply(a.cfg.Codec, payload))
			}
		}
		return true
	}

	out, err := a.Handle(ctx, msg)
	if msg.Kind == message.Request {
		if err != nil {
			a.respond(ctx, msg.Fail(err))
		} else {
			c, payload := a.splitOutput(out)
			a.respond(ctx, msg.Reply(c, payload))
		}
	} else if err != nil {
		a.logger.Debug("message failed", zap.String("message", msg.ID), zap.Stringer("kind", msg.Kind), zap.Error(err))
	}
	return a.State() == StateReady
}

// splitOutput reads a multicodec prefix off guest output, defaulting to the declared codec.
func (a *Actor) splitOutput(out []byte) (codec.Codec, []byte) {
	if c, payload, err := codec.SplitPrefix(out); err == nil {
		return c, payload
	}
	return a.cfg.Codec, out
}

func (a *Actor) respond(ctx context.Context, resp message.Message) {
	if a.cfg.Responder == nil {
		return
	}
	if err := a.cfg.Responder.Respond(ctx, resp); err != nil {
		a.logger.Debug("reply not delivered", zap.String("correlation_id", resp.CorrelationID), zap.Error(err))
	}
}

// Handle checks msg and invokes its target export with the payload behind a
// multicodec prefix. A message from another component is only accepted when
// the sender holds send on component:<this id>.
func (a *Actor) Handle(ctx context.Context, msg message.Message) ([]byte, error) {
	a.mu.Lock()
	state, h, ec := a.state, a.handle, a.ec
	a.mu.Unlock()

	if state != StateReady {
		return nil, errors.InvalidState(errors.PhaseActor, string(a.cfg.ID), "cannot handle messages while "+state.String())
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if len(msg.Payload) > 0 {
		if err := codec.Wellformed(msg.Codec, msg.Payload); err != nil {
			return nil, err
		}
	}

	export := msg.TargetExport()
	if strings.HasPrefix(export, "_") {
		return nil, errors.InvalidInput(errors.PhaseActor, fmt.Sprintf("export %q is not addressable by messages", export))
	}
	if !a.cfg.Engine.HasExport(h, export) {
		return nil, errors.ExportNotFound(string(a.cfg.ID), export)
	}

	if msg.From != "" && msg.From != a.cfg.ID {
		if err := a.checker().Authorize(msg.From, capability.MessagingScope, capability.MessagingResource(a.cfg.ID), capability.PermSend); err != nil {
			a.logger.Warn("message rejected", zap.String("from", string(msg.From)), zap.Error(err))
			return nil, err
		}
	}

	hc := HookContext{Component: a.cfg.ID, State: state}
	a.hooks.run(ctx, "on_message", hc, func(ctx context.Context) error { return a.cfg.Hooks.OnMessage(ctx, hc, msg) })

	var exec ExecutionState
	_ = exec.Begin(a.cfg.Now())
	out, err := a.cfg.Engine.Invoke(ec.scope(ctx, a.checker()), h, export, codec.Prefix(msg.Codec, msg.Payload))
	if err != nil {
		if errors.KindOf(err) == errors.KindExecutionTimeout {
			_ = exec.TimeOut(a.cfg.Now(), err)
		} else {
			_ = exec.Fail(a.cfg.Now(), err)
		}
		a.recordExecution(exec)
		a.failed.Add(1)

		if isComponentFailure(err) {
			a.markFailed(ctx, err, true)
		} else {
			a.hooks.run(ctx, "on_error", hc, func(ctx context.Context) error { return a.cfg.Hooks.OnError(ctx, hc, err) })
		}
		return nil, err
	}
	_ = exec.Complete(a.cfg.Now())
	a.recordExecution(exec)
	a.handled.Add(1)
	return out, nil
}

func (a *Actor) recordExecution(s ExecutionState) {
	a.mu.Lock()
	a.lastExec = s
	a.mu.Unlock()
}

// HealthCheck combines the actor state, engine liveness and the optional
// _health export. A report no codec can decode counts as Unknown.
func (a *Actor) HealthCheck(ctx context.Context) (wasmactors.HealthStatus, error) {
	a.mu.Lock()
	state, h, ec := a.state, a.handle, a.ec
	a.mu.Unlock()

	var status wasmactors.HealthStatus
	switch {
	case state == StateCreating || state == StateStarting:
		status = wasmactors.Degraded("actor is " + state.String())
	case state != StateReady:
		status = wasmactors.Unhealthy("actor is " + state.String())
	case !a.cfg.Engine.Alive(h):
		status = wasmactors.Unhealthy("instance is not running")
	case a.cfg.Engine.HasExport(h, ExportHealth):
		out, err := a.cfg.Engine.Invoke(ec.scope(ctx, a.checker()), h, ExportHealth, nil)
		if err != nil {
			status = wasmactors.Unhealthy(err.Error())
			break
		}
		status, err = codec.DecodeHealth(out, a.cfg.Codec)
		if err != nil {
			a.logger.Warn("undecodable health report", zap.Error(err))
			status = wasmactors.Unknown()
		}
	default:
		status = wasmactors.Healthy()
	}

	a.mu.Lock()
	prev := a.lastHealth
	a.lastHealth = status
	a.mu.Unlock()

	if prev != status {
		hc := HookContext{Component: a.cfg.ID, State: state}
		a.hooks.run(ctx, "on_health_changed", hc, func(ctx context.Context) error {
			return a.cfg.Hooks.OnHealthChanged(ctx, hc, prev, status)
		})
	}
	return status, nil
}
