package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/actor"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/registry"
	"github.com/wippyai/wasm-actors/supervisor"
)

// newActor builds an actor for c. Failures of that exact actor are handed to
// the supervisor; failures of an actor that was already replaced are dropped.
func (r *Runtime) newActor(c *component) (*actor.Actor, error) {
	var a *actor.Actor
	cfg := actor.Config{
		ID:             c.spec.ID,
		Wasm:           c.spec.Wasm,
		Engine:         r.engine,
		Checker:        r.checker,
		Codec:          c.codec,
		Hooks:          c.spec.Hooks,
		HookTimeout:    r.opts.HookTimeout,
		Responder:      r.router,
		MailboxSize:    r.opts.MailboxSize,
		DeliverTimeout: r.opts.DeliverTimeout,
		StartTimeout:   c.sup.StartupTimeout,
		StopTimeout:    c.sup.ShutdownTimeout,
		Logger:         r.logger.Named("actor"),
		Notifier: actor.FailureFunc(func(_ wasmactors.ComponentID, err error) {
			r.actorFailed(a, err)
		}),
	}
	var err error
	a, err = actor.New(cfg)
	return a, err
}

// bridge carries out supervision decisions on the runtime's actors.
type bridge struct{ r *Runtime }

var _ supervisor.Bridge = bridge{}

// Start creates a fresh actor for id, starts it and publishes its address.
func (b bridge) Start(ctx context.Context, id wasmactors.ComponentID) error {
	r := b.r
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	a, err := r.newActor(c)
	if err != nil {
		return err
	}
	if _, err := a.Start(ctx, actor.NewExecutionContext(id, c.limits, c.caps)); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.specs[id]; !ok {
		r.mu.Unlock()
		_ = a.Stop(ctx)
		return errors.ComponentNotFound(errors.PhaseRuntime, string(id))
	}
	old := r.actors[id]
	r.actors[id] = a
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("replacing a live actor", zap.String("component", string(id)))
		_ = old.Stop(ctx)
	}
	// Replace registers on first start and swaps the address on restarts,
	// invalidating the one held by anyone routing to the old actor.
	r.registry.Replace(id, registry.NewAddress(id, a))
	return nil
}

// Restart stops the current actor of id, if any, and starts a new one.
func (b bridge) Restart(ctx context.Context, id wasmactors.ComponentID) error {
	r := b.r
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := r.stopActor(ctx, id, c.sup.ShutdownTimeout); err != nil {
		r.logger.Warn("stopping actor for restart failed", zap.String("component", string(id)), zap.Error(err))
	}
	return b.Start(ctx, id)
}

// Stop stops the actor of id and withdraws its address. Stopping a component
// without a running actor is a no-op.
func (b bridge) Stop(ctx context.Context, id wasmactors.ComponentID, timeout time.Duration) error {
	return b.r.stopActor(ctx, id, timeout)
}

func (r *Runtime) stopActor(ctx context.Context, id wasmactors.ComponentID, timeout time.Duration) error {
	r.mu.Lock()
	a, ok := r.actors[id]
	delete(r.actors, id)
	r.mu.Unlock()

	r.registry.Unregister(id)
	if !ok {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return a.Stop(ctx)
}

func (b bridge) HealthCheck(ctx context.Context, id wasmactors.ComponentID) (wasmactors.HealthStatus, error) {
	return b.r.Health(ctx, id)
}

// Health asks the running actor of id for its health without involving the supervisor.
func (r *Runtime) Health(ctx context.Context, id wasmactors.ComponentID) (wasmactors.HealthStatus, error) {
	a, ok := r.Actor(id)
	if !ok {
		return wasmactors.Unhealthy("no running actor"), errors.ComponentNotFound(errors.PhaseRuntime, string(id))
	}
	return a.HealthCheck(ctx)
}

// actorFailed runs the supervisor's failure handling in the background.
// The notifying actor goroutine must not block on the restart it causes.
func (r *Runtime) actorFailed(a *actor.Actor, cause error) {
	id := a.ID()
	reason := supervisor.ReasonComponentFailure
	if errors.KindOf(cause) == errors.KindExecutionTimeout {
		reason = supervisor.ReasonTimeout
	}

	r.mu.Lock()
	if r.actors[id] != a || r.ctx.Err() != nil {
		r.mu.Unlock()
		r.logger.Debug("dropping failure of a replaced actor", zap.String("component", string(id)), zap.Error(cause))
		return
	}
	r.failures.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.failures.Done()
		d, err := r.sup.HandleFailure(r.ctx, id, reason, cause)
		if err != nil {
			r.logger.Error("failure handling ended without a restart",
				zap.String("component", string(id)),
				zap.Stringer("action", d.Action),
				zap.Error(err),
			)
			return
		}
		r.logger.Info("component failure handled",
			zap.String("component", string(id)),
			zap.Stringer("reason", reason),
			zap.Stringer("action", d.Action),
			zap.Uint32("attempt", d.Attempt),
			zap.Duration("delay", d.Delay),
		)
	}()
}
