package actor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/message"
)

// HookContext describes the actor a hook runs for.
type HookContext struct {
	Component wasmactors.ComponentID
	State     State
}

// Hooks observe an actor's lifecycle. Errors, panics and timeouts in hooks
// are logged and never change the outcome of the operation that ran them.
type Hooks interface {
	PreStart(ctx context.Context, hc HookContext) error
	PostStart(ctx context.Context, hc HookContext) error
	PreStop(ctx context.Context, hc HookContext) error
	PostStop(ctx context.Context, hc HookContext) error
	OnMessage(ctx context.Context, hc HookContext, msg message.Message) error
	OnError(ctx context.Context, hc HookContext, err error) error
	OnHealthChanged(ctx context.Context, hc HookContext, from, to wasmactors.HealthStatus) error
}

// NoopHooks implements Hooks with no-ops. Embed it to override a subset.
type NoopHooks struct{}

func (NoopHooks) PreStart(context.Context, HookContext) error                   { return nil }
func (NoopHooks) PostStart(context.Context, HookContext) error                  { return nil }
func (NoopHooks) PreStop(context.Context, HookContext) error                    { return nil }
func (NoopHooks) PostStop(context.Context, HookContext) error                   { return nil }
func (NoopHooks) OnMessage(context.Context, HookContext, message.Message) error { return nil }
func (NoopHooks) OnError(context.Context, HookContext, error) error             { return nil }
func (NoopHooks) OnHealthChanged(context.Context, HookContext, wasmactors.HealthStatus, wasmactors.HealthStatus) error {
	return nil
}

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = time.Second

// hookRunner calls hooks with panic recovery and a timeout.
type hookRunner struct {
	hooks   Hooks
	timeout time.Duration
	logger  *zap.Logger
}

// run calls fn and waits at most timeout for it. A hook that overruns keeps
// running in the background with a cancelled context.
func (r hookRunner) run(ctx context.Context, name string, hc HookContext, fn func(ctx context.Context) error) {
	if r.hooks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("hook panicked: %v", p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("lifecycle hook failed",
				zap.String("component", string(hc.Component)),
				zap.String("hook", name),
				zap.Error(err),
			)
		}
	case <-ctx.Done():
		r.logger.Warn("lifecycle hook timed out",
			zap.String("component", string(hc.Component)),
			zap.String("hook", name),
			zap.Duration("timeout", r.timeout),
		)
	}
}
