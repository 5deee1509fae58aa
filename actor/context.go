package actor

import (
	"context"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/engine"
)

// ExecutionContext is what one invocation runs with. It is built per call and never mutated.
type ExecutionContext struct {
	Component    wasmactors.ComponentID
	Limits       engine.Limits
	Capabilities capability.Set
}

// NewExecutionContext binds limits and capabilities to id.
func NewExecutionContext(id wasmactors.ComponentID, limits engine.Limits, caps capability.Set) ExecutionContext {
	return ExecutionContext{Component: id, Limits: limits, Capabilities: caps}
}

// SecurityContext returns the capability view of ec.
func (ec ExecutionContext) SecurityContext() capability.SecurityContext {
	return capability.NewSecurityContext(ec.Component, ec.Capabilities)
}

// scope carries ec's component, and the checker when one is set, into ctx for host calls.
func (ec ExecutionContext) scope(ctx context.Context, checker *capability.Checker) context.Context {
	ctx = capability.WithComponent(ctx, ec.Component)
	if checker != nil {
		ctx = capability.WithChecker(ctx, checker)
	}
	return ctx
}
