package hostfn

import (
	"context"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/capability"
	werrors "github.com/wippyai/wasm-actors/errors"
)

// Sender delivers a one-way payload between components.
type Sender interface {
	Send(ctx context.Context, from, to wasmactors.ComponentID, payload []byte) error
}

// Messaging lets a component message another component.
type Messaging struct {
	Sender Sender
}

// Send delivers payload to target as the component carried by ctx.
func (m *Messaging) Send(ctx context.Context, target wasmactors.ComponentID, payload []byte) error {
	if target == "" {
		return werrors.InvalidInput(werrors.PhaseHost, "empty target component")
	}
	if err := capability.Require(ctx, capability.MessagingScope, capability.MessagingResource(target), capability.PermSend); err != nil {
		return err
	}
	if m.Sender == nil {
		return unavailable("messaging")
	}
	return m.Sender.Send(ctx, caller(ctx), target, payload)
}
