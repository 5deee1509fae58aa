package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/hostfn"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/router"
	"github.com/wippyai/wasm-actors/supervisor"
)

// newHost wires the host function wrappers to the runtime's resources.
func (r *Runtime) newHost() *hostfn.Host {
	h := &hostfn.Host{
		Net:       r.opts.Network,
		Store:     r.storage,
		Messaging: &hostfn.Messaging{Sender: r},
		Logger:    r.logger.Named("host"),
	}
	if r.opts.FSRoot != "" {
		h.FS = &hostfn.Filesystem{Root: r.opts.FSRoot}
	}
	return h
}

func (r *Runtime) installHost(ctx context.Context) error {
	fns := append(r.host.Functions(), r.opts.HostFunctions...)
	return r.engine.InstantiateHostModule(ctx, hostfn.ModuleName, fns)
}

// Send delivers a component's outgoing message. A multicodec prefix on
// payload names its codec; otherwise the sender's declared codec applies.
func (r *Runtime) Send(ctx context.Context, from, to wasmactors.ComponentID, payload []byte) error {
	c := r.opts.Codec
	if comp, err := r.lookup(from); err == nil {
		c = comp.codec
	}
	if pc, body, err := codec.SplitPrefix(payload); err == nil {
		c, payload = pc, body
	}
	return r.router.Route(ctx, from, to, message.New(message.FireAndForget, from, to, c, payload))
}

// Deliver routes msg to msg.To. An empty From marks a host-originated message.
func (r *Runtime) Deliver(ctx context.Context, msg message.Message) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if msg.To == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "message has no target")
	}
	return r.router.Route(ctx, msg.From, msg.To, msg)
}

// Request sends msg to msg.To and waits up to timeout for the reply.
// An error reply is returned as the response together with an error of the
// same kind the handler failed with.
func (r *Runtime) Request(ctx context.Context, msg message.Message, timeout time.Duration) (message.Message, error) {
	if err := r.checkOpen(); err != nil {
		return message.Message{}, err
	}
	if msg.To == "" {
		return message.Message{}, errors.InvalidInput(errors.PhaseRuntime, "request has no target")
	}
	resp, err := r.router.Request(ctx, msg.From, msg.To, msg, timeout)
	if err != nil {
		return message.Message{}, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// Publish delivers msg to every subscriber of msg.Topic.
func (r *Runtime) Publish(ctx context.Context, msg message.Message) (router.PublishResult, error) {
	if err := r.checkOpen(); err != nil {
		return router.PublishResult{}, err
	}
	return r.router.Publish(ctx, msg.From, msg.Topic, msg)
}

// Subscribe subscribes a spawned component to topics matching pattern.
func (r *Runtime) Subscribe(id wasmactors.ComponentID, pattern string) (uuid.UUID, error) {
	if _, err := r.lookup(id); err != nil {
		return uuid.Nil, err
	}
	sub, err := r.router.Subscribe(id, pattern)
	if err != nil {
		return uuid.Nil, err
	}
	return sub.ID, nil
}

// Restart restarts id regardless of its policy.
func (r *Runtime) Restart(ctx context.Context, id wasmactors.ComponentID) (supervisor.Decision, error) {
	return r.sup.ManualRestart(ctx, id)
}
