package hostfn

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/engine"
	werrors "github.com/wippyai/wasm-actors/errors"
)

// ModuleName is the import module guests use for host functions.
const ModuleName = "host"

// Host bundles the wrappers exported to guests. Nil members make the
// matching functions return StatusUnavailable.
type Host struct {
	FS        *Filesystem
	Net       *Network
	Store     *Storage
	Messaging *Messaging
	Logger    *zap.Logger
}

// Install instantiates the host module on e. Call it once, before loading guests.
func (h *Host) Install(ctx context.Context, e *engine.WazeroEngine) error {
	return e.InstantiateHostModule(ctx, ModuleName, h.Functions())
}

func (h *Host) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return Logger()
}

// Functions returns the host module exports:
//
//	fs_read(path) fs_write(path, data) fs_delete(path) fs_list(dir)
//	net_send(endpoint, data)
//	kv_get(resource) kv_set(resource, value) kv_delete(resource) kv_list(ns)
//	send(target, payload)
//
// List results are JSON arrays of strings.
func (h *Host) Functions() []engine.HostFunction {
	return []engine.HostFunction{
		h.unary("fs_read", func(ctx context.Context, p []byte) ([]byte, error) {
			if h.FS == nil {
				return nil, unavailable("filesystem")
			}
			return h.FS.Read(ctx, string(p))
		}),
		h.binary("fs_write", func(ctx context.Context, p, data []byte) ([]byte, error) {
			if h.FS == nil {
				return nil, unavailable("filesystem")
			}
			return nil, h.FS.Write(ctx, string(p), data)
		}),
		h.unary("fs_delete", func(ctx context.Context, p []byte) ([]byte, error) {
			if h.FS == nil {
				return nil, unavailable("filesystem")
			}
			return nil, h.FS.Delete(ctx, string(p))
		}),
		h.unary("fs_list", func(ctx context.Context, p []byte) ([]byte, error) {
			if h.FS == nil {
				return nil, unavailable("filesystem")
			}
			return jsonList(h.FS.List(ctx, string(p)))
		}),
		h.binary("net_send", func(ctx context.Context, endpoint, data []byte) ([]byte, error) {
			if h.Net == nil {
				return nil, unavailable("network")
			}
			return h.Net.Send(ctx, string(endpoint), data)
		}),
		h.unary("kv_get", func(ctx context.Context, res []byte) ([]byte, error) {
			if h.Store == nil {
				return nil, unavailable("storage")
			}
			return h.Store.Get(ctx, string(res))
		}),
		h.binary("kv_set", func(ctx context.Context, res, value []byte) ([]byte, error) {
			if h.Store == nil {
				return nil, unavailable("storage")
			}
			return nil, h.Store.Set(ctx, string(res), value)
		}),
		h.unary("kv_delete", func(ctx context.Context, res []byte) ([]byte, error) {
			if h.Store == nil {
				return nil, unavailable("storage")
			}
			return nil, h.Store.Delete(ctx, string(res))
		}),
		h.unary("kv_list", func(ctx context.Context, ns []byte) ([]byte, error) {
			if h.Store == nil {
				return nil, unavailable("storage")
			}
			return jsonList(h.Store.List(ctx, string(ns)))
		}),
		h.binary("send", func(ctx context.Context, target, payload []byte) ([]byte, error) {
			if h.Messaging == nil {
				return nil, unavailable("messaging")
			}
			return nil, h.Messaging.Send(ctx, wasmactors.ComponentID(target), payload)
		}),
	}
}

func jsonList(items []string, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func (h *Host) unary(name string, fn func(context.Context, []byte) ([]byte, error)) engine.HostFunction {
	return engine.HostFunction{
		Name:    name,
		Params:  []api.ValueType{i32, i32},
		Results: []api.ValueType{i64},
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) {
			a, err := engine.ReadBytes(mod, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				stack[0] = h.fail(ctx, name, werrors.Wrap(werrors.PhaseHost, werrors.KindInvalidInput, err, "read argument"))
				return
			}
			out, err := fn(ctx, a)
			stack[0] = h.finish(ctx, mod, name, out, err)
		},
	}
}

func (h *Host) binary(name string, fn func(context.Context, []byte, []byte) ([]byte, error)) engine.HostFunction {
	return engine.HostFunction{
		Name:    name,
		Params:  []api.ValueType{i32, i32, i32, i32},
		Results: []api.ValueType{i64},
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) {
			a, err := engine.ReadBytes(mod, uint32(stack[0]), uint32(stack[1]))
			if err == nil {
				var b []byte
				if b, err = engine.ReadBytes(mod, uint32(stack[2]), uint32(stack[3])); err == nil {
					out, callErr := fn(ctx, a, b)
					stack[0] = h.finish(ctx, mod, name, out, callErr)
					return
				}
			}
			stack[0] = h.fail(ctx, name, werrors.Wrap(werrors.PhaseHost, werrors.KindInvalidInput, err, "read argument"))
		},
	}
}

// finish copies out into guest memory and packs its location.
func (h *Host) finish(ctx context.Context, mod api.Module, name string, out []byte, err error) uint64 {
	if err != nil {
		return h.fail(ctx, name, err)
	}
	ptr, n, err := engine.WriteBytes(ctx, mod, out)
	if err != nil {
		return h.fail(ctx, name, werrors.Wrap(werrors.PhaseHost, werrors.KindResourceExhausted, err, "write result"))
	}
	return engine.Pack(ptr, n)
}

func (h *Host) fail(ctx context.Context, name string, err error) uint64 {
	status := StatusOf(err)
	id, _ := capability.ComponentFrom(ctx)
	h.logger().Debug("host call failed",
		zap.String("component", string(id)),
		zap.String("function", name),
		zap.Stringer("status", status),
		zap.Error(err),
	)
	return uint64(int64(status))
}
