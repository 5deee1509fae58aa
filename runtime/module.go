package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/actor"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/engine"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/supervisor"
)

// Spec describes a component to spawn.
type Spec struct {
	ID   wasmactors.ComponentID
	Wasm []byte

	// Manifest declares capabilities and limits. Nil grants nothing.
	Manifest *capability.Manifest

	// Codec is the declared codec. Zero uses the runtime default.
	Codec codec.Codec
	Hooks actor.Hooks

	// Supervision overrides the runtime default supervision config.
	Supervision *supervisor.Config
	Parent      wasmactors.ComponentID

	// Topics are subscribed on spawn.
	Topics []string
}

// component is a validated Spec. It outlives the actors started from it.
type component struct {
	spec   Spec
	caps   capability.Set
	limits engine.Limits
	sup    supervisor.Config
	codec  codec.Codec
}

// LoadSpec reads a component and its manifest from disk. The manifest format
// follows the file extension and the component id is the manifest name.
func LoadSpec(wasmPath, manifestPath string) (Spec, error) {
	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return Spec{}, errors.Wrap(errors.PhaseRuntime, errors.KindIO, err, "read component "+wasmPath)
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return Spec{}, errors.Wrap(errors.PhaseManifest, errors.KindIO, err, "read manifest "+manifestPath)
	}
	m, err := capability.ParseManifest(data, capability.FormatFromPath(manifestPath))
	if err != nil {
		return Spec{}, err
	}
	return Spec{
		ID:       wasmactors.ComponentID(m.Component.Name),
		Wasm:     wasm,
		Manifest: m,
	}, nil
}

// limitsFrom overlays the manifest limits on def.
func limitsFrom(m *capability.Manifest, def engine.Limits) (engine.Limits, error) {
	if m == nil || m.Limits == nil {
		return def, nil
	}
	l := def
	if m.Limits.MemoryBytes > 0 {
		l.MemoryBytes = m.Limits.MemoryBytes
	}
	if m.Limits.ExecutionUnits > 0 {
		l.ExecutionUnits = m.Limits.ExecutionUnits
	}
	d, err := m.Limits.TimeoutDuration()
	if err != nil {
		return engine.Limits{}, err
	}
	if d > 0 {
		l.Timeout = d
	}
	return l, nil
}

func (r *Runtime) compile(spec Spec) (*component, error) {
	if spec.ID == "" {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "empty component id")
	}
	if len(spec.Wasm) == 0 {
		return nil, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("component %s has no code", spec.ID))
	}

	c := &component{spec: spec, codec: spec.Codec, sup: *r.opts.Supervision}
	if !c.codec.Valid() {
		c.codec = r.opts.Codec
	}
	if spec.Supervision != nil {
		c.sup = *spec.Supervision
	}
	if spec.Manifest != nil {
		if err := spec.Manifest.Validate(); err != nil {
			return nil, err
		}
		caps, err := spec.Manifest.CapabilitySet()
		if err != nil {
			return nil, err
		}
		c.caps = caps
	}
	limits, err := limitsFrom(spec.Manifest, r.opts.Limits)
	if err != nil {
		return nil, err
	}
	c.limits = limits
	return c, nil
}

// Spawn registers the component's capabilities, places it under supervision
// and starts it. A start failure goes through the restart policy; when that
// gives up the component stays spawned in the failed state and the error is
// returned.
func (r *Runtime) Spawn(ctx context.Context, spec Spec) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	c, err := r.compile(spec)
	if err != nil {
		return err
	}
	id := spec.ID

	r.mu.Lock()
	if _, ok := r.specs[id]; ok {
		r.mu.Unlock()
		return errors.AlreadyExists(errors.PhaseRuntime, string(id))
	}
	r.specs[id] = c
	r.mu.Unlock()

	if err := r.checker.Register(capability.NewSecurityContext(id, c.caps)); err != nil {
		r.forget(id)
		return err
	}
	if err := r.sup.Supervise(id, c.sup); err != nil {
		r.checker.Unregister(id)
		r.forget(id)
		return err
	}
	if spec.Parent != "" {
		if err := r.sup.SetParent(id, spec.Parent); err != nil {
			r.unwind(id)
			return err
		}
	}
	for _, topic := range spec.Topics {
		if _, err := r.router.Subscribe(id, topic); err != nil {
			r.unwind(id)
			return err
		}
	}

	r.logger.Info("component spawned",
		zap.String("component", string(id)),
		zap.Int("capabilities", c.caps.Len()),
		zap.Stringer("codec", c.codec),
		zap.Stringer("policy", c.sup.Policy),
	)
	return r.sup.Start(ctx, id)
}

// Remove stops id and forgets everything about it.
func (r *Runtime) Remove(ctx context.Context, id wasmactors.ComponentID) error {
	r.mu.RLock()
	_, ok := r.specs[id]
	r.mu.RUnlock()
	if !ok {
		return errors.ComponentNotFound(errors.PhaseRuntime, string(id))
	}

	err := r.sup.Stop(ctx, id)
	if stderrors.Is(err, errors.ErrComponentNotFound) {
		err = nil
	}
	r.unwind(id)
	r.logger.Info("component removed", zap.String("component", string(id)))
	return err
}

func (r *Runtime) unwind(id wasmactors.ComponentID) {
	r.sup.Unsupervise(id)
	r.router.UnsubscribeAll(id)
	r.checker.Unregister(id)
	r.registry.Unregister(id)
	r.forget(id)
}

func (r *Runtime) forget(id wasmactors.ComponentID) {
	r.mu.Lock()
	delete(r.specs, id)
	delete(r.actors, id)
	r.mu.Unlock()
}

func (r *Runtime) lookup(id wasmactors.ComponentID) (*component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.specs[id]
	if !ok {
		return nil, errors.ComponentNotFound(errors.PhaseRuntime, string(id))
	}
	return c, nil
}
