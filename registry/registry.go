package registry

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
)

// Mailbox accepts messages for a running actor.
type Mailbox interface {
	Deliver(ctx context.Context, msg message.Message) error
}

// MailboxFunc adapts a function to Mailbox.
type MailboxFunc func(ctx context.Context, msg message.Message) error

func (f MailboxFunc) Deliver(ctx context.Context, msg message.Message) error { return f(ctx, msg) }

// Address references a running actor's mailbox. Copies share validity:
// once the registry drops the address every copy stops delivering.
type Address struct {
	id      wasmactors.ComponentID
	mailbox Mailbox
	valid   *atomic.Bool
}

// NewAddress creates a valid address for id.
func NewAddress(id wasmactors.ComponentID, mb Mailbox) Address {
	v := &atomic.Bool{}
	v.Store(true)
	return Address{id: id, mailbox: mb, valid: v}
}

func (a Address) ID() wasmactors.ComponentID { return a.id }

// Valid reports whether the address still reaches a registered actor.
func (a Address) Valid() bool {
	return a.valid != nil && a.valid.Load() && a.mailbox != nil
}

// Send delivers msg to the mailbox.
func (a Address) Send(ctx context.Context, msg message.Message) error {
	if !a.Valid() {
		return errors.ComponentNotFound(errors.PhaseRegistry, string(a.id))
	}
	return a.mailbox.Deliver(ctx, msg)
}

func (a Address) invalidate() {
	if a.valid != nil {
		a.valid.Store(false)
	}
}

type state struct {
	mu      sync.RWMutex
	entries map[wasmactors.ComponentID]Address
	logger  *zap.Logger
}

// Registry maps component ids to addresses. The zero value is not usable;
// copies returned by New share the same table.
type Registry struct {
	s *state
}

// New creates an empty registry.
func New(logger *zap.Logger) Registry {
	if logger == nil {
		logger = Logger()
	}
	return Registry{s: &state{
		entries: make(map[wasmactors.ComponentID]Address),
		logger:  logger,
	}}
}

// Register adds addr under id. An id can only be registered once.
func (r Registry) Register(id wasmactors.ComponentID, addr Address) error {
	if id == "" {
		return errors.InvalidInput(errors.PhaseRegistry, "empty component id")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.entries[id]; ok {
		return errors.AlreadyExists(errors.PhaseRegistry, string(id))
	}
	r.s.entries[id] = addr
	r.s.logger.Debug("component registered", zap.String("component", string(id)))
	return nil
}

// Replace swaps the address of id, invalidating the previous one.
// It registers id when absent.
func (r Registry) Replace(id wasmactors.ComponentID, addr Address) {
	r.s.mu.Lock()
	old, ok := r.s.entries[id]
	r.s.entries[id] = addr
	r.s.mu.Unlock()

	if ok && old.valid != addr.valid {
		old.invalidate()
	}
	r.s.logger.Debug("component address replaced", zap.String("component", string(id)), zap.Bool("existed", ok))
}

// Lookup returns the address of id.
func (r Registry) Lookup(id wasmactors.ComponentID) (Address, error) {
	r.s.mu.RLock()
	addr, ok := r.s.entries[id]
	r.s.mu.RUnlock()
	if !ok {
		return Address{}, errors.ComponentNotFound(errors.PhaseRegistry, string(id))
	}
	return addr, nil
}

// Contains reports whether id is registered.
func (r Registry) Contains(id wasmactors.ComponentID) bool {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.entries[id]
	return ok
}

// Unregister removes id and invalidates its address. Absent ids are ignored.
func (r Registry) Unregister(id wasmactors.ComponentID) {
	r.s.mu.Lock()
	addr, ok := r.s.entries[id]
	delete(r.s.entries, id)
	r.s.mu.Unlock()

	if ok {
		addr.invalidate()
		r.s.logger.Debug("component unregistered", zap.String("component", string(id)))
	}
}

// Count returns the number of registered components.
func (r Registry) Count() int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.entries)
}

// IDs returns registered ids in sorted order.
func (r Registry) IDs() []wasmactors.ComponentID {
	r.s.mu.RLock()
	ids := make([]wasmactors.ComponentID, 0, len(r.s.entries))
	for id := range r.s.entries {
		ids = append(ids, id)
	}
	r.s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
