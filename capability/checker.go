package capability

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/audit"
	"github.com/wippyai/wasm-actors/errors"
)

type indexKey struct {
	scope Scope
	perm  Permission
}

// index is the per-component lookup structure built at registration.
type index struct {
	ctx   SecurityContext
	exact map[indexKey]map[string]struct{}
	globs map[indexKey][]string
}

func buildIndex(sc SecurityContext) *index {
	ix := &index{
		ctx:   sc,
		exact: make(map[indexKey]map[string]struct{}),
		globs: make(map[indexKey][]string),
	}
	for _, c := range sc.Capabilities.entries {
		for _, perm := range c.Permissions {
			k := indexKey{scope: c.Scope(), perm: perm}
			for _, p := range c.Patterns {
				if isLiteral(p) {
					set := ix.exact[k]
					if set == nil {
						set = make(map[string]struct{})
						ix.exact[k] = set
					}
					set[canonical(c.Domain, p)] = struct{}{}
					continue
				}
				ix.globs[k] = append(ix.globs[k], p)
			}
		}
	}
	return ix
}

func (ix *index) check(scope Scope, resource string, perm Permission) Decision {
	k := indexKey{scope: scope, perm: perm}
	if _, ok := ix.exact[k][canonical(scope.Domain, resource)]; ok {
		return allow()
	}
	for _, g := range ix.globs[k] {
		if Match(scope.Domain, g, resource) {
			return allow()
		}
	}
	if len(ix.exact[k]) == 0 && len(ix.globs[k]) == 0 {
		return deny("permission %q not declared for %s", perm, scope)
	}
	return deny("no declared pattern for %q in %s matches %q", perm, scope, resource)
}

// CheckerStats are cumulative decision counters.
type CheckerStats struct {
	Checks  uint64
	Allowed uint64
	Denied  uint64
}

// Checker holds the security context of every registered component and
// answers permission checks against it.
type Checker struct {
	mu         sync.RWMutex
	components map[wasmactors.ComponentID]*index
	audit      audit.Emitter
	logger     *zap.Logger

	checks  atomic.Uint64
	allowed atomic.Uint64
	denied  atomic.Uint64
}

// CheckerOption configures a Checker
type CheckerOption func(*Checker)

// WithAudit routes every decision to e.
func WithAudit(e audit.Emitter) CheckerOption {
	return func(c *Checker) { c.audit = e }
}

// WithCheckerLogger sets the checker's logger.
func WithCheckerLogger(l *zap.Logger) CheckerOption {
	return func(c *Checker) { c.logger = l }
}

// NewChecker creates an empty checker. Without WithAudit decisions are not audited.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		components: make(map[wasmactors.ComponentID]*index),
		audit:      audit.Discard{},
		logger:     Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register installs or replaces the security context for sc.Component.
func (c *Checker) Register(sc SecurityContext) error {
	if sc.Component == "" {
		return errors.InvalidInput(errors.PhaseCapability, "empty component id")
	}
	ix := buildIndex(sc)

	c.mu.Lock()
	c.components[sc.Component] = ix
	c.mu.Unlock()

	c.logger.Debug("capabilities registered",
		zap.String("component", sc.Component.String()),
		zap.Int("capabilities", sc.Capabilities.Len()),
	)
	return nil
}

// Unregister removes id. Removing an unknown id is a no-op.
func (c *Checker) Unregister(id wasmactors.ComponentID) {
	c.mu.Lock()
	delete(c.components, id)
	c.mu.Unlock()
}

// Count returns the number of registered components.
func (c *Checker) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.components)
}

// Context returns the registered security context for id.
func (c *Checker) Context(id wasmactors.ComponentID) (SecurityContext, bool) {
	c.mu.RLock()
	ix, ok := c.components[id]
	c.mu.RUnlock()
	if !ok {
		return SecurityContext{}, false
	}
	return ix.ctx, true
}

// Check decides whether id may perform perm on resource in scope and audits the decision.
func (c *Checker) Check(id wasmactors.ComponentID, scope Scope, resource string, perm Permission) Decision {
	c.mu.RLock()
	ix, ok := c.components[id]
	c.mu.RUnlock()

	var d Decision
	switch {
	case !ok:
		d = deny("component %q not registered", id)
	case ix.ctx.Capabilities.IsEmpty():
		d = deny("component %q has no capabilities declared", id)
	default:
		d = ix.check(scope, resource, perm)
	}

	c.checks.Add(1)
	rec := audit.Record{
		Component:  string(id),
		Domain:     scope.String(),
		Resource:   resource,
		Permission: string(perm),
		Decision:   audit.Allowed,
	}
	if d.Allowed {
		c.allowed.Add(1)
	} else {
		c.denied.Add(1)
		rec.Decision = audit.Denied
		rec.Reason = d.Reason
	}
	c.audit.Emit(rec)

	return d
}

// Authorize is Check returning a typed CapabilityDenied error on denial.
func (c *Checker) Authorize(id wasmactors.ComponentID, scope Scope, resource string, perm Permission) error {
	d := c.Check(id, scope, resource, perm)
	if d.Allowed {
		return nil
	}
	return errors.CapabilityDenied(string(id), resource, string(perm), d.Reason)
}

// Stats returns a snapshot of the decision counters.
func (c *Checker) Stats() CheckerStats {
	return CheckerStats{
		Checks:  c.checks.Load(),
		Allowed: c.allowed.Load(),
		Denied:  c.denied.Load(),
	}
}

type componentKey struct{}

type checkerKey struct{}

// WithComponent scopes ctx to the component whose host calls it carries.
func WithComponent(ctx context.Context, id wasmactors.ComponentID) context.Context {
	return context.WithValue(ctx, componentKey{}, id)
}

// ComponentFrom returns the component ctx was scoped to.
func ComponentFrom(ctx context.Context) (wasmactors.ComponentID, bool) {
	id, ok := ctx.Value(componentKey{}).(wasmactors.ComponentID)
	return id, ok && id != ""
}

// WithChecker makes Require use c instead of the process default.
func WithChecker(ctx context.Context, c *Checker) context.Context {
	return context.WithValue(ctx, checkerKey{}, c)
}

func checkerFrom(ctx context.Context) *Checker {
	if c, ok := ctx.Value(checkerKey{}).(*Checker); ok && c != nil {
		return c
	}
	return Default()
}

// Require checks perm on resource in scope for the component carried by ctx.
// A ctx without a component is denied.
func Require(ctx context.Context, scope Scope, resource string, perm Permission) error {
	id, ok := ComponentFrom(ctx)
	if !ok {
		return errors.CapabilityDenied("", resource, string(perm), "no component in calling context")
	}
	return checkerFrom(ctx).Authorize(id, scope, resource, perm)
}

var (
	defaultMu      sync.RWMutex
	defaultChecker = NewChecker()
)

// Default returns the process-wide checker.
func Default() *Checker {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultChecker
}

// SetDefault replaces the process-wide checker and returns the previous one.
func SetDefault(c *Checker) *Checker {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultChecker
	defaultChecker = c
	return prev
}
