package errors

import (
	"fmt"
	"strings"
	"time"
)

// Phase indicates which subsystem produced the error
type Phase string

const (
	PhaseCapability Phase = "capability" // permission checks
	PhaseManifest   Phase = "manifest"   // capability declaration parsing
	PhaseEngine     Phase = "engine"     // execution engine
	PhaseActor      Phase = "actor"      // component actor lifecycle and messages
	PhaseSupervisor Phase = "supervisor" // restart policy
	PhaseRegistry   Phase = "registry"   // component registry
	PhaseRouter     Phase = "router"     // message routing
	PhaseAudit      Phase = "audit"      // audit emission
	PhaseHost       Phase = "host"       // host function surface
	PhaseConfig     Phase = "config"     // configuration loading
	PhaseCodec      Phase = "codec"      // payload serialization
	PhaseRuntime    Phase = "runtime"    // component hosting
)

// Kind categorizes the error
type Kind string

const (
	KindCapabilityDenied    Kind = "capability_denied"
	KindComponentNotFound   Kind = "component_not_found"
	KindTargetNotFound      Kind = "target_not_found"
	KindInvalidManifest     Kind = "invalid_manifest"
	KindExecutionTimeout    Kind = "execution_timeout"
	KindExecutionTrap       Kind = "execution_trap"
	KindMaxRestartsExceeded Kind = "max_restarts_exceeded"
	KindAuditSink           Kind = "audit_sink"
	KindLockPoisoned        Kind = "lock_poisoned"
	KindAlreadyExists       Kind = "already_exists"
	KindInvalidInput        Kind = "invalid_input"
	KindNotInitialized      Kind = "not_initialized"
	KindInvalidState        Kind = "invalid_state"
	KindExportNotFound      Kind = "export_not_found"
	KindRateLimited         Kind = "rate_limited"
	KindRequestTimeout      Kind = "request_timeout"
	KindResourceExhausted   Kind = "resource_exhausted"
	KindSerialization       Kind = "serialization"
	KindIO                  Kind = "io"
)

// Error is the structured error type used throughout the module
type Error struct {
	Cause      error
	Phase      Phase
	Kind       Kind
	Component  string
	Resource   string
	Permission string
	Detail     string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Component != "" {
		b.WriteString(" component=")
		b.WriteString(e.Component)
	}
	if e.Resource != "" {
		b.WriteString(" resource=")
		b.WriteString(e.Resource)
	}
	if e.Permission != "" {
		b.WriteString(" permission=")
		b.WriteString(e.Permission)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Sentinels for errors.Is checks that only care about the kind.
var (
	ErrCapabilityDenied    = &Error{Kind: KindCapabilityDenied}
	ErrComponentNotFound   = &Error{Kind: KindComponentNotFound}
	ErrTargetNotFound      = &Error{Kind: KindTargetNotFound}
	ErrInvalidManifest     = &Error{Kind: KindInvalidManifest}
	ErrExecutionTimeout    = &Error{Kind: KindExecutionTimeout}
	ErrExecutionTrap       = &Error{Kind: KindExecutionTrap}
	ErrMaxRestartsExceeded = &Error{Kind: KindMaxRestartsExceeded}
	ErrAuditSink           = &Error{Kind: KindAuditSink}
	ErrLockPoisoned        = &Error{Kind: KindLockPoisoned}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrRequestTimeout      = &Error{Kind: KindRequestTimeout}
	ErrExportNotFound      = &Error{Kind: KindExportNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrResourceExhausted   = &Error{Kind: KindResourceExhausted}
	ErrSerialization       = &Error{Kind: KindSerialization}
	ErrNotInitialized      = &Error{Kind: KindNotInitialized}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Component sets the component identity
func (b *Builder) Component(id string) *Builder {
	b.err.Component = id
	return b
}

// Resource sets the requested resource
func (b *Builder) Resource(r string) *Builder {
	b.err.Resource = r
	return b
}

// Permission sets the requested permission
func (b *Builder) Permission(p string) *Builder {
	b.err.Permission = p
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the taxonomy

// CapabilityDenied reports a refused permission with the reason it was refused
func CapabilityDenied(component, resource, permission, reason string) *Error {
	return &Error{
		Phase:      PhaseCapability,
		Kind:       KindCapabilityDenied,
		Component:  component,
		Resource:   resource,
		Permission: permission,
		Detail:     reason,
	}
}

// ComponentNotFound creates a lookup miss error
func ComponentNotFound(phase Phase, component string) *Error {
	return &Error{
		Phase:     phase,
		Kind:      KindComponentNotFound,
		Component: component,
		Detail:    fmt.Sprintf("component %q not found", component),
	}
}

// TargetNotFound creates a routing miss error
func TargetNotFound(target string) *Error {
	return &Error{
		Phase:     PhaseRouter,
		Kind:      KindTargetNotFound,
		Component: target,
		Detail:    fmt.Sprintf("no route to component %q", target),
	}
}

// InvalidManifest creates a manifest validation error
func InvalidManifest(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseManifest,
		Kind:   KindInvalidManifest,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// ExecutionTimeout creates a timeout error for an invocation
func ExecutionTimeout(component, export string, after time.Duration) *Error {
	return &Error{
		Phase:     PhaseActor,
		Kind:      KindExecutionTimeout,
		Component: component,
		Detail:    fmt.Sprintf("%s did not complete within %s", export, after),
	}
}

// ExecutionTrap converts a guest trap into a component failure
func ExecutionTrap(component, export string, cause error) *Error {
	return &Error{
		Phase:     PhaseActor,
		Kind:      KindExecutionTrap,
		Component: component,
		Detail:    fmt.Sprintf("%s trapped", export),
		Cause:     cause,
	}
}

// MaxRestartsExceeded marks a component as permanently failed
func MaxRestartsExceeded(component, reason string) *Error {
	return &Error{
		Phase:     PhaseSupervisor,
		Kind:      KindMaxRestartsExceeded,
		Component: component,
		Detail:    reason,
	}
}

// AuditSink wraps a sink write failure. Never returned to callers of a check.
func AuditSink(cause error) *Error {
	return &Error{
		Phase:  PhaseAudit,
		Kind:   KindAuditSink,
		Detail: "write audit record",
		Cause:  cause,
	}
}

// LockPoisoned reports an internal invariant violation, e.g. a panic while a lock was held
func LockPoisoned(phase Phase, what string, recovered any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindLockPoisoned,
		Detail: fmt.Sprintf("%s: panic while holding lock: %v", what, recovered),
	}
}

// AlreadyExists creates a duplicate registration error
func AlreadyExists(phase Phase, component string) *Error {
	return &Error{
		Phase:     phase,
		Kind:      KindAlreadyExists,
		Component: component,
		Detail:    fmt.Sprintf("component %q already registered", component),
	}
}

// NotInitialized creates a not-initialized error for missing handles or instances
func NotInitialized(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", what),
	}
}

// InvalidState reports an operation attempted in the wrong lifecycle state
func InvalidState(phase Phase, component, detail string) *Error {
	return &Error{
		Phase:     phase,
		Kind:      KindInvalidState,
		Component: component,
		Detail:    detail,
	}
}

// ExportNotFound creates a missing guest export error
func ExportNotFound(component, export string) *Error {
	return &Error{
		Phase:     PhaseEngine,
		Kind:      KindExportNotFound,
		Component: component,
		Detail:    fmt.Sprintf("export %q not found", export),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// RateLimited reports a sender exceeding its message budget
func RateLimited(component string) *Error {
	return &Error{
		Phase:     PhaseRouter,
		Kind:      KindRateLimited,
		Component: component,
		Detail:    "message rate limit exceeded",
	}
}

// RequestTimeout reports a request whose response never arrived
func RequestTimeout(target, correlationID string, after time.Duration) *Error {
	return &Error{
		Phase:     PhaseRouter,
		Kind:      KindRequestTimeout,
		Component: target,
		Detail:    fmt.Sprintf("no response for %s within %s", correlationID, after),
	}
}

// ResourceExhausted reports a limit from the execution context being exceeded
func ResourceExhausted(component, detail string) *Error {
	return &Error{
		Phase:     PhaseActor,
		Kind:      KindResourceExhausted,
		Component: component,
		Detail:    detail,
	}
}

// Serialization wraps a codec failure
func Serialization(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCodec,
		Kind:   KindSerialization,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
