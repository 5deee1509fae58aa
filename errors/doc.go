// Package errors provides structured error types for the wasm-actors module.
//
// Errors are categorized by Phase (which subsystem raised it) and Kind (error category).
// The Error type carries the component, resource and permission involved so that a
// denial always says what was requested and why it was refused.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseHost, errors.KindIO).
//		Component("billing").
//		Resource("/app/data/ledger.json").
//		Detail("open failed").
//		Cause(ioErr).
//		Build()
//
// Or use convenience constructors for the taxonomy:
//
//	err := errors.CapabilityDenied("billing", "/etc/passwd", "read", "no pattern matches")
//	err := errors.TargetNotFound("inventory")
//
// Kind-only sentinels work with the standard library:
//
//	if errors.Is(err, errors.ErrCapabilityDenied) { ... }
package errors
