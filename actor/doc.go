// Package actor hosts one WebAssembly component instance per actor.
//
// An Actor is both the lifecycle surface the supervisor drives (Start, Stop,
// HealthCheck) and the message surface the router delivers to (Deliver,
// Handle). Each actor owns a goroutine that drains its mailbox, so guest
// calls for one instance never overlap.
//
// States move Creating -> Starting -> Ready -> Stopping -> Stopped, and any
// non-final state may move to Failed. A restart builds a new Actor.
//
// A trap, timeout or exhausted limit while handling a message fails the actor
// and is reported to the FailureNotifier. Denied senders, unknown exports and
// malformed payloads are returned to the caller and leave the actor running.
package actor
