// Package registry maps component ids to the addresses of their running actors.
//
// Lookups take a read lock only, so concurrent routing never serializes on the
// registry. Unregister and Replace invalidate the old Address: a message sent
// through a stale copy fails with ComponentNotFound instead of reaching a dead
// or replaced actor.
package registry
