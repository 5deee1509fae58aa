// Package engine runs guest WebAssembly modules on wazero behind opaque handles.
//
// Each Load compiles and instantiates one module and returns a Handle. A
// handle packs a slot index and a generation, so a handle kept after Release
// never reaches the instance that later takes the same slot.
//
// # Byte ABI
//
// Guests exchange bytes with the host through linear memory:
//
//	handle(ptr i32, len i32) -> i64   message in, packed response out
//	_health() -> i64                  packed health report
//	_start(), _cleanup()              lifecycle hooks
//
// A packed result is ptr<<32 | len. Input is copied into memory obtained from
// the guest's cabi_realloc, alloc or allocate export.
//
// # Limits
//
// Limits.Timeout bounds one call and Limits.ExecutionUnits bounds the total
// guest time in microseconds. Both become the call deadline. A call that runs
// past its deadline is interrupted, reported as an execution timeout, and the
// instance is dead from then on. Limits.MemoryBytes is checked after
// instantiation and after every call.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use. Calls on one handle are serialized.
package engine
