// Package runtime hosts supervised WebAssembly components.
//
// A Runtime owns one engine, the capability checker, the registry, the router
// and the supervisor, and wires them together. Spawn validates a Spec,
// registers its capabilities, places it under supervision and starts an actor
// for it. When the actor traps, times out or exhausts its resources the
// supervisor restarts it with a fresh actor and the registry address is
// swapped so routing follows the new instance.
//
//	rt, err := runtime.New(ctx, runtime.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	err = rt.Spawn(ctx, runtime.Spec{
//	    ID:       "billing",
//	    Wasm:     wasmBytes,
//	    Manifest: manifest,
//	    Topics:   []string{"orders.*"},
//	})
//
// # Host functions
//
// Components import the "host" module. Filesystem, network, storage and
// messaging calls are checked against the caller's capabilities before they
// touch anything; a denied call returns a negative status to the guest.
// Messages sent from a guest are routed like any other and the receiver checks
// that the sender may message it.
//
// # Health
//
// Run drives periodic health checks. A component whose _health export reports
// unhealthy past the configured threshold is restarted with reason
// health_check_failed.
package runtime
