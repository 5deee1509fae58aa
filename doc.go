// Package wasmactors hosts WebAssembly components inside supervised actors with
// capability-based security.
//
// Each component instance runs in its own actor goroutine. A supervisor restarts
// failed actors according to a policy, with exponential backoff and a sliding
// restart window. Every privileged host operation a component attempts is checked
// against the capabilities declared in its manifest, and every decision is audited.
// Components talk to each other through a registry-backed router.
//
// # Architecture Overview
//
//	wasmactors/          Root package with ComponentID, HealthStatus and Memory
//	├── runtime/         Facade: spawn, stop, supervise, health loop
//	├── actor/           Component actor: lifecycle and message surfaces
//	├── supervisor/      Backoff, restart tracker, window limiter, health monitor
//	├── capability/      Capability model, manifest parsing, checker
//	├── audit/           Asynchronous audit logger and sinks
//	├── registry/        ComponentID to address map
//	├── router/          Direct, topic and request/response routing
//	├── message/         Message envelope and kinds
//	├── codec/           JSON, CBOR and Borsh payload codecs with multicodec prefix
//	├── engine/          Opaque execution engine backed by wazero
//	├── hostfn/          Capability-checked filesystem, network and storage host functions
//	├── config/          YAML runtime configuration
//	├── metrics/         Prometheus collector over read-only stats
//	└── errors/          Structured error types
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, runtime.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	spec, err := runtime.LoadSpec("billing.wasm", "billing.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Spawn(ctx, spec); err != nil {
//	    log.Fatal(err)
//	}
//
//	req := message.NewRequest("", "billing", codec.JSON, []byte(`{"invoice":42}`))
//	reply, err := rt.Request(ctx, req, time.Second)
//
// # Capabilities
//
// Manifests declare resources per domain:
//
//	[component]
//	name = "billing"
//	version = "1.0.0"
//
//	[capabilities.filesystem]
//	read = ["/app/data/*"]
//
//	[capabilities.network]
//	connect = ["api.example.com:443"]
//
//	[capabilities.storage]
//	read = ["billing:*"]
//
// Anything not declared is denied.
package wasmactors
