package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/internal/wasmtest"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/runtime"
)

var _ Source = (*runtime.Runtime)(nil)

func newRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.Logger = zaptest.NewLogger(t)
	ctx := context.Background()
	rt, err := runtime.New(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	for _, id := range []string{"billing", "ledger"} {
		if err := rt.Spawn(ctx, runtime.Spec{ID: wasmactors.ComponentID(id), Wasm: wasmtest.Echo()}); err != nil {
			t.Fatal(err)
		}
	}
	return rt
}

func TestCollectorLint(t *testing.T) {
	c := NewCollector(newRuntime(t))
	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range problems {
		t.Errorf("%s: %s", p.Metric, p.Text)
	}
}

func TestCollectorReportsRuntimeState(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	if _, err := rt.Request(ctx, message.NewRequest("", "billing", codec.JSON, []byte(`1`)), 5*time.Second); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(rt))

	expected := `
# HELP wasm_actors_engine_instances Live engine instances.
# TYPE wasm_actors_engine_instances gauge
wasm_actors_engine_instances 2
# HELP wasm_actors_supervisor_components Supervised components by state.
# TYPE wasm_actors_supervisor_components gauge
wasm_actors_supervisor_components{state="failed"} 0
wasm_actors_supervisor_components{state="restarting"} 0
wasm_actors_supervisor_components{state="running"} 2
wasm_actors_supervisor_components{state="starting"} 0
wasm_actors_supervisor_components{state="stopped"} 0
# HELP wasm_actors_component_messages_handled_total Messages handled by the current instance.
# TYPE wasm_actors_component_messages_handled_total counter
wasm_actors_component_messages_handled_total{component="billing"} 1
wasm_actors_component_messages_handled_total{component="ledger"} 0
# HELP wasm_actors_router_requests_total Finished requests by outcome.
# TYPE wasm_actors_router_requests_total counter
wasm_actors_router_requests_total{outcome="canceled"} 0
wasm_actors_router_requests_total{outcome="completed"} 1
wasm_actors_router_requests_total{outcome="timed_out"} 0
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"wasm_actors_engine_instances",
		"wasm_actors_supervisor_components",
		"wasm_actors_component_messages_handled_total",
		"wasm_actors_router_requests_total",
	)
	if err != nil {
		t.Fatal(err)
	}

	if n := testutil.CollectAndCount(NewCollector(rt), "wasm_actors_instance_memory_bytes"); n != 2 {
		t.Errorf("memory series = %d, want 2", n)
	}
	if n := testutil.CollectAndCount(NewCollector(rt), "wasm_actors_audit_records_total"); n != 5 {
		t.Errorf("audit series = %d, want 5", n)
	}
}

func TestCollectorSkipsStoppedInstances(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(rt)
	if n := testutil.CollectAndCount(c, "wasm_actors_instance_memory_bytes"); n != 0 {
		t.Errorf("memory series = %d, want 0", n)
	}
	if n := testutil.CollectAndCount(c, "wasm_actors_component_restarts_total"); n != 2 {
		t.Errorf("restart series = %d, want 2", n)
	}
}
