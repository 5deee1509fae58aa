// Package metrics exposes runtime statistics to Prometheus.
//
// The Collector owns no counters. Every scrape polls the read-only query
// methods of a Source and reports them as const metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/actor"
	"github.com/wippyai/wasm-actors/audit"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/engine"
	"github.com/wippyai/wasm-actors/router"
	"github.com/wippyai/wasm-actors/supervisor"
)

const namespace = "wasm_actors"

// Source is the read-only view polled on every scrape. *runtime.Runtime
// implements it.
type Source interface {
	Components() []wasmactors.ComponentID
	Supervisor() *supervisor.Supervisor
	Router() *router.Router
	Checker() *capability.Checker
	Engine() *engine.WazeroEngine
	Actor(id wasmactors.ComponentID) (*actor.Actor, bool)
	AuditStats() (audit.Stats, bool)
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	components        *prometheus.Desc
	restarts          *prometheus.Desc
	componentRestarts *prometheus.Desc
	componentHealth   *prometheus.Desc
	handled           *prometheus.Desc
	handleFailed      *prometheus.Desc
	memory            *prometheus.Desc
	invocations       *prometheus.Desc
	traps             *prometheus.Desc
	timeouts          *prometheus.Desc
	instances         *prometheus.Desc
	routed            *prometheus.Desc
	latency           *prometheus.Desc
	subscriptions     *prometheus.Desc
	pending           *prometheus.Desc
	requests          *prometheus.Desc
	checks            *prometheus.Desc
	auditRecords      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src Source) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		components:        desc("supervisor", "components", "Supervised components by state.", "state"),
		restarts:          desc("supervisor", "restarts_total", "Restarts across all components."),
		componentRestarts: desc("component", "restarts_total", "Restarts of the component.", "component"),
		componentHealth:   desc("component", "healthy", "1 when the last health check passed.", "component"),
		handled:           desc("component", "messages_handled_total", "Messages handled by the current instance.", "component"),
		handleFailed:      desc("component", "messages_failed_total", "Messages that failed in the current instance.", "component"),
		memory:            desc("instance", "memory_bytes", "Linear memory of the current instance.", "component"),
		invocations:       desc("instance", "invocations_total", "Export invocations of the current instance.", "component"),
		traps:             desc("instance", "traps_total", "Traps of the current instance.", "component"),
		timeouts:          desc("instance", "timeouts_total", "Timed out invocations of the current instance.", "component"),
		instances:         desc("engine", "instances", "Live engine instances."),
		routed:            desc("router", "messages_total", "Routed messages by result.", "result"),
		latency:           desc("router", "average_latency_seconds", "Average delivery latency."),
		subscriptions:     desc("router", "subscriptions", "Active topic subscriptions."),
		pending:           desc("router", "pending_requests", "Requests waiting for a response."),
		requests:          desc("router", "requests_total", "Finished requests by outcome.", "outcome"),
		checks:            desc("capability", "checks_total", "Capability checks by decision.", "decision"),
		auditRecords:      desc("audit", "records_total", "Audit records by outcome.", "outcome"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.components, c.restarts, c.componentRestarts, c.componentHealth,
		c.handled, c.handleFailed, c.memory, c.invocations, c.traps, c.timeouts,
		c.instances, c.routed, c.latency, c.subscriptions, c.pending, c.requests,
		c.checks, c.auditRecords,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectSupervisor(ch)
	c.collectComponents(ch)
	c.collectRouter(ch)

	cs := c.src.Checker().Stats()
	ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(cs.Allowed), "allowed")
	ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(cs.Denied), "denied")

	if as, ok := c.src.AuditStats(); ok {
		for outcome, v := range map[string]uint64{
			"emitted":      as.Emitted,
			"written":      as.Written,
			"dropped":      as.Dropped,
			"deduplicated": as.Deduplicated,
			"sink_error":   as.SinkErrors,
		} {
			ch <- prometheus.MustNewConstMetric(c.auditRecords, prometheus.CounterValue, float64(v), outcome)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(c.src.Engine().Instances()))
}

func (c *Collector) collectSupervisor(ch chan<- prometheus.Metric) {
	st := c.src.Supervisor().Stats()
	for state, n := range map[string]int{
		"running":    st.Running,
		"restarting": st.Restarting,
		"stopped":    st.Stopped,
		"failed":     st.Failed,
		"starting":   st.Components - st.Running - st.Restarting - st.Stopped - st.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.components, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(st.TotalRestarts))
}

func (c *Collector) collectComponents(ch chan<- prometheus.Metric) {
	sup := c.src.Supervisor()
	eng := c.src.Engine()
	for _, id := range c.src.Components() {
		name := string(id)
		cs, err := sup.ComponentStats(id)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.componentRestarts, prometheus.CounterValue, float64(cs.TotalRestarts), name)
		ch <- prometheus.MustNewConstMetric(c.componentHealth, prometheus.GaugeValue, boolValue(cs.LastHealth.IsHealthy()), name)

		a, ok := c.src.Actor(id)
		if !ok {
			continue
		}
		as := a.Stats()
		ch <- prometheus.MustNewConstMetric(c.handled, prometheus.CounterValue, float64(as.Handled), name)
		ch <- prometheus.MustNewConstMetric(c.handleFailed, prometheus.CounterValue, float64(as.Failed), name)

		h := a.EngineHandle()
		if h == 0 {
			continue
		}
		u, err := eng.ResourceUsage(h)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(u.MemoryBytes), name)
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(u.Invocations), name)
		ch <- prometheus.MustNewConstMetric(c.traps, prometheus.CounterValue, float64(u.Traps), name)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(u.Timeouts), name)
	}
}

func (c *Collector) collectRouter(ch chan<- prometheus.Metric) {
	rs := c.src.Router().Stats()
	ch <- prometheus.MustNewConstMetric(c.routed, prometheus.CounterValue, float64(rs.Successful), "delivered")
	ch <- prometheus.MustNewConstMetric(c.routed, prometheus.CounterValue, float64(rs.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.routed, prometheus.CounterValue, float64(rs.RateLimited), "rate_limited")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, rs.AverageLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(rs.Subscriptions))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(rs.Correlation.Pending))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(rs.Correlation.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(rs.Correlation.TimedOut), "timed_out")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(rs.Correlation.Canceled), "canceled")
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
