package supervisor

import (
	"time"

	wasmactors "github.com/wippyai/wasm-actors"
)

// HealthConfig controls periodic health evaluation.
type HealthConfig struct {
	Enabled   bool
	Interval  time.Duration
	Threshold uint32

	// Timeout bounds one check. A check that runs out counts as unhealthy.
	// Zero uses DefaultHealthTimeout.
	Timeout time.Duration
}

// DefaultHealthTimeout bounds a health check when HealthConfig.Timeout is zero.
const DefaultHealthTimeout = 2 * time.Second

// DefaultHealthConfig checks every 5s and restarts after 3 consecutive failures.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Enabled: true, Interval: 5 * time.Second, Threshold: 3, Timeout: DefaultHealthTimeout}
}

// HealthDecision is what the supervisor should do about a health report
type HealthDecision uint8

const (
	DecisionHealthy HealthDecision = iota
	DecisionDegraded
	DecisionUnhealthy
	DecisionUnknown
)

func (d HealthDecision) String() string {
	switch d {
	case DecisionHealthy:
		return "healthy"
	case DecisionDegraded:
		return "degraded"
	case DecisionUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthMonitor turns individual health reports into restart decisions.
// Not safe for concurrent use.
type HealthMonitor struct {
	cfg       HealthConfig
	failures  uint32
	checked   bool
	lastCheck time.Time
	last      wasmactors.HealthStatus
	now       func() time.Time
}

func NewHealthMonitor(cfg HealthConfig, now func() time.Time) *HealthMonitor {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultHealthConfig().Threshold
	}
	if now == nil {
		now = time.Now
	}
	return &HealthMonitor{cfg: cfg, last: wasmactors.Unknown(), now: now}
}

// ShouldCheck is true on first use and whenever Interval has elapsed since the last result.
func (m *HealthMonitor) ShouldCheck() bool {
	if !m.checked {
		return true
	}
	return m.now().Sub(m.lastCheck) >= m.cfg.Interval
}

// Evaluate records status and returns the decision.
//
// Healthy resets the failure counter. Degraded and Unhealthy increment it;
// Unhealthy becomes DecisionUnhealthy once the counter reaches Threshold and
// is reported as degraded before that. Unknown leaves the counter alone.
func (m *HealthMonitor) Evaluate(status wasmactors.HealthStatus) HealthDecision {
	m.RecordResult(status)

	switch status.State {
	case wasmactors.HealthHealthy:
		m.failures = 0
		return DecisionHealthy
	case wasmactors.HealthDegraded:
		m.failures++
		return DecisionDegraded
	case wasmactors.HealthUnhealthy:
		m.failures++
		if m.failures >= m.cfg.Threshold {
			return DecisionUnhealthy
		}
		return DecisionDegraded
	default:
		return DecisionUnknown
	}
}

// RecordResult stores status as the latest result without deciding anything.
func (m *HealthMonitor) RecordResult(status wasmactors.HealthStatus) {
	m.checked = true
	m.lastCheck = m.now()
	m.last = status
}

// ResetOnRecovery clears the failure counter.
func (m *HealthMonitor) ResetOnRecovery() { m.failures = 0 }

func (m *HealthMonitor) ConsecutiveFailures() uint32 { return m.failures }

func (m *HealthMonitor) Last() wasmactors.HealthStatus { return m.last }
