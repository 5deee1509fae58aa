package supervisor

import (
	"sync"
	"testing"
	"time"

	wasmactors "github.com/wippyai/wasm-actors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTrackerRingAndHistory(t *testing.T) {
	clock := newFakeClock()
	tr := NewRestartTracker(3, clock.Now)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		tr.Record(ReasonComponentFailure, time.Duration(i)*time.Millisecond, "")
	}

	if tr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tr.Len())
	}
	if tr.TotalRestarts() != 5 {
		t.Errorf("TotalRestarts() = %d, want 5", tr.TotalRestarts())
	}

	h := tr.History(0)
	wantAttempts := []uint32{5, 4, 3}
	for i, w := range wantAttempts {
		if h[i].Attempt != w {
			t.Errorf("History[%d].Attempt = %d, want %d", i, h[i].Attempt, w)
		}
	}
	if got := tr.History(2); len(got) != 2 || got[0].Attempt != 5 {
		t.Errorf("History(2) = %+v", got)
	}
}

func TestTrackerHistoryPartialRing(t *testing.T) {
	tr := NewRestartTracker(10, nil)
	tr.Record(ReasonManualRestart, 0, "a")
	tr.Record(ReasonTimeout, 0, "b")

	h := tr.History(5)
	if len(h) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(h))
	}
	if h[0].Detail != "b" || h[1].Detail != "a" {
		t.Errorf("History order = %q, %q; want newest first", h[0].Detail, h[1].Detail)
	}
}

func TestTrackerAttemptWraps(t *testing.T) {
	tr := NewRestartTracker(1, nil)
	var last RestartRecord
	for i := 0; i < 1001; i++ {
		last = tr.Record(ReasonComponentFailure, 0, "")
	}
	if last.Attempt != 1 {
		t.Errorf("attempt after 1001 records = %d, want 1", last.Attempt)
	}
}

func TestTrackerRecoveryAndClear(t *testing.T) {
	tr := NewRestartTracker(5, nil)
	tr.Record(ReasonComponentFailure, 0, "")
	tr.Record(ReasonHealthCheckFailed, 0, "")

	stats := tr.ReasonStats()
	if stats.ComponentFailure != 1 || stats.HealthCheckFailed != 1 {
		t.Errorf("ReasonStats() = %+v", stats)
	}

	tr.ResetOnRecovery()
	if tr.Len() != 0 || tr.RecoveryCount() != 1 || tr.TotalRestarts() != 2 {
		t.Errorf("after recovery len=%d recoveries=%d total=%d", tr.Len(), tr.RecoveryCount(), tr.TotalRestarts())
	}

	tr.Record(ReasonComponentFailure, 0, "")
	tr.Clear()
	if tr.Len() != 0 || tr.RecoveryCount() != 1 {
		t.Errorf("Clear counted as recovery: len=%d recoveries=%d", tr.Len(), tr.RecoveryCount())
	}
}

func TestTrackerRecentRate(t *testing.T) {
	clock := newFakeClock()
	tr := NewRestartTracker(10, clock.Now)

	tr.Record(ReasonComponentFailure, 0, "")
	clock.Advance(30 * time.Second)
	tr.Record(ReasonComponentFailure, 0, "")
	tr.Record(ReasonComponentFailure, 0, "")

	if got := tr.RecentRate(10 * time.Second); got != 0.2 {
		t.Errorf("RecentRate(10s) = %v, want 0.2", got)
	}
	if got := tr.RecentRate(time.Minute); got != 0.05 {
		t.Errorf("RecentRate(1m) = %v, want 0.05", got)
	}
}

func TestWindowLimiter(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(WindowConfig{MaxRestarts: 2, Window: time.Minute, PermanentAfter: 3}, clock.Now)

	for i := 0; i < 2; i++ {
		if d := l.Check(); !d.Allowed {
			t.Fatalf("Check #%d denied: %s", i, d.Reason)
		}
		l.RecordRestart()
		clock.Advance(10 * time.Second)
	}

	d := l.Check()
	if d.Allowed {
		t.Fatal("third restart within window allowed")
	}
	if want := clock.Now().Add(-20 * time.Second).Add(time.Minute); !d.NextAvailable.Equal(want) {
		t.Errorf("NextAvailable = %v, want %v", d.NextAvailable, want)
	}

	clock.Advance(45 * time.Second)
	if d := l.Check(); !d.Allowed {
		t.Errorf("after oldest left window: denied %s", d.Reason)
	}
	if l.InWindow() != 1 {
		t.Errorf("InWindow() = %d, want 1", l.InWindow())
	}
}

func TestWindowLimiterPermanentFailure(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(WindowConfig{MaxRestarts: 1, Window: time.Minute, PermanentAfter: 2}, clock.Now)
	l.RecordRestart()

	l.Check()
	if l.IsPermanentlyFailed() {
		t.Fatal("permanent after one denial")
	}
	l.Check()
	if !l.IsPermanentlyFailed() {
		t.Fatal("not permanent after two denials")
	}

	clock.Advance(time.Hour)
	if d := l.Check(); d.Allowed {
		t.Error("permanent limiter allowed a restart")
	}

	l.MarkRecovered()
	if !l.IsPermanentlyFailed() {
		t.Error("MarkRecovered cleared permanent failure")
	}

	l.Reset()
	if d := l.Check(); !d.Allowed {
		t.Errorf("after Reset denied: %s", d.Reason)
	}
}

func TestWindowLimiterUnlimited(t *testing.T) {
	l := NewWindowLimiter(WindowConfig{MaxRestarts: 0, Window: time.Second}, nil)
	for i := 0; i < 100; i++ {
		if !l.Check().Allowed {
			t.Fatalf("unlimited limiter denied at %d", i)
		}
		l.RecordRestart()
	}
}

func TestHealthMonitor(t *testing.T) {
	clock := newFakeClock()
	m := NewHealthMonitor(HealthConfig{Enabled: true, Interval: 5 * time.Second, Threshold: 3}, clock.Now)

	if !m.ShouldCheck() {
		t.Fatal("ShouldCheck() false before first check")
	}

	steps := []struct {
		status   wasmactors.HealthStatus
		want     HealthDecision
		failures uint32
	}{
		{wasmactors.Unhealthy("boom"), DecisionDegraded, 1},
		{wasmactors.Degraded("slow"), DecisionDegraded, 2},
		{wasmactors.Unknown(), DecisionUnknown, 2},
		{wasmactors.Unhealthy("boom"), DecisionUnhealthy, 3},
		{wasmactors.Healthy(), DecisionHealthy, 0},
		{wasmactors.Unhealthy("boom"), DecisionDegraded, 1},
	}
	for i, s := range steps {
		if got := m.Evaluate(s.status); got != s.want {
			t.Errorf("step %d: Evaluate(%v) = %v, want %v", i, s.status, got, s.want)
		}
		if m.ConsecutiveFailures() != s.failures {
			t.Errorf("step %d: failures = %d, want %d", i, m.ConsecutiveFailures(), s.failures)
		}
	}

	if m.ShouldCheck() {
		t.Error("ShouldCheck() true right after a check")
	}
	clock.Advance(5 * time.Second)
	if !m.ShouldCheck() {
		t.Error("ShouldCheck() false after interval")
	}
	if m.Last().State != wasmactors.HealthUnhealthy {
		t.Errorf("Last() = %v", m.Last())
	}
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		policy  Policy
		onError bool
		onClean bool
	}{
		{Permanent, true, true},
		{Transient, true, false},
		{Temporary, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			if got := tt.policy.ShouldRestart(true); got != tt.onError {
				t.Errorf("ShouldRestart(error) = %v", got)
			}
			if got := tt.policy.ShouldRestart(false); got != tt.onClean {
				t.Errorf("ShouldRestart(normal) = %v", got)
			}
			p, err := ParsePolicy(tt.policy.String())
			if err != nil || p != tt.policy {
				t.Errorf("ParsePolicy(%q) = %v, %v", tt.policy, p, err)
			}
		})
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("ParsePolicy accepted unknown policy")
	}
}
