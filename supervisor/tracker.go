package supervisor

import (
	"fmt"
	"time"
)

// RestartReason says why a restart happened
type RestartReason uint8

const (
	ReasonComponentFailure RestartReason = iota
	ReasonHealthCheckFailed
	ReasonManualRestart
	ReasonTimeout
)

func (r RestartReason) String() string {
	switch r {
	case ReasonComponentFailure:
		return "component_failure"
	case ReasonHealthCheckFailed:
		return "health_check_failed"
	case ReasonManualRestart:
		return "manual_restart"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// RestartRecord is one entry in the restart history.
type RestartRecord struct {
	Attempt   uint32
	Timestamp time.Time
	Reason    RestartReason
	Delay     time.Duration
	Detail    string
}

// ReasonStats counts buffered records per reason.
type ReasonStats struct {
	ComponentFailure  int
	HealthCheckFailed int
	ManualRestart     int
	Timeout           int
}

// DefaultTrackerCapacity is the ring size used when none is configured.
const DefaultTrackerCapacity = 100

// RestartTracker keeps the most recent restarts in a fixed-size ring.
// Not safe for concurrent use.
type RestartTracker struct {
	records    []RestartRecord
	pos        int
	total      uint64
	recoveries uint64
	now        func() time.Time
}

// NewRestartTracker creates a tracker holding at most capacity records.
func NewRestartTracker(capacity int, now func() time.Time) *RestartTracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &RestartTracker{
		records: make([]RestartRecord, 0, capacity),
		now:     now,
	}
}

// Record appends a restart, overwriting the oldest when full.
func (t *RestartTracker) Record(reason RestartReason, delay time.Duration, detail string) RestartRecord {
	rec := RestartRecord{
		Attempt:   uint32(t.total%1000) + 1,
		Timestamp: t.now(),
		Reason:    reason,
		Delay:     delay,
		Detail:    detail,
	}

	if len(t.records) < cap(t.records) {
		t.records = append(t.records, rec)
	} else {
		t.records[t.pos] = rec
	}
	t.pos = (t.pos + 1) % cap(t.records)
	t.total++
	return rec
}

// History returns up to limit records, newest first. limit <= 0 returns all.
func (t *RestartTracker) History(limit int) []RestartRecord {
	n := len(t.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RestartRecord, 0, limit)
	// newest is just before pos
	for i := 1; i <= limit; i++ {
		idx := (t.pos - i + cap(t.records)) % cap(t.records)
		if idx >= n {
			break
		}
		out = append(out, t.records[idx])
	}
	return out
}

// TotalRestarts counts every restart ever recorded. Recovery does not reset it.
func (t *RestartTracker) TotalRestarts() uint64 { return t.total }

// RecoveryCount counts ResetOnRecovery calls.
func (t *RestartTracker) RecoveryCount() uint64 { return t.recoveries }

// Len returns the number of buffered records.
func (t *RestartTracker) Len() int { return len(t.records) }

// RecentRate returns restarts per second within window.
func (t *RestartTracker) RecentRate(window time.Duration) float64 {
	now := t.now()
	start := now.Add(-window)
	count := 0
	for _, r := range t.records {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(now) {
			count++
		}
	}
	return float64(count) / max(window.Seconds(), 0.001)
}

// ResetOnRecovery clears buffered records after a sustained healthy period.
func (t *RestartTracker) ResetOnRecovery() {
	t.records = t.records[:0]
	t.pos = 0
	t.recoveries++
}

// Clear drops buffered records without counting a recovery.
func (t *RestartTracker) Clear() {
	t.records = t.records[:0]
	t.pos = 0
}

// ReasonStats counts buffered records by reason.
func (t *RestartTracker) ReasonStats() ReasonStats {
	var s ReasonStats
	for _, r := range t.records {
		switch r.Reason {
		case ReasonComponentFailure:
			s.ComponentFailure++
		case ReasonHealthCheckFailed:
			s.HealthCheckFailed++
		case ReasonManualRestart:
			s.ManualRestart++
		case ReasonTimeout:
			s.Timeout++
		}
	}
	return s
}
