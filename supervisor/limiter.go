package supervisor

import (
	"fmt"
	"time"
)

// WindowConfig bounds restarts within a sliding time window.
type WindowConfig struct {
	// MaxRestarts allowed inside Window. Zero or less disables the limit.
	MaxRestarts int
	Window      time.Duration

	// PermanentAfter consecutive denials without a recovery mark the
	// component permanently failed.
	PermanentAfter int
}

// DefaultWindowConfig allows 5 restarts per minute and fails permanently after 5 denials.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxRestarts:    5,
		Window:         60 * time.Second,
		PermanentAfter: 5,
	}
}

// WindowDecision is the result of a limiter check
type WindowDecision struct {
	Allowed       bool
	Reason        string
	NextAvailable time.Time
}

// WindowLimiter is a sliding-window restart limiter.
// The queue holds only in-window timestamps after each Check. Not safe for concurrent use.
type WindowLimiter struct {
	cfg       WindowConfig
	restarts  []time.Time
	limitHits int
	permanent bool
	now       func() time.Time
}

func NewWindowLimiter(cfg WindowConfig, now func() time.Time) *WindowLimiter {
	if cfg.PermanentAfter <= 0 {
		cfg.PermanentAfter = DefaultWindowConfig().PermanentAfter
	}
	if now == nil {
		now = time.Now
	}
	return &WindowLimiter{cfg: cfg, now: now}
}

func (l *WindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.restarts) && !l.restarts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.restarts = append(l.restarts[:0], l.restarts[i:]...)
	}
}

// Check decides whether another restart is allowed now.
func (l *WindowLimiter) Check() WindowDecision {
	if l.permanent {
		return WindowDecision{Reason: fmt.Sprintf("permanently failed after %d limit hits", l.limitHits)}
	}

	now := l.now()
	l.prune(now)

	if l.cfg.MaxRestarts <= 0 || len(l.restarts) < l.cfg.MaxRestarts {
		return WindowDecision{Allowed: true}
	}

	l.limitHits++
	if l.limitHits >= l.cfg.PermanentAfter {
		l.permanent = true
	}
	return WindowDecision{
		Reason:        fmt.Sprintf("%d restarts within %s", len(l.restarts), l.cfg.Window),
		NextAvailable: l.restarts[0].Add(l.cfg.Window),
	}
}

// RecordRestart adds a restart at the current time.
func (l *WindowLimiter) RecordRestart() {
	l.restarts = append(l.restarts, l.now())
}

// IsPermanentlyFailed reports whether Check will deny until Reset.
func (l *WindowLimiter) IsPermanentlyFailed() bool { return l.permanent }

// MarkRecovered clears the consecutive denial count. A permanent failure stays.
func (l *WindowLimiter) MarkRecovered() {
	l.limitHits = 0
}

// Reset clears all state including permanent failure.
func (l *WindowLimiter) Reset() {
	l.restarts = l.restarts[:0]
	l.limitHits = 0
	l.permanent = false
}

// InWindow returns the number of restarts currently in the window.
func (l *WindowLimiter) InWindow() int {
	l.prune(l.now())
	return len(l.restarts)
}

// LimitHits returns consecutive denials since the last recovery or reset.
func (l *WindowLimiter) LimitHits() int { return l.limitHits }
