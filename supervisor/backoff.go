package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig configures exponential restart delays.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the +/- fraction applied to each delay, in [0, 1].
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoffConfig returns 100ms base, 5s cap, doubling, 10% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Backoff computes delay = min(base * multiplier^attempt, max) +/- jitter, clamped to [0, max].
// Not safe for concurrent use; each supervised component owns one.
type Backoff struct {
	cfg     BackoffConfig
	attempt uint32
}

// NewBackoff normalizes cfg: multiplier below 1 becomes 1, jitter is clamped
// to [0, 1], a max below base is raised to base.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base < 0 {
		cfg.Base = 0
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Multiplier < 1 || math.IsNaN(cfg.Multiplier) {
		cfg.Multiplier = 1
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Backoff{cfg: cfg}
}

// Delay returns the delay for attempt without changing state.
func (b *Backoff) Delay(attempt uint32) time.Duration {
	maxDelay := float64(b.cfg.Max)

	d := float64(b.cfg.Base) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > maxDelay {
		d = maxDelay
	}

	if b.cfg.Jitter > 0 && d > 0 {
		d *= 1 + b.cfg.Jitter*(2*b.cfg.Rand()-1)
	}

	switch {
	case d < 0:
		return 0
	case d > maxDelay:
		return b.cfg.Max
	}
	return time.Duration(d)
}

// Next returns the delay for the current attempt and advances it, saturating.
func (b *Backoff) Next() time.Duration {
	d := b.Delay(b.attempt)
	if b.attempt < math.MaxUint32 {
		b.attempt++
	}
	return d
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() uint32 { return b.attempt }

// Reset zeroes the attempt counter.
func (b *Backoff) Reset() { b.attempt = 0 }

// Config returns the normalized configuration.
func (b *Backoff) Config() BackoffConfig { return b.cfg }
