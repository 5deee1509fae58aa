package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	wasmactors "github.com/wippyai/wasm-actors"
)

// DefaultSenderRate is the per-sender message rate used by DefaultOptions.
const DefaultSenderRate = 1000

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// senderLimits keeps one token bucket per sending component.
type senderLimits struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	senders map[wasmactors.ComponentID]*senderEntry
	now     func() time.Time
}

func newSenderLimits(perSecond float64, burst int, now func() time.Time) *senderLimits {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(int(perSecond), 1)
	}
	return &senderLimits{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		senders: make(map[wasmactors.ComponentID]*senderEntry),
		now:     now,
	}
}

func (l *senderLimits) allow(sender wasmactors.ComponentID) bool {
	if l == nil || sender == "" {
		return true
	}
	now := l.now()
	l.mu.Lock()
	e, ok := l.senders[sender]
	if !ok {
		e = &senderEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.senders[sender] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// prune forgets senders idle for longer than idle.
func (l *senderLimits) prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.senders {
		if e.lastSeen.Before(cutoff) {
			delete(l.senders, id)
			n++
		}
	}
	return n
}

func (l *senderLimits) len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}
