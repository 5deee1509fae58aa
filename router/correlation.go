package router

import (
	"sync"
	"sync/atomic"
	"time"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
)

type pendingRequest struct {
	reply   chan message.Message
	from    wasmactors.ComponentID
	to      wasmactors.ComponentID
	started time.Time
}

// CorrelationStats summarizes request/response matching.
type CorrelationStats struct {
	Pending   int
	Completed uint64
	TimedOut  uint64
	Canceled  uint64
}

// CorrelationTracker pairs responses with pending requests by correlation id.
type CorrelationTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	now     func() time.Time

	completed atomic.Uint64
	timedOut  atomic.Uint64
	canceled  atomic.Uint64
}

func NewCorrelationTracker(now func() time.Time) *CorrelationTracker {
	if now == nil {
		now = time.Now
	}
	return &CorrelationTracker{pending: make(map[string]*pendingRequest), now: now}
}

// Register opens a pending request. The returned channel receives exactly one response.
func (t *CorrelationTracker) Register(id string, from, to wasmactors.ComponentID) (<-chan message.Message, error) {
	if id == "" {
		return nil, errors.InvalidInput(errors.PhaseRouter, "empty correlation id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return nil, errors.New(errors.PhaseRouter, errors.KindAlreadyExists).
			Detail("correlation id %s already pending", id).Build()
	}
	p := &pendingRequest{reply: make(chan message.Message, 1), from: from, to: to, started: t.now()}
	t.pending[id] = p
	return p.reply, nil
}

// Resolve hands resp to the request it answers. The response must come from
// the component the request was sent to.
func (t *CorrelationTracker) Resolve(resp message.Message) error {
	t.mu.Lock()
	p, ok := t.pending[resp.CorrelationID]
	if !ok {
		t.mu.Unlock()
		return errors.New(errors.PhaseRouter, errors.KindInvalidState).
			Detail("no pending request for correlation id %s", resp.CorrelationID).Build()
	}
	if resp.From != "" && resp.From != p.to {
		t.mu.Unlock()
		return errors.New(errors.PhaseRouter, errors.KindInvalidInput).
			Component(string(resp.From)).
			Detail("response for %s comes from %s, request went to %s", resp.CorrelationID, resp.From, p.to).Build()
	}
	delete(t.pending, resp.CorrelationID)
	t.mu.Unlock()

	p.reply <- resp
	t.completed.Add(1)
	return nil
}

// Expire drops a pending request that timed out. It returns false when the
// request was already resolved.
func (t *CorrelationTracker) Expire(id string) bool {
	if t.drop(id) {
		t.timedOut.Add(1)
		return true
	}
	return false
}

// Cancel drops a pending request whose caller gave up.
func (t *CorrelationTracker) Cancel(id string) bool {
	if t.drop(id) {
		t.canceled.Add(1)
		return true
	}
	return false
}

func (t *CorrelationTracker) drop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

func (t *CorrelationTracker) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// ExpireOlderThan drops requests pending longer than age, for callers that
// stopped waiting without cleaning up.
func (t *CorrelationTracker) ExpireOlderThan(age time.Duration) int {
	cutoff := t.now().Add(-age)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, p := range t.pending {
		if p.started.Before(cutoff) {
			delete(t.pending, id)
			n++
		}
	}
	t.timedOut.Add(uint64(n))
	return n
}

func (t *CorrelationTracker) Stats() CorrelationStats {
	t.mu.Lock()
	n := len(t.pending)
	t.mu.Unlock()
	return CorrelationStats{
		Pending:   n,
		Completed: t.completed.Load(),
		TimedOut:  t.timedOut.Load(),
		Canceled:  t.canceled.Load(),
	}
}
