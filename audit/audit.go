package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-actors/errors"
)

// Decision is the outcome recorded for a capability check
type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
)

// Record is one audited capability check.
type Record struct {
	ID         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Component  string    `json:"component"`
	Domain     string    `json:"domain,omitempty"`
	Resource   string    `json:"resource"`
	Permission string    `json:"permission"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
}

type dedupKey struct {
	component  string
	domain     string
	resource   string
	permission string
	decision   Decision
}

func (r Record) key() dedupKey {
	return dedupKey{r.Component, r.Domain, r.Resource, r.Permission, r.Decision}
}

// Sink receives audit records. Errors are logged by the caller and never propagated.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Emitter accepts records without blocking.
type Emitter interface {
	Emit(r Record)
}

// Options configures an AsyncLogger
type Options struct {
	Logger *zap.Logger
	Clock  func() time.Time

	// QueueSize bounds buffered records. Emit drops when full.
	QueueSize int

	// DedupWindow suppresses identical records seen within the window. Zero disables.
	DedupWindow time.Duration

	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration
}

// DefaultOptions returns the default audit options
func DefaultOptions() Options {
	return Options{
		QueueSize:    1024,
		DedupWindow:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// Stats are cumulative AsyncLogger counters.
type Stats struct {
	Emitted      uint64
	Written      uint64
	Dropped      uint64
	Deduplicated uint64
	SinkErrors   uint64
}

// AsyncLogger forwards records to a Sink from a single background goroutine.
type AsyncLogger struct {
	sink   Sink
	opts   Options
	logger *zap.Logger
	queue  chan Record
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	emitted      atomic.Uint64
	written      atomic.Uint64
	dropped      atomic.Uint64
	deduplicated atomic.Uint64
	sinkErrors   atomic.Uint64
}

// NewAsyncLogger starts the delivery goroutine. Call Close to drain and stop it.
func NewAsyncLogger(sink Sink, opts Options) *AsyncLogger {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.DedupWindow < 0 {
		opts.DedupWindow = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = Logger()
	}

	l := &AsyncLogger{
		sink:   sink,
		opts:   opts,
		logger: logger,
		queue:  make(chan Record, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Emit enqueues r. It never blocks; a full queue drops the record and counts it.
func (l *AsyncLogger) Emit(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.opts.Clock()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}

	select {
	case l.queue <- r:
		l.emitted.Add(1)
	default:
		l.dropped.Add(1)
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (l *AsyncLogger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (l *AsyncLogger) Stats() Stats {
	return Stats{
		Emitted:      l.emitted.Load(),
		Written:      l.written.Load(),
		Dropped:      l.dropped.Load(),
		Deduplicated: l.deduplicated.Load(),
		SinkErrors:   l.sinkErrors.Load(),
	}
}

func (l *AsyncLogger) run() {
	defer close(l.done)

	// owned by this goroutine
	seen := make(map[dedupKey]time.Time)

	var tick <-chan time.Time
	if l.opts.DedupWindow > 0 {
		ticker := time.NewTicker(l.opts.DedupWindow)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case r, ok := <-l.queue:
			if !ok {
				return
			}
			if l.opts.DedupWindow > 0 {
				k := r.key()
				if last, ok := seen[k]; ok && r.Timestamp.Sub(last) < l.opts.DedupWindow {
					l.deduplicated.Add(1)
					continue
				}
				seen[k] = r.Timestamp
			}
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			l.deliver(r)
		case <-tick:
			sweep(seen, l.opts.Clock(), l.opts.DedupWindow)
		}
	}
}

// sweep forgets dedup entries whose window has passed.
func sweep(seen map[dedupKey]time.Time, now time.Time, window time.Duration) {
	for k, ts := range seen {
		if now.Sub(ts) >= window {
			delete(seen, k)
		}
	}
}

func (l *AsyncLogger) deliver(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			l.sinkErrors.Add(1)
			l.logger.Error("audit sink panicked", zap.Any("panic", p))
		}
	}()

	if err := l.sink.Write(ctx, r); err != nil {
		l.sinkErrors.Add(1)
		l.logger.Warn("audit record not delivered",
			zap.String("component", r.Component),
			zap.String("resource", r.Resource),
			zap.Error(errors.AuditSink(err)),
		)
		return
	}
	l.written.Add(1)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(Record) {}
