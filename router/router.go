package router

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/registry"
)

// Forwarder carries published messages to other processes.
type Forwarder interface {
	Forward(ctx context.Context, msg message.Message) error
}

// Options configures a Router
type Options struct {
	Logger *zap.Logger

	// FanOut bounds concurrent deliveries of one Publish.
	FanOut int

	// SenderRate limits messages per second per sending component. Zero disables.
	SenderRate  float64
	SenderBurst int

	// Forwarder, when set, receives every locally published message.
	Forwarder Forwarder

	Now func() time.Time
}

// DefaultOptions returns a fan-out of 16 and 1000 msg/s per sender.
func DefaultOptions() Options {
	return Options{
		FanOut:     16,
		SenderRate: DefaultSenderRate,
	}
}

// Stats counts routing outcomes. Each delivery attempt is counted once.
type Stats struct {
	Total          uint64
	Successful     uint64
	Failed         uint64
	RateLimited    uint64
	AverageLatency time.Duration
	Subscriptions  int
	Correlation    CorrelationStats
}

// PublishResult reports the outcome per subscriber.
type PublishResult struct {
	Delivered []wasmactors.ComponentID
	Failed    map[wasmactors.ComponentID]error
}

// Err joins the per-subscriber failures.
func (r PublishResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, err := range r.Failed {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// Router delivers messages between registered components.
type Router struct {
	reg       registry.Registry
	subs      *subscriptions
	corr      *CorrelationTracker
	limits    *senderLimits
	forwarder Forwarder
	logger    *zap.Logger
	now       func() time.Time
	fanOut    int

	total       atomic.Uint64
	successful  atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
	latencyNs   atomic.Int64
}

// New creates a router over reg.
func New(reg registry.Registry, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = Logger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FanOut <= 0 {
		opts.FanOut = DefaultOptions().FanOut
	}
	return &Router{
		reg:       reg,
		subs:      newSubscriptions(opts.Now),
		corr:      NewCorrelationTracker(opts.Now),
		limits:    newSenderLimits(opts.SenderRate, opts.SenderBurst, opts.Now),
		forwarder: opts.Forwarder,
		logger:    opts.Logger,
		now:       opts.Now,
		fanOut:    opts.FanOut,
	}
}

// SetForwarder installs f after construction. Set it before routing starts.
func (r *Router) SetForwarder(f Forwarder) { r.forwarder = f }

// Route sends msg from source to target.
func (r *Router) Route(ctx context.Context, source, target wasmactors.ComponentID, msg message.Message) error {
	msg.From = source
	msg.To = target
	return r.RouteTo(ctx, target, msg)
}

// RouteTo delivers msg to id. A missing target fails with TargetNotFound
// before anything is delivered.
func (r *Router) RouteTo(ctx context.Context, id wasmactors.ComponentID, msg message.Message) error {
	if !r.limits.allow(msg.From) {
		r.rateLimited.Add(1)
		r.logger.Warn("sender rate limited", zap.String("component", string(msg.From)))
		return errors.RateLimited(string(msg.From))
	}
	msg.To = id
	return r.deliver(ctx, id, msg)
}

func (r *Router) deliver(ctx context.Context, id wasmactors.ComponentID, msg message.Message) error {
	start := r.now()
	err := r.send(ctx, id, msg)
	r.record(start, err)
	if err != nil {
		r.logger.Debug("delivery failed",
			zap.String("component", string(id)),
			zap.Stringer("kind", msg.Kind),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return err
}

func (r *Router) send(ctx context.Context, id wasmactors.ComponentID, msg message.Message) error {
	addr, err := r.reg.Lookup(id)
	if err != nil {
		return errors.TargetNotFound(string(id))
	}
	if err := addr.Send(ctx, msg); err != nil {
		if stderrors.Is(err, errors.ErrComponentNotFound) && !addr.Valid() {
			return errors.TargetNotFound(string(id))
		}
		return err
	}
	return nil
}

func (r *Router) record(start time.Time, err error) {
	r.total.Add(1)
	r.latencyNs.Add(int64(r.now().Sub(start)))
	if err != nil {
		r.failed.Add(1)
	} else {
		r.successful.Add(1)
	}
}

// Publish delivers msg to every component subscribed to a pattern matching
// topic. Deliveries are independent: one failing subscriber does not stop the others.
func (r *Router) Publish(ctx context.Context, source wasmactors.ComponentID, topic string, msg message.Message) (PublishResult, error) {
	if err := ValidateTopic(topic); err != nil {
		return PublishResult{}, err
	}
	if !r.limits.allow(source) {
		r.rateLimited.Add(1)
		return PublishResult{}, errors.RateLimited(string(source))
	}
	msg.Kind = message.Publish
	msg.From = source
	msg.Topic = topic

	res := r.fanOutLocal(ctx, msg)

	if r.forwarder != nil {
		if err := r.forwarder.Forward(ctx, msg); err != nil {
			r.logger.Warn("forwarding publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return res, nil
}

func (r *Router) fanOutLocal(ctx context.Context, msg message.Message) PublishResult {
	targets := r.subs.match(msg.Topic)
	res := PublishResult{Failed: make(map[wasmactors.ComponentID]error)}
	if len(targets) == 0 {
		r.logger.Debug("publish without subscribers", zap.String("topic", msg.Topic))
		return res
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.fanOut)
	for _, id := range targets {
		g.Go(func() error {
			m := msg
			m.To = id
			err := r.deliver(ctx, id, m)

			mu.Lock()
			if err != nil {
				res.Failed[id] = err
			} else {
				res.Delivered = append(res.Delivered, id)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Failed) > 0 {
		r.logger.Warn("publish partially failed",
			zap.String("topic", msg.Topic),
			zap.Int("delivered", len(res.Delivered)),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return res
}

// Request sends msg to target and waits for the correlated response.
func (r *Router) Request(ctx context.Context, source, target wasmactors.ComponentID, msg message.Message, timeout time.Duration) (message.Message, error) {
	msg.Kind = message.Request
	msg.From = source
	msg.To = target
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	id := msg.CorrelationID

	reply, err := r.corr.Register(id, source, target)
	if err != nil {
		return message.Message{}, err
	}
	if err := r.RouteTo(ctx, target, msg); err != nil {
		r.corr.Cancel(id)
		return message.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		return resp, nil
	case <-timer.C:
		if !r.corr.Expire(id) {
			return <-reply, nil
		}
		r.logger.Warn("request timed out",
			zap.String("component", string(target)),
			zap.String("correlation_id", id),
			zap.Duration("timeout", timeout),
		)
		return message.Message{}, errors.RequestTimeout(string(target), id, timeout)
	case <-ctx.Done():
		if !r.corr.Cancel(id) {
			return <-reply, nil
		}
		return message.Message{}, ctx.Err()
	}
}

// Respond completes the pending request resp answers. A response nobody is
// waiting for is delivered to its addressee like any other message.
func (r *Router) Respond(ctx context.Context, resp message.Message) error {
	resp.Kind = message.Response
	if resp.CorrelationID == "" {
		return errors.InvalidInput(errors.PhaseRouter, "response without correlation id")
	}
	err := r.corr.Resolve(resp)
	if err == nil {
		r.record(r.now(), nil)
		return nil
	}
	if !stderrors.Is(err, errors.ErrInvalidState) || resp.To == "" {
		return err
	}
	return r.deliver(ctx, resp.To, resp)
}

// Subscribe registers component for topics matching pattern.
func (r *Router) Subscribe(component wasmactors.ComponentID, pattern string) (Subscription, error) {
	sub, err := r.subs.add(component, pattern)
	if err != nil {
		return Subscription{}, err
	}
	r.logger.Debug("subscribed", zap.String("component", string(component)), zap.String("pattern", pattern))
	return sub, nil
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (r *Router) Unsubscribe(id uuid.UUID) bool {
	return r.subs.remove(id)
}

// UnsubscribeAll removes every subscription of component.
func (r *Router) UnsubscribeAll(component wasmactors.ComponentID) int {
	return r.subs.removeComponent(component)
}

// Subscriptions lists subscriptions of component, or all when component is empty.
func (r *Router) Subscriptions(component wasmactors.ComponentID) []Subscription {
	return r.subs.list(component)
}

// Correlations exposes the request tracker.
func (r *Router) Correlations() *CorrelationTracker { return r.corr }

// PruneSenders forgets rate limit state of senders idle longer than idle.
func (r *Router) PruneSenders(idle time.Duration) int { return r.limits.prune(idle) }

// Stats returns a snapshot of routing counters.
func (r *Router) Stats() Stats {
	s := Stats{
		Total:         r.total.Load(),
		Successful:    r.successful.Load(),
		Failed:        r.failed.Load(),
		RateLimited:   r.rateLimited.Load(),
		Subscriptions: r.subs.count(),
		Correlation:   r.corr.Stats(),
	}
	if s.Total > 0 {
		s.AverageLatency = time.Duration(r.latencyNs.Load() / int64(s.Total))
	}
	return s
}
