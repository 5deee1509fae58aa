package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/codec"
	werrors "github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/registry"
)

type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
	err  error
}

func (b *inbox) Deliver(_ context.Context, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *inbox) received() []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message.Message(nil), b.msgs...)
}

func newTestRouter(t *testing.T, opts Options) (*Router, registry.Registry) {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	opts.Logger = zaptest.NewLogger(t)
	return New(reg, opts), reg
}

func register(t *testing.T, reg registry.Registry, id wasmactors.ComponentID, mb registry.Mailbox) {
	t.Helper()
	if err := reg.Register(id, registry.NewAddress(id, mb)); err != nil {
		t.Fatal(err)
	}
}

func TestRouteDelivers(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	box := &inbox{}
	register(t, reg, "billing", box)

	msg := message.New(message.FireAndForget, "", "", codec.JSON, []byte(`{"n":1}`))
	if err := r.Route(context.Background(), "cli", "billing", msg); err != nil {
		t.Fatal(err)
	}

	got := box.received()
	if len(got) != 1 || got[0].From != "cli" || got[0].To != "billing" {
		t.Fatalf("received = %+v", got)
	}
	st := r.Stats()
	if st.Total != 1 || st.Successful != 1 || st.Failed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRouteMissingTarget(t *testing.T) {
	r, _ := newTestRouter(t, DefaultOptions())

	err := r.RouteTo(context.Background(), "ghost", message.New(message.FireAndForget, "cli", "", codec.JSON, nil))
	if !errors.Is(err, werrors.ErrTargetNotFound) {
		t.Fatalf("err = %v, want target not found", err)
	}
	st := r.Stats()
	if st.Total != 1 || st.Failed != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRouteStaleAddress(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	register(t, reg, "a", &inbox{})
	reg.Unregister("a")

	err := r.RouteTo(context.Background(), "a", message.New(message.FireAndForget, "", "", codec.JSON, nil))
	if !errors.Is(err, werrors.ErrTargetNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestPublishFanOutIsolatesFailures(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	ok1, ok2 := &inbox{}, &inbox{}
	bad := &inbox{err: errors.New("mailbox full")}
	register(t, reg, "a", ok1)
	register(t, reg, "b", bad)
	register(t, reg, "c", ok2)

	for _, sub := range []struct {
		id      wasmactors.ComponentID
		pattern string
	}{{"a", "orders.*"}, {"b", "orders.**"}, {"c", "orders.created"}} {
		if _, err := r.Subscribe(sub.id, sub.pattern); err != nil {
			t.Fatal(err)
		}
	}

	res, err := r.Publish(context.Background(), "shop", "orders.created",
		message.New(message.FireAndForget, "", "", codec.JSON, []byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Delivered) != 2 || len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, failed := res.Failed["b"]; !failed {
		t.Errorf("Failed = %v, want b", res.Failed)
	}
	if res.Err() == nil {
		t.Error("Err() nil with a failed subscriber")
	}
	for _, box := range []*inbox{ok1, ok2} {
		got := box.received()
		if len(got) != 1 || got[0].Kind != message.Publish || got[0].Topic != "orders.created" {
			t.Errorf("received = %+v", got)
		}
	}

	st := r.Stats()
	if st.Total != 3 || st.Successful != 2 || st.Failed != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestPublishDeduplicatesComponent(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	box := &inbox{}
	register(t, reg, "a", box)
	_, _ = r.Subscribe("a", "orders.*")
	_, _ = r.Subscribe("a", "orders.**")

	if _, err := r.Publish(context.Background(), "", "orders.paid", message.New(0, "", "", codec.JSON, nil)); err != nil {
		t.Fatal(err)
	}
	if n := len(box.received()); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestTopicMatching(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"orders.created", "orders.created", true},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.eu.created", false},
		{"orders.**", "orders.eu.created", true},
		{"*.created", "orders.created", true},
		{"orders.*", "invoices.created", false},
		{"orders.created", "orders.created.v2", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.topic, func(t *testing.T) {
			if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	r, _ := newTestRouter(t, DefaultOptions())
	for _, p := range []string{"", "orders..created", "orders.[", "."} {
		if _, err := r.Subscribe("a", p); !errors.Is(err, werrors.ErrInvalidInput) {
			t.Errorf("Subscribe(%q) err = %v", p, err)
		}
	}
	if _, err := r.Subscribe("", "orders.*"); err == nil {
		t.Error("Subscribe accepted empty component")
	}
	if _, err := r.Publish(context.Background(), "a", "orders.*", message.New(0, "", "", codec.JSON, nil)); err == nil {
		t.Error("Publish accepted a wildcard topic")
	}
}

func TestTopicsRejectSlash(t *testing.T) {
	for _, topic := range []string{"orders/eu.created", "orders.eu/created", "/"} {
		if err := ValidateTopic(topic); !errors.Is(err, werrors.ErrInvalidInput) {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}
	if err := ValidatePattern("orders/*"); !errors.Is(err, werrors.ErrInvalidInput) {
		t.Errorf("ValidatePattern(orders/*) = %v", err)
	}

	r, _ := newTestRouter(t, DefaultOptions())
	if _, err := r.Subscribe("a", "orders.*"); err != nil {
		t.Fatal(err)
	}
	res, err := r.Publish(context.Background(), "b", "orders/eu.created", message.New(0, "", "", codec.JSON, nil))
	if !errors.Is(err, werrors.ErrInvalidInput) || len(res.Delivered) != 0 {
		t.Errorf("Publish(orders/eu.created) = %+v, %v", res, err)
	}
}

func TestUnsubscribe(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	box := &inbox{}
	register(t, reg, "a", box)

	sub, _ := r.Subscribe("a", "orders.*")
	_, _ = r.Subscribe("a", "invoices.*")
	if n := len(r.Subscriptions("a")); n != 2 {
		t.Fatalf("Subscriptions = %d", n)
	}

	if !r.Unsubscribe(sub.ID) || r.Unsubscribe(sub.ID) {
		t.Error("Unsubscribe should succeed once")
	}
	_, _ = r.Publish(context.Background(), "", "orders.created", message.New(0, "", "", codec.JSON, nil))
	if len(box.received()) != 0 {
		t.Error("delivered after unsubscribe")
	}

	if n := r.UnsubscribeAll("a"); n != 1 {
		t.Errorf("UnsubscribeAll = %d", n)
	}
	if r.Stats().Subscriptions != 0 {
		t.Error("subscriptions left")
	}
}

// responder answers every request through the router.
type responder struct {
	r     *Router
	calls atomic.Int64
}

func (s *responder) Deliver(ctx context.Context, msg message.Message) error {
	s.calls.Add(1)
	go func() {
		_ = s.r.Respond(ctx, msg.Reply(codec.JSON, append([]byte("echo:"), msg.Payload...)))
	}()
	return nil
}

func TestRequestResponse(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	register(t, reg, "echo", &responder{r: r})

	req := message.New(message.Request, "", "", codec.JSON, []byte("hi"))
	resp, err := r.Request(context.Background(), "cli", "echo", req, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Payload) != "echo:hi" || resp.Kind != message.Response {
		t.Errorf("response = %+v", resp)
	}

	cs := r.Correlations().Stats()
	if cs.Pending != 0 || cs.Completed != 1 {
		t.Errorf("correlation stats = %+v", cs)
	}
}

func TestRequestTimeout(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	register(t, reg, "slow", &inbox{})

	_, err := r.Request(context.Background(), "cli", "slow",
		message.New(message.Request, "", "", codec.JSON, nil), 20*time.Millisecond)
	if !errors.Is(err, werrors.ErrRequestTimeout) {
		t.Fatalf("err = %v, want request timeout", err)
	}
	cs := r.Correlations().Stats()
	if cs.TimedOut != 1 || cs.Pending != 0 {
		t.Errorf("correlation stats = %+v", cs)
	}
}

func TestRequestMissingTargetLeavesNothingPending(t *testing.T) {
	r, _ := newTestRouter(t, DefaultOptions())
	_, err := r.Request(context.Background(), "cli", "ghost",
		message.New(message.Request, "", "", codec.JSON, nil), time.Second)
	if !errors.Is(err, werrors.ErrTargetNotFound) {
		t.Fatalf("err = %v", err)
	}
	if r.Correlations().Stats().Pending != 0 {
		t.Error("pending request left behind")
	}
}

func TestRespondWithoutPendingDelivers(t *testing.T) {
	r, reg := newTestRouter(t, DefaultOptions())
	box := &inbox{}
	register(t, reg, "cli", box)

	resp := message.NewRequest("cli", "svc", codec.JSON, nil).Reply(codec.JSON, []byte("late"))
	if err := r.Respond(context.Background(), resp); err != nil {
		t.Fatal(err)
	}
	if got := box.received(); len(got) != 1 || got[0].Kind != message.Response {
		t.Errorf("received = %+v", got)
	}

	orphan := resp
	orphan.To = ""
	if err := r.Respond(context.Background(), orphan); !errors.Is(err, werrors.ErrInvalidState) {
		t.Errorf("orphan response err = %v", err)
	}
}

func TestSenderRateLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := Options{SenderRate: 2, SenderBurst: 2, Now: func() time.Time { return now }}
	r, reg := newTestRouter(t, opts)
	register(t, reg, "b", &inbox{})

	send := func() error {
		return r.RouteTo(context.Background(), "b", message.New(message.FireAndForget, "a", "", codec.JSON, nil))
	}
	for i := 0; i < 2; i++ {
		if err := send(); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := send(); !errors.Is(err, werrors.ErrRateLimited) {
		t.Fatalf("third send err = %v", err)
	}
	if r.Stats().RateLimited != 1 {
		t.Errorf("RateLimited = %d", r.Stats().RateLimited)
	}

	now = now.Add(time.Second)
	if err := send(); err != nil {
		t.Errorf("after refill: %v", err)
	}

	now = now.Add(10 * time.Minute)
	if n := r.PruneSenders(5 * time.Minute); n != 1 {
		t.Errorf("PruneSenders = %d", n)
	}
}
