package actor

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/capability"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/engine"
	werrors "github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/internal/wasmtest"
	"github.com/wippyai/wasm-actors/message"
)

type failure struct {
	id  wasmactors.ComponentID
	err error
}

type recorder struct {
	failures  chan failure
	responses chan message.Message
}

func newRecorder() *recorder {
	return &recorder{
		failures:  make(chan failure, 8),
		responses: make(chan message.Message, 8),
	}
}

func (r *recorder) ActorFailed(id wasmactors.ComponentID, err error) {
	r.failures <- failure{id, err}
}

func (r *recorder) Respond(_ context.Context, resp message.Message) error {
	r.responses <- resp
	return nil
}

type echoFixture struct {
	actor   *Actor
	engine  *engine.WazeroEngine
	checker *capability.Checker
	rec     *recorder
}

func newEchoFixture(t *testing.T, limits engine.Limits, mutate func(*Config)) *echoFixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	checker := capability.NewChecker(capability.WithCheckerLogger(logger))
	rec := newRecorder()

	cfg := Config{
		ID:        "echo",
		Wasm:      wasmtest.Echo(),
		Engine:    eng,
		Checker:   checker,
		Codec:     codec.JSON,
		Notifier:  rec,
		Responder: rec,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Start(ctx, NewExecutionContext("echo", limits, capability.Set{})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Stop(ctx)
		_ = eng.Close(ctx)
	})
	return &echoFixture{actor: a, engine: eng, checker: checker, rec: rec}
}

func jsonMessage(from wasmactors.ComponentID, payload string) message.Message {
	return message.New(message.FireAndForget, from, "echo", codec.JSON, []byte(payload))
}

func TestNewValidates(t *testing.T) {
	eng := &fakeEngine{}
	tests := []struct {
		name string
		cfg  Config
		kind werrors.Kind
	}{
		{"empty id", Config{Engine: eng, Wasm: []byte{1}}, werrors.KindInvalidInput},
		{"no engine", Config{ID: "a", Wasm: []byte{1}}, werrors.KindNotInitialized},
		{"no code", Config{ID: "a", Engine: eng}, werrors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); werrors.KindOf(err) != tt.kind {
				t.Errorf("New = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestStartRunsStartExport(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)

	if f.actor.State() != StateReady {
		t.Fatalf("state = %s", f.actor.State())
	}
	out, err := f.engine.Invoke(context.Background(), f.actor.EngineHandle(), "state", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != 1 {
		t.Errorf("_start did not run: memory = %v", out)
	}
}

func TestStartRejectsForeignContext(t *testing.T) {
	a, err := New(Config{ID: "a", Wasm: []byte{1}, Engine: &fakeEngine{}, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Start(context.Background(), ExecutionContext{Component: "b"}); werrors.KindOf(err) != werrors.KindInvalidInput {
		t.Fatalf("Start = %v", err)
	}
	if a.State() != StateCreating {
		t.Errorf("state = %s", a.State())
	}
}

func TestStartTwice(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)
	_, err := f.actor.Start(context.Background(), NewExecutionContext("echo", engine.Limits{}, capability.Set{}))
	if !errors.Is(err, werrors.ErrInvalidState) {
		t.Fatalf("second Start = %v", err)
	}
}

func TestStartLoadFailure(t *testing.T) {
	a, err := New(Config{ID: "bad", Wasm: []byte("not wasm"), Engine: mustEngine(t), Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Start(context.Background(), NewExecutionContext("bad", engine.Limits{}, capability.Set{})); err == nil {
		t.Fatal("Start succeeded")
	}
	if a.State() != StateFailed {
		t.Errorf("state = %s, want failed", a.State())
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Errorf("Stop after failed start: %v", err)
	}
}

func mustEngine(t *testing.T) *engine.WazeroEngine {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close(ctx) })
	return eng
}

func TestHandleEcho(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)

	out, err := f.actor.Handle(context.Background(), jsonMessage("", `{"n":1}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := codec.Prefix(codec.JSON, []byte(`{"n":1}`))
	if !bytes.Equal(out, want) {
		t.Errorf("guest saw %x, want %x", out, want)
	}

	st := f.actor.Stats()
	if st.Handled != 1 || st.LastExecution.Phase != ExecCompleted {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandleRejects(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  message.Message
		kind werrors.Kind
	}{
		{"missing export", jsonMessage("", `1`).WithExport("nope"), werrors.KindExportNotFound},
		{"lifecycle export", jsonMessage("", `1`).WithExport("_start"), werrors.KindInvalidInput},
		{"malformed payload", jsonMessage("", `{"n":`), werrors.KindSerialization},
		{"invalid message", message.Message{Kind: message.FireAndForget, Codec: codec.JSON}, werrors.KindInvalidInput},
		{"undeclared sender", jsonMessage("stranger", `1`), werrors.KindCapabilityDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.actor.Handle(ctx, tt.msg)
			if werrors.KindOf(err) != tt.kind {
				t.Fatalf("Handle = %v, want %s", err, tt.kind)
			}
		})
	}
	if f.actor.State() != StateReady {
		t.Errorf("rejections changed state to %s", f.actor.State())
	}
	select {
	case fl := <-f.rec.failures:
		t.Errorf("rejection reported as failure: %v", fl.err)
	default:
	}
}

func TestHandleCrossComponentCapability(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)
	ctx := context.Background()

	if _, err := f.actor.Handle(ctx, jsonMessage("peer", `1`)); !errors.Is(err, werrors.ErrCapabilityDenied) {
		t.Fatalf("unregistered peer = %v", err)
	}

	err := f.checker.Register(capability.NewSecurityContext("peer", capability.MustSet(capability.Messaging("echo"))))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.actor.Handle(ctx, jsonMessage("peer", `1`)); err != nil {
		t.Fatalf("declared peer = %v", err)
	}

	err = f.checker.Register(capability.NewSecurityContext("other", capability.MustSet(capability.Messaging("billing"))))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.actor.Handle(ctx, jsonMessage("other", `1`)); !errors.Is(err, werrors.ErrCapabilityDenied) {
		t.Fatalf("peer declared for another target = %v", err)
	}

	// Messages from the actor itself and from the host need no capability.
	if _, err := f.actor.Handle(ctx, jsonMessage("echo", `1`)); err != nil {
		t.Errorf("self message = %v", err)
	}
	if _, err := f.actor.Handle(ctx, jsonMessage("", `1`)); err != nil {
		t.Errorf("host message = %v", err)
	}
}

func TestDeliverRequestReplies(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)

	req := message.NewRequest("", "echo", codec.JSON, []byte(`"ping"`))
	if err := f.actor.Deliver(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-f.rec.responses:
		if resp.Kind != message.Response || resp.CorrelationID != req.CorrelationID {
			t.Errorf("response = %+v", resp)
		}
		if resp.From != "echo" || resp.Codec != codec.JSON || string(resp.Payload) != `"ping"` {
			t.Errorf("response = %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestDeliverRequestErrorReply(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)

	req := message.NewRequest("", "echo", codec.JSON, []byte(`1`)).WithExport("nope")
	if err := f.actor.Deliver(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-f.rec.responses:
		if resp.Error == "" || resp.CorrelationID != req.CorrelationID {
			t.Errorf("response = %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
	if f.actor.State() != StateReady {
		t.Errorf("state = %s", f.actor.State())
	}
}

func TestTrapFailsActor(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)

	if err := f.actor.Deliver(context.Background(), jsonMessage("", `1`).WithExport("trap")); err != nil {
		t.Fatal(err)
	}
	select {
	case fl := <-f.rec.failures:
		if fl.id != "echo" || werrors.KindOf(fl.err) != werrors.KindExecutionTrap {
			t.Errorf("failure = %+v", fl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trap not reported")
	}
	if f.actor.State() != StateFailed {
		t.Errorf("state = %s, want failed", f.actor.State())
	}
	if err := f.actor.Deliver(context.Background(), jsonMessage("", `1`)); !errors.Is(err, werrors.ErrInvalidState) {
		t.Errorf("Deliver to failed actor = %v", err)
	}

	if err := f.actor.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.engine.Instances() != 0 {
		t.Errorf("instances = %d after stopping failed actor", f.engine.Instances())
	}
}

func TestTimeoutFailsActor(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{Timeout: 20 * time.Millisecond}, nil)

	_, err := f.actor.Handle(context.Background(), jsonMessage("", `1`).WithExport("spin"))
	if !errors.Is(err, werrors.ErrExecutionTimeout) {
		t.Fatalf("Handle = %v", err)
	}
	select {
	case fl := <-f.rec.failures:
		if !errors.Is(fl.err, werrors.ErrExecutionTimeout) {
			t.Errorf("failure = %v", fl.err)
		}
	default:
		t.Fatal("timeout not reported")
	}
	st := f.actor.Stats()
	if st.State != StateFailed || st.LastExecution.Phase != ExecTimeout || st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHealthCheck(t *testing.T) {
	hooks := &recordingHooks{}
	f := newEchoFixture(t, engine.Limits{}, func(c *Config) { c.Hooks = hooks })
	ctx := context.Background()

	status, err := f.actor.HealthCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsHealthy() {
		t.Errorf("status = %s", status)
	}
	if _, err := f.actor.HealthCheck(ctx); err != nil {
		t.Fatal(err)
	}
	if n := hooks.count("on_health_changed"); n != 1 {
		t.Errorf("on_health_changed ran %d times, want 1", n)
	}

	if err := f.actor.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	status, _ = f.actor.HealthCheck(ctx)
	if status.State != wasmactors.HealthUnhealthy {
		t.Errorf("stopped actor health = %s", status)
	}
}

func TestHealthCheckWithoutExport(t *testing.T) {
	eng := &fakeEngine{exports: map[string]bool{}}
	a := startFake(t, eng, Config{})
	status, err := a.HealthCheck(context.Background())
	if err != nil || !status.IsHealthy() {
		t.Errorf("HealthCheck = %s, %v", status, err)
	}

	eng.kill()
	status, _ = a.HealthCheck(context.Background())
	if status.State != wasmactors.HealthUnhealthy {
		t.Errorf("dead instance health = %s", status)
	}
}

func TestHealthCheckUndecodable(t *testing.T) {
	eng := &fakeEngine{
		exports: map[string]bool{ExportHealth: true},
		invoke: func(ctx context.Context, export string, _ []byte) ([]byte, error) {
			return []byte{0xff, 0xfe}, nil
		},
	}
	a := startFake(t, eng, Config{})
	status, err := a.HealthCheck(context.Background())
	if err != nil || status.State != wasmactors.HealthUnknown {
		t.Errorf("HealthCheck = %s, %v", status, err)
	}
}

func TestHealthCheckMessage(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)

	hc := message.NewHealthCheck("echo")
	hc.CorrelationID = "hc-1"
	if err := f.actor.Deliver(context.Background(), hc); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-f.rec.responses:
		got, err := codec.DecodeHealth(resp.Payload, resp.Codec)
		if err != nil || !got.IsHealthy() {
			t.Errorf("health reply = %s, %v", got, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no health reply")
	}
}

func TestStopReleasesAndIsIdempotent(t *testing.T) {
	f := newEchoFixture(t, engine.Limits{}, nil)
	ctx := context.Background()

	if err := f.actor.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if f.actor.State() != StateStopped {
		t.Errorf("state = %s", f.actor.State())
	}
	if f.engine.Instances() != 0 {
		t.Errorf("instances = %d", f.engine.Instances())
	}
	if err := f.actor.Stop(ctx); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if err := f.actor.Deliver(ctx, jsonMessage("", `1`)); !errors.Is(err, werrors.ErrInvalidState) {
		t.Errorf("Deliver after Stop = %v", err)
	}
}

func TestStopNeverStarted(t *testing.T) {
	a, err := New(Config{ID: "idle", Wasm: []byte{1}, Engine: &fakeEngine{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateStopped {
		t.Errorf("state = %s", a.State())
	}
}

func TestStopRunsCleanupThenReleases(t *testing.T) {
	eng := &fakeEngine{exports: map[string]bool{ExportStart: true, ExportCleanup: true}}
	a := startFake(t, eng, Config{})

	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := eng.callLog(); !slices.Equal(got, []string{"load", ExportStart, ExportCleanup, "release"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestStopTimeoutForcesRelease(t *testing.T) {
	eng := &fakeEngine{
		exports: map[string]bool{ExportCleanup: true},
		invoke: func(ctx context.Context, export string, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a := startFake(t, eng, Config{StopTimeout: 30 * time.Millisecond})

	start := time.Now()
	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if eng.releases() != 1 {
		t.Errorf("releases = %d, want 1", eng.releases())
	}
}

func TestStopInterruptsBusyActor(t *testing.T) {
	entered := make(chan struct{})
	eng := &fakeEngine{exports: map[string]bool{"handle": true}}
	eng.invoke = func(ctx context.Context, export string, _ []byte) ([]byte, error) {
		close(entered)
		<-eng.releasedCh()
		return nil, werrors.ExecutionTrap("busy", export, errors.New("module closed"))
	}
	rec := newRecorder()
	a := startFake(t, eng, Config{StopTimeout: 30 * time.Millisecond, Notifier: rec})

	if err := a.Deliver(context.Background(), message.New(message.FireAndForget, "", "fake", codec.JSON, nil)); err != nil {
		t.Fatal(err)
	}
	<-entered

	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateStopped {
		t.Errorf("state = %s", a.State())
	}
	select {
	case fl := <-rec.failures:
		t.Errorf("interrupted call reported as failure: %v", fl.err)
	default:
	}
}

func TestDeliverFullMailboxTimesOut(t *testing.T) {
	entered := make(chan struct{}, 1)
	eng := &fakeEngine{exports: map[string]bool{"handle": true}}
	eng.invoke = func(ctx context.Context, export string, _ []byte) ([]byte, error) {
		entered <- struct{}{}
		<-eng.releasedCh()
		return nil, werrors.ExecutionTrap("busy", export, errors.New("module closed"))
	}
	a := startFake(t, eng, Config{
		MailboxSize:    1,
		DeliverTimeout: 30 * time.Millisecond,
		StopTimeout:    30 * time.Millisecond,
		Notifier:       newRecorder(),
	})
	msg := func() message.Message { return message.New(message.FireAndForget, "", "fake", codec.JSON, nil) }

	if err := a.Deliver(context.Background(), msg()); err != nil {
		t.Fatal(err)
	}
	<-entered
	if err := a.Deliver(context.Background(), msg()); err != nil {
		t.Fatalf("second Deliver = %v", err)
	}

	start := time.Now()
	err := a.Deliver(context.Background(), msg())
	if !errors.Is(err, werrors.ErrResourceExhausted) {
		t.Fatalf("Deliver to full mailbox = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Deliver blocked for %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Deliver(ctx, msg()); err == nil {
		t.Error("Deliver with cancelled context succeeded on a full mailbox")
	}
}

func TestHooks(t *testing.T) {
	hooks := &recordingHooks{panicOn: "pre_start"}
	f := newEchoFixture(t, engine.Limits{}, func(c *Config) { c.Hooks = hooks })

	if _, err := f.actor.Handle(context.Background(), jsonMessage("", `1`)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.actor.Handle(context.Background(), jsonMessage("", `1`).WithExport("nope")); err == nil {
		t.Fatal("expected error")
	}
	if err := f.actor.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"pre_start", "post_start", "on_message", "pre_stop", "post_stop"}
	if got := hooks.names(); !slices.Equal(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
}

func TestSlowHookDoesNotBlock(t *testing.T) {
	hooks := &recordingHooks{slow: "pre_start"}
	eng := &fakeEngine{}
	start := time.Now()
	startFake(t, eng, Config{Hooks: hooks, HookTimeout: 20 * time.Millisecond})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Start waited %v on a slow hook", elapsed)
	}
}

type panickingResponder struct{}

func (panickingResponder) Respond(context.Context, message.Message) error {
	panic("responder exploded")
}

func TestPanicFailsActor(t *testing.T) {
	rec := newRecorder()
	eng := &fakeEngine{exports: map[string]bool{"handle": true}}
	a := startFake(t, eng, Config{Notifier: rec, Responder: panickingResponder{}})

	req := message.NewRequest("", "fake", codec.JSON, nil)
	if err := a.Deliver(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	select {
	case fl := <-rec.failures:
		if werrors.KindOf(fl.err) != werrors.KindExecutionTrap {
			t.Errorf("failure = %v", fl.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic not reported")
	}
	if a.State() != StateFailed {
		t.Errorf("state = %s", a.State())
	}
}

// fakeEngine runs one pretend instance with handle 1.
type fakeEngine struct {
	mu       sync.Mutex
	exports  map[string]bool
	invoke   func(ctx context.Context, export string, input []byte) ([]byte, error)
	calls    []string
	released int
	dead     bool
	relCh    chan struct{}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

func (e *fakeEngine) releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *fakeEngine) releasedCh() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relCh == nil {
		e.relCh = make(chan struct{})
	}
	return e.relCh
}

func (e *fakeEngine) kill() {
	e.mu.Lock()
	e.dead = true
	e.mu.Unlock()
}

func (e *fakeEngine) Load(context.Context, []byte, ...engine.LoadOption) (engine.Handle, error) {
	e.record("load")
	return 1, nil
}

func (e *fakeEngine) Invoke(ctx context.Context, _ engine.Handle, export string, input []byte) ([]byte, error) {
	e.record(export)
	if e.invoke != nil {
		return e.invoke(ctx, export, input)
	}
	return nil, nil
}

func (e *fakeEngine) HasExport(_ engine.Handle, export string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exports[export]
}

func (e *fakeEngine) ResourceUsage(engine.Handle) (engine.Usage, error) { return engine.Usage{}, nil }

func (e *fakeEngine) Release(context.Context, engine.Handle) error {
	e.record("release")
	ch := e.releasedCh()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released++
	e.dead = true
	if e.released == 1 {
		close(ch)
	}
	return nil
}

func (e *fakeEngine) Alive(engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead
}

func (e *fakeEngine) Close(context.Context) error { return nil }

func startFake(t *testing.T, eng *fakeEngine, cfg Config) *Actor {
	t.Helper()
	cfg.ID = "fake"
	cfg.Wasm = []byte{0}
	cfg.Engine = eng
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Start(context.Background(), NewExecutionContext("fake", engine.Limits{}, capability.Set{})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

type recordingHooks struct {
	NoopHooks
	mu      sync.Mutex
	called  []string
	panicOn string
	slow    string
}

func (h *recordingHooks) hit(ctx context.Context, name string) error {
	h.mu.Lock()
	h.called = append(h.called, name)
	h.mu.Unlock()
	if name == h.panicOn {
		panic("hook " + name)
	}
	if name == h.slow {
		<-ctx.Done()
	}
	return nil
}

func (h *recordingHooks) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, n := range h.called {
		if n != "on_health_changed" {
			out = append(out, n)
		}
	}
	return out
}

func (h *recordingHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.called {
		if c == name {
			n++
		}
	}
	return n
}

func (h *recordingHooks) PreStart(ctx context.Context, _ HookContext) error {
	return h.hit(ctx, "pre_start")
}
func (h *recordingHooks) PostStart(ctx context.Context, _ HookContext) error {
	return h.hit(ctx, "post_start")
}
func (h *recordingHooks) PreStop(ctx context.Context, _ HookContext) error {
	return h.hit(ctx, "pre_stop")
}
func (h *recordingHooks) PostStop(ctx context.Context, _ HookContext) error {
	return h.hit(ctx, "post_stop")
}
func (h *recordingHooks) OnMessage(ctx context.Context, _ HookContext, _ message.Message) error {
	return h.hit(ctx, "on_message")
}
func (h *recordingHooks) OnHealthChanged(ctx context.Context, _ HookContext, _, _ wasmactors.HealthStatus) error {
	return h.hit(ctx, "on_health_changed")
}
