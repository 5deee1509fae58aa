package router

import (
	"errors"
	"testing"
	"time"

	"github.com/wippyai/wasm-actors/codec"
	werrors "github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/message"
)

func TestCorrelationResolve(t *testing.T) {
	tr := NewCorrelationTracker(nil)
	req := message.NewRequest("cli", "svc", codec.JSON, nil)

	ch, err := tr.Register(req.CorrelationID, "cli", "svc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Register(req.CorrelationID, "cli", "svc"); !errors.Is(err, werrors.ErrAlreadyExists) {
		t.Errorf("duplicate Register err = %v", err)
	}
	if !tr.IsPending(req.CorrelationID) {
		t.Fatal("not pending")
	}

	wrong := req.Reply(codec.JSON, nil)
	wrong.From = "impostor"
	if err := tr.Resolve(wrong); !errors.Is(err, werrors.ErrInvalidInput) {
		t.Errorf("response from wrong component err = %v", err)
	}

	if err := tr.Resolve(req.Reply(codec.JSON, []byte("ok"))); err != nil {
		t.Fatal(err)
	}
	if got := <-ch; string(got.Payload) != "ok" {
		t.Errorf("reply = %+v", got)
	}
	if err := tr.Resolve(req.Reply(codec.JSON, nil)); !errors.Is(err, werrors.ErrInvalidState) {
		t.Errorf("second Resolve err = %v", err)
	}
}

func TestCorrelationExpireAndCancel(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewCorrelationTracker(func() time.Time { return now })

	_, _ = tr.Register("a", "x", "y")
	_, _ = tr.Register("b", "x", "y")
	_, _ = tr.Register("c", "x", "y")

	if !tr.Expire("a") || tr.Expire("a") {
		t.Error("Expire should succeed once")
	}
	if !tr.Cancel("b") {
		t.Error("Cancel failed")
	}

	now = now.Add(time.Minute)
	if n := tr.ExpireOlderThan(30 * time.Second); n != 1 {
		t.Errorf("ExpireOlderThan = %d", n)
	}

	st := tr.Stats()
	if st.Pending != 0 || st.TimedOut != 2 || st.Canceled != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if _, err := tr.Register("", "x", "y"); err == nil {
		t.Error("empty correlation id accepted")
	}
}
