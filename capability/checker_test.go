package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/audit"
	werrors "github.com/wippyai/wasm-actors/errors"
)

type recordingEmitter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingEmitter) Emit(rec audit.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recordingEmitter) all() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.records...)
}

func newTestChecker(t *testing.T, em audit.Emitter) *Checker {
	t.Helper()
	return NewChecker(WithAudit(em), WithCheckerLogger(zaptest.NewLogger(t)))
}

func TestCheckerAppDataScenario(t *testing.T) {
	em := &recordingEmitter{}
	c := newTestChecker(t, em)

	err := c.Register(NewSecurityContext("reader", MustSet(
		Filesystem([]string{"/app/data/*"}, PermRead),
	)))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		resource string
		perm     Permission
		allowed  bool
		reason   string
	}{
		{"/app/data/file.json", PermRead, true, ""},
		{"/app/data/other.txt", PermRead, true, ""},
		{"/etc/passwd", PermRead, false, "no declared pattern"},
		{"/app/data/nested/file.json", PermRead, false, "no declared pattern"},
		{"/app/data/file.json", PermWrite, false, "not declared"},
	}

	for _, tt := range tests {
		d := c.Check("reader", FilesystemScope, tt.resource, tt.perm)
		if d.Allowed != tt.allowed {
			t.Errorf("Check(%q, %q) = %v, want allowed=%v", tt.resource, tt.perm, d, tt.allowed)
		}
		if !tt.allowed && !strings.Contains(d.Reason, tt.reason) {
			t.Errorf("Check(%q, %q) reason = %q, want substring %q", tt.resource, tt.perm, d.Reason, tt.reason)
		}
	}

	records := em.all()
	if len(records) != len(tests) {
		t.Fatalf("audit records = %d, want %d", len(records), len(tests))
	}
	if records[2].Decision != audit.Denied || records[2].Resource != "/etc/passwd" || records[2].Domain != "filesystem" || records[2].Reason == "" {
		t.Errorf("denied record = %+v", records[2])
	}
	if records[0].Decision != audit.Allowed || records[0].Component != "reader" {
		t.Errorf("allowed record = %+v", records[0])
	}

	st := c.Stats()
	if st.Checks != 5 || st.Allowed != 2 || st.Denied != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCheckerDenyByDefault(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})

	d := c.Check("ghost", FilesystemScope, "/x", PermRead)
	if d.Allowed || !strings.Contains(d.Reason, "not registered") {
		t.Errorf("unregistered = %v", d)
	}

	_ = c.Register(NewSecurityContext("empty", Set{}))
	d = c.Check("empty", FilesystemScope, "/x", PermRead)
	if d.Allowed || !strings.Contains(d.Reason, "no capabilities") {
		t.Errorf("empty set = %v", d)
	}

	_ = c.Register(NewSecurityContext("fs-only", MustSet(Filesystem([]string{"/**"}, PermRead))))
	if c.Check("fs-only", NetworkScope, "api.example.com:443", PermConnect).Allowed {
		t.Error("undeclared network domain must be denied")
	}
}

func TestCheckerScopesDoNotCross(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})
	_ = c.Register(NewSecurityContext("kv", MustSet(Storage([]string{"*:**"}, PermRead))))
	_ = c.Register(NewSecurityContext("metrics", MustSet(Custom("metrics", []string{"**"}, PermConnect, PermRead))))
	_ = c.Register(NewSecurityContext("exact", MustSet(
		Storage([]string{"billing:invoices"}, PermRead),
		Messaging("inventory"),
	)))

	tests := []struct {
		id       wasmactors.ComponentID
		scope    Scope
		resource string
		perm     Permission
		allowed  bool
	}{
		{"kv", StorageScope, "billing:invoices:1", PermRead, true},
		{"kv", FilesystemScope, "/etc/passwd", PermRead, false},
		{"kv", CustomScope("metrics"), "cpu:load", PermRead, false},
		{"metrics", CustomScope("metrics"), "cpu:load", PermRead, true},
		{"metrics", FilesystemScope, "/etc/shadow", PermRead, false},
		{"metrics", NetworkScope, "evil.com:443", PermConnect, false},
		{"metrics", CustomScope("tracing"), "cpu:load", PermRead, false},
		{"exact", StorageScope, "billing:invoices", PermRead, true},
		{"exact", CustomScope("billing"), "billing:invoices", PermRead, false},
		{"exact", MessagingScope, "component:inventory", PermSend, true},
		{"exact", StorageScope, "component:inventory", PermSend, false},
	}
	for _, tt := range tests {
		d := c.Check(tt.id, tt.scope, tt.resource, tt.perm)
		if d.Allowed != tt.allowed {
			t.Errorf("Check(%s, %s, %q, %q) = %v, want allowed=%v", tt.id, tt.scope, tt.resource, tt.perm, d, tt.allowed)
		}
	}
}

func TestCheckerExactPatternsIndexed(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})
	_ = c.Register(NewSecurityContext("c", MustSet(
		Filesystem([]string{"/app/config.toml", "/app/data/"}, PermRead),
		Network([]string{"api.example.com:443"}, PermConnect),
	)))

	if !c.Check("c", FilesystemScope, "/app/config.toml", PermRead).Allowed {
		t.Error("exact path")
	}
	if !c.Check("c", FilesystemScope, "/app/./config.toml", PermRead).Allowed {
		t.Error("exact path should be compared after cleaning")
	}
	if !c.Check("c", FilesystemScope, "/app/data", PermRead).Allowed {
		t.Error("trailing slash in pattern is cleaned")
	}
	if !c.Check("c", NetworkScope, "api.example.com:443", PermConnect).Allowed {
		t.Error("exact endpoint")
	}
	if c.Check("c", NetworkScope, "api.example.com:8443", PermConnect).Allowed {
		t.Error("different port")
	}
}

func TestCheckerRegisterReplaceUnregister(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})

	if err := c.Register(NewSecurityContext("", Set{})); err == nil {
		t.Error("empty id should be rejected")
	}

	_ = c.Register(NewSecurityContext("c", MustSet(Filesystem([]string{"/a"}, PermRead))))
	_ = c.Register(NewSecurityContext("c", MustSet(Filesystem([]string{"/b"}, PermRead))))
	if c.Count() != 1 {
		t.Errorf("Count = %d, want 1", c.Count())
	}
	if c.Check("c", FilesystemScope, "/a", PermRead).Allowed {
		t.Error("replaced context should no longer grant /a")
	}
	if !c.Check("c", FilesystemScope, "/b", PermRead).Allowed {
		t.Error("replacement should grant /b")
	}
	if sc, ok := c.Context("c"); !ok || sc.Component != "c" {
		t.Errorf("Context = %+v, %v", sc, ok)
	}

	c.Unregister("c")
	c.Unregister("c")
	if c.Count() != 0 {
		t.Errorf("Count = %d after unregister", c.Count())
	}
	if c.Check("c", FilesystemScope, "/b", PermRead).Allowed {
		t.Error("unregistered component must be denied")
	}
}

func TestAuthorizeError(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})
	_ = c.Register(NewSecurityContext("c", MustSet(Filesystem([]string{"/a"}, PermRead))))

	err := c.Authorize("c", FilesystemScope, "/etc/shadow", PermRead)
	if !errors.Is(err, werrors.ErrCapabilityDenied) {
		t.Fatalf("err = %v, want capability denied", err)
	}
	var e *werrors.Error
	if !errors.As(err, &e) {
		t.Fatal("expected *errors.Error")
	}
	if e.Component != "c" || e.Resource != "/etc/shadow" || e.Permission != "read" || e.Detail == "" {
		t.Errorf("error fields = %+v", e)
	}

	if err := c.Authorize("c", FilesystemScope, "/a", PermRead); err != nil {
		t.Errorf("Authorize: %v", err)
	}
}

func TestRequireUsesContext(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})
	_ = c.Register(NewSecurityContext("c", MustSet(Storage([]string{"c:*"}, PermRead))))

	ctx := WithChecker(context.Background(), c)

	if err := Require(ctx, StorageScope, "c:key", PermRead); !errors.Is(err, werrors.ErrCapabilityDenied) {
		t.Errorf("no component in context: err = %v", err)
	}

	ctx = WithComponent(ctx, "c")
	if err := Require(ctx, StorageScope, "c:key", PermRead); err != nil {
		t.Errorf("Require: %v", err)
	}
	if err := Require(ctx, StorageScope, "other:key", PermRead); err == nil {
		t.Error("expected denial for foreign namespace")
	}

	if id, ok := ComponentFrom(ctx); !ok || id != "c" {
		t.Errorf("ComponentFrom = %q, %v", id, ok)
	}
}

func TestDefaultChecker(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})
	prev := SetDefault(c)
	defer SetDefault(prev)

	if Default() != c {
		t.Fatal("SetDefault did not take effect")
	}
	_ = c.Register(NewSecurityContext("d", MustSet(Filesystem([]string{"/d/*"}, PermWrite))))

	ctx := WithComponent(context.Background(), "d")
	if err := Require(ctx, FilesystemScope, "/d/x", PermWrite); err != nil {
		t.Errorf("Require via default checker: %v", err)
	}
}

func TestCheckerWithAsyncAudit(t *testing.T) {
	sink := &audit.MemorySink{}
	al := audit.NewAsyncLogger(sink, audit.Options{})
	c := newTestChecker(t, al)
	_ = c.Register(NewSecurityContext("c", MustSet(Filesystem([]string{"/a"}, PermRead))))

	c.Check("c", FilesystemScope, "/a", PermRead)
	c.Check("c", FilesystemScope, "/b", PermRead)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := al.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(sink.Records()); got != 2 {
		t.Errorf("audited %d, want 2", got)
	}
}

func TestCheckerConcurrent(t *testing.T) {
	c := newTestChecker(t, audit.Discard{})
	for i := range 50 {
		id := wasmactors.ComponentID(fmt.Sprintf("c%d", i))
		_ = c.Register(NewSecurityContext(id, MustSet(Filesystem([]string{fmt.Sprintf("/c%d/*", i)}, PermRead))))
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := range 16 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 500 {
				n := (g + i) % 50
				id := wasmactors.ComponentID(fmt.Sprintf("c%d", n))
				if !c.Check(id, FilesystemScope, fmt.Sprintf("/c%d/f", n), PermRead).Allowed {
					errs <- fmt.Sprintf("%s denied own path", id)
					return
				}
				if i%100 == 0 {
					_ = c.Register(NewSecurityContext(id, MustSet(Filesystem([]string{fmt.Sprintf("/c%d/*", n)}, PermRead))))
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
