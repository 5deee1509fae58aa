package capability

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	werrors "github.com/wippyai/wasm-actors/errors"
)

const billingTOML = `
[component]
name = "billing"
version = "1.2.0"

[capabilities.filesystem]
read = ["/app/data/*", "/app/config.toml"]
write = ["/app/data/out/**"]

[capabilities.network]
connect = ["api.example.com:443", "*.cdn.example.com:80"]

[capabilities.storage]
read = ["billing:*"]
write = ["billing:invoices:*"]

[capabilities.custom.messaging]
send = ["component:inventory"]

[limits]
memory_bytes = 1048576
execution_units = 5000
timeout = "250ms"
`

func TestParseManifestTOML(t *testing.T) {
	m, err := ParseManifest([]byte(billingTOML), FormatTOML)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	if m.Component.Name != "billing" || m.Component.Version != "1.2.0" {
		t.Errorf("component = %+v", m.Component)
	}
	if m.Limits == nil || m.Limits.MemoryBytes != 1048576 || m.Limits.ExecutionUnits != 5000 {
		t.Fatalf("limits = %+v", m.Limits)
	}
	if d, _ := m.Limits.TimeoutDuration(); d != 250*time.Millisecond {
		t.Errorf("timeout = %v", d)
	}

	set, err := m.CapabilitySet()
	if err != nil {
		t.Fatalf("CapabilitySet: %v", err)
	}
	// fs read, fs write, net connect, storage read, storage write, messaging send
	if set.Len() != 6 {
		t.Fatalf("Len = %d, want 6", set.Len())
	}

	entries := set.Entries()
	if entries[0].Domain != DomainFilesystem || entries[0].Permissions[0] != PermRead {
		t.Errorf("first entry = %+v", entries[0])
	}
	if last := entries[5]; last.Domain != DomainCustom || last.Name != MessagingDomain {
		t.Errorf("last entry = %+v", last)
	}

	checks := []struct {
		scope    Scope
		resource string
		perm     Permission
		want     bool
	}{
		{FilesystemScope, "/app/data/report.csv", PermRead, true},
		{FilesystemScope, "/app/data/report.csv", PermWrite, false},
		{FilesystemScope, "/app/data/out/2024/01.csv", PermWrite, true},
		{NetworkScope, "img.cdn.example.com:80", PermConnect, true},
		{StorageScope, "billing:invoices:42", PermWrite, true},
		{StorageScope, "billing:invoices:42", PermRead, false},
		{MessagingScope, "component:inventory", PermSend, true},
		{MessagingScope, "component:orders", PermSend, false},
		{StorageScope, "component:inventory", PermSend, false},
	}
	for _, c := range checks {
		if got := set.Grants(c.scope, c.resource, c.perm); got != c.want {
			t.Errorf("Grants(%s, %q, %q) = %v, want %v", c.scope, c.resource, c.perm, got, c.want)
		}
	}
}

func TestParseManifestYAML(t *testing.T) {
	doc := `
component:
  name: inventory
  version: 0.1.0
capabilities:
  filesystem:
    read: ["/srv/inventory/**"]
  network:
    connect: ["db.internal:5432"]
`
	m, err := ParseManifest([]byte(doc), FormatYAML)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	set, _ := m.CapabilitySet()
	if !set.Grants(FilesystemScope, "/srv/inventory/a/b", PermRead) {
		t.Error("recursive read should be granted")
	}
	if m.Limits != nil {
		t.Errorf("limits = %+v, want nil", m.Limits)
	}
}

func TestParseManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing name",
			doc:  "[component]\nversion = \"1.0\"\n",
			want: "component.name",
		},
		{
			name: "missing version",
			doc:  "[component]\nname = \"x\"\n",
			want: "component.version",
		},
		{
			name: "relative path",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\n[capabilities.filesystem]\nread = [\"data/*\"]\n",
			want: "not absolute",
		},
		{
			name: "parent escape",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\n[capabilities.filesystem]\nread = [\"/app/../etc\"]\n",
			want: "escapes",
		},
		{
			name: "empty list",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\n[capabilities.storage]\nread = []\n",
			want: "empty pattern list",
		},
		{
			name: "unknown permission",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\n[capabilities.network]\nfly = [\"a.b:1\"]\n",
			want: "not valid for domain",
		},
		{
			name: "bad port",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\n[capabilities.network]\nconnect = [\"a.b:0\"]\n",
			want: "outside 1-65535",
		},
		{
			name: "unknown field",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\nauthor = \"me\"\n",
			want: "toml syntax",
		},
		{
			name: "syntax error",
			doc:  "[component\n",
			want: "toml syntax",
		},
		{
			name: "bad timeout",
			doc:  "[component]\nname = \"x\"\nversion = \"1\"\n[limits]\ntimeout = \"soon\"\n",
			want: "limits.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc), FormatTOML)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, werrors.ErrInvalidManifest) {
				t.Errorf("kind = %v", werrors.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	orig, err := ParseManifest([]byte(billingTOML), FormatTOML)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	for _, format := range []Format{FormatTOML, FormatYAML} {
		data, err := orig.Encode(format)
		if err != nil {
			t.Fatalf("Encode(%d): %v", format, err)
		}
		back, err := ParseManifest(data, format)
		if err != nil {
			t.Fatalf("ParseManifest(%d): %v\n%s", format, err, data)
		}
		if !reflect.DeepEqual(orig, back) {
			t.Errorf("format %d round trip mismatch:\norig %+v\nback %+v", format, orig, back)
		}
	}
}

func TestNewManifestFromSet(t *testing.T) {
	set := MustSet(
		Filesystem([]string{"/a/*", "/b"}, PermRead, PermWrite),
		Messaging("inventory"),
	)
	m := NewManifest("c", "1", set)

	if got := m.Capabilities.Filesystem["write"]; !reflect.DeepEqual(got, []string{"/a/*", "/b"}) {
		t.Errorf("filesystem.write = %v", got)
	}
	if got := m.Capabilities.Custom[MessagingDomain]["send"]; !reflect.DeepEqual(got, []string{"component:inventory"}) {
		t.Errorf("custom.messaging.send = %v", got)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFormatFromPath(t *testing.T) {
	if FormatFromPath("Component.toml") != FormatTOML {
		t.Error("toml")
	}
	if FormatFromPath("component.YML") != FormatYAML {
		t.Error("yml")
	}
	if FormatFromPath("manifest") != FormatTOML {
		t.Error("default")
	}
}
