package capability

import (
	"bytes"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-actors/errors"
)

// Format selects the manifest encoding
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

// FormatFromPath picks a format from a file extension. Unknown extensions are TOML.
func FormatFromPath(p string) Format {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Manifest is the declaration file shipped with a component.
type Manifest struct {
	Component    ComponentInfo `toml:"component" yaml:"component"`
	Capabilities Declarations  `toml:"capabilities" yaml:"capabilities"`
	Limits       *LimitsDecl   `toml:"limits,omitempty" yaml:"limits,omitempty"`
}

// ComponentInfo is the [component] table.
type ComponentInfo struct {
	Name        string `toml:"name" yaml:"name"`
	Version     string `toml:"version" yaml:"version"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty"`
}

// Declarations maps permission name to resource patterns, per domain.
type Declarations struct {
	Filesystem map[string][]string            `toml:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Network    map[string][]string            `toml:"network,omitempty" yaml:"network,omitempty"`
	Storage    map[string][]string            `toml:"storage,omitempty" yaml:"storage,omitempty"`
	Custom     map[string]map[string][]string `toml:"custom,omitempty" yaml:"custom,omitempty"`
}

// LimitsDecl is the optional [limits] table. Zero fields fall back to runtime defaults.
type LimitsDecl struct {
	MemoryBytes    uint64 `toml:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`
	ExecutionUnits uint64 `toml:"execution_units,omitempty" yaml:"execution_units,omitempty"`
	Timeout        string `toml:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// TimeoutDuration parses Timeout. Empty means zero.
func (l *LimitsDecl) TimeoutDuration() (time.Duration, error) {
	if l == nil || l.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseManifest, errors.KindInvalidManifest, err, "limits.timeout")
	}
	if d < 0 {
		return 0, errors.InvalidManifest("limits.timeout %q is negative", l.Timeout)
	}
	return d, nil
}

// ParseManifest decodes and validates a manifest. Unknown fields are rejected.
func ParseManifest(data []byte, format Format) (*Manifest, error) {
	var m Manifest

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, errors.Wrap(errors.PhaseManifest, errors.KindInvalidManifest, err, "yaml syntax")
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, errors.Wrap(errors.PhaseManifest, errors.KindInvalidManifest, err, "toml syntax")
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewManifest builds a manifest from a capability set, grouping patterns by permission.
func NewManifest(name, version string, caps Set) *Manifest {
	m := &Manifest{Component: ComponentInfo{Name: name, Version: version}}

	add := func(dst *map[string][]string, c Capability) {
		if *dst == nil {
			*dst = make(map[string][]string)
		}
		for _, p := range c.Permissions {
			for _, pat := range c.Patterns {
				if !slices.Contains((*dst)[string(p)], pat) {
					(*dst)[string(p)] = append((*dst)[string(p)], pat)
				}
			}
		}
	}

	for _, c := range caps.entries {
		switch c.Domain {
		case DomainFilesystem:
			add(&m.Capabilities.Filesystem, c)
		case DomainNetwork:
			add(&m.Capabilities.Network, c)
		case DomainStorage:
			add(&m.Capabilities.Storage, c)
		case DomainCustom:
			if m.Capabilities.Custom == nil {
				m.Capabilities.Custom = make(map[string]map[string][]string)
			}
			perms := m.Capabilities.Custom[c.Name]
			add(&perms, c)
			m.Capabilities.Custom[c.Name] = perms
		}
	}
	return m
}

// Validate checks metadata and every declaration.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Component.Name) == "" {
		return errors.InvalidManifest("component.name is required")
	}
	if strings.TrimSpace(m.Component.Version) == "" {
		return errors.InvalidManifest("component.version is required")
	}
	if _, err := m.Limits.TimeoutDuration(); err != nil {
		return err
	}
	_, err := m.CapabilitySet()
	return err
}

// CapabilitySet converts the declarations into a validated Set.
// Order is filesystem, network, storage, then custom domains by name; permissions sorted.
func (m *Manifest) CapabilitySet() (Set, error) {
	var caps []Capability

	collect := func(d Domain, name string, decl map[string][]string) {
		for _, perm := range slices.Sorted(maps.Keys(decl)) {
			caps = append(caps, Capability{
				Domain:      d,
				Name:        name,
				Patterns:    decl[perm],
				Permissions: []Permission{Permission(perm)},
			})
		}
	}

	collect(DomainFilesystem, "", m.Capabilities.Filesystem)
	collect(DomainNetwork, "", m.Capabilities.Network)
	collect(DomainStorage, "", m.Capabilities.Storage)
	for _, name := range slices.Sorted(maps.Keys(m.Capabilities.Custom)) {
		collect(DomainCustom, name, m.Capabilities.Custom[name])
	}

	return NewSet(caps...)
}

// Encode serializes the manifest in the given format.
func (m *Manifest) Encode(format Format) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch format {
	case FormatYAML:
		out, err = yaml.Marshal(m)
	default:
		out, err = toml.Marshal(m)
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseManifest, errors.KindSerialization, err, "encode manifest")
	}
	return out, nil
}
