package capability

import (
	"fmt"
	"slices"

	wasmactors "github.com/wippyai/wasm-actors"
)

// Domain groups resources that share a pattern syntax
type Domain uint8

const (
	DomainFilesystem Domain = iota + 1
	DomainNetwork
	DomainStorage
	DomainCustom
)

func (d Domain) String() string {
	switch d {
	case DomainFilesystem:
		return "filesystem"
	case DomainNetwork:
		return "network"
	case DomainStorage:
		return "storage"
	case DomainCustom:
		return "custom"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Permission names an operation on a resource. Custom domains may use any name.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
	PermDelete  Permission = "delete"
	PermList    Permission = "list"
	PermConnect Permission = "connect"
	PermBind    Permission = "bind"
	PermListen  Permission = "listen"
	PermSend    Permission = "send"
)

// domainPermissions lists the operations each built-in domain accepts.
var domainPermissions = map[Domain][]Permission{
	DomainFilesystem: {PermRead, PermWrite, PermExecute, PermDelete, PermList},
	DomainNetwork:    {PermConnect, PermBind, PermListen, PermSend},
	DomainStorage:    {PermRead, PermWrite, PermDelete, PermList},
}

// Messaging capability used for component-to-component sends.
const (
	MessagingDomain = "messaging"
	MessagingPrefix = "component:"
)

// Scope is the domain a checked resource belongs to. Name is only set for
// DomainCustom. A grant in one scope never matches a check in another.
type Scope struct {
	Domain Domain
	Name   string
}

var (
	FilesystemScope = Scope{Domain: DomainFilesystem}
	NetworkScope    = Scope{Domain: DomainNetwork}
	StorageScope    = Scope{Domain: DomainStorage}
	MessagingScope  = CustomScope(MessagingDomain)
)

// CustomScope is the scope of the custom domain called name.
func CustomScope(name string) Scope {
	return Scope{Domain: DomainCustom, Name: name}
}

func (s Scope) String() string {
	if s.Domain == DomainCustom {
		return "custom." + s.Name
	}
	return s.Domain.String()
}

// MessagingResource is the resource a source must hold PermSend on to message target.
func MessagingResource(target wasmactors.ComponentID) string {
	return MessagingPrefix + string(target)
}

// Capability grants a set of permissions on resources matching any of its patterns.
// Name is only set for DomainCustom.
type Capability struct {
	Domain      Domain
	Name        string
	Patterns    []string
	Permissions []Permission
}

// Filesystem builds a filesystem capability.
func Filesystem(patterns []string, perms ...Permission) Capability {
	return Capability{Domain: DomainFilesystem, Patterns: patterns, Permissions: perms}
}

// Network builds a network capability over host:port endpoints.
func Network(endpoints []string, perms ...Permission) Capability {
	return Capability{Domain: DomainNetwork, Patterns: endpoints, Permissions: perms}
}

// Storage builds a storage capability over ns:key namespaces.
func Storage(namespaces []string, perms ...Permission) Capability {
	return Capability{Domain: DomainStorage, Patterns: namespaces, Permissions: perms}
}

// Custom builds a capability in a named custom domain.
func Custom(name string, resources []string, perms ...Permission) Capability {
	return Capability{Domain: DomainCustom, Name: name, Patterns: resources, Permissions: perms}
}

// Messaging allows sending to the listed component ids (globs allowed).
func Messaging(targets ...string) Capability {
	resources := make([]string, len(targets))
	for i, t := range targets {
		resources[i] = MessagingPrefix + t
	}
	return Custom(MessagingDomain, resources, PermSend)
}

func (c Capability) clone() Capability {
	c.Patterns = slices.Clone(c.Patterns)
	c.Permissions = slices.Clone(c.Permissions)
	return c
}

// Scope returns the scope the capability grants in.
func (c Capability) Scope() Scope {
	if c.Domain == DomainCustom {
		return CustomScope(c.Name)
	}
	return Scope{Domain: c.Domain}
}

func (c Capability) label() string {
	if c.Domain == DomainCustom && c.Name != "" {
		return "custom." + c.Name
	}
	return c.Domain.String()
}

// Set is an immutable collection of capabilities. The zero value denies everything.
type Set struct {
	entries []Capability
}

// NewSet validates caps and returns a set holding copies of them.
func NewSet(caps ...Capability) (Set, error) {
	entries := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if err := Validate(c); err != nil {
			return Set{}, err
		}
		entries = append(entries, c.clone())
	}
	return Set{entries: entries}, nil
}

// MustSet is NewSet for static declarations. It panics on invalid input.
func MustSet(caps ...Capability) Set {
	s, err := NewSet(caps...)
	if err != nil {
		panic(err)
	}
	return s
}

// Entries returns a copy of the capabilities in declaration order.
func (s Set) Entries() []Capability {
	out := make([]Capability, len(s.entries))
	for i, c := range s.entries {
		out[i] = c.clone()
	}
	return out
}

func (s Set) Len() int { return len(s.entries) }

func (s Set) IsEmpty() bool { return len(s.entries) == 0 }

// Grants reports whether any capability of scope in the set allows perm on resource.
// This is a linear scan; the Checker keeps an index for hot paths.
func (s Set) Grants(scope Scope, resource string, perm Permission) bool {
	for _, c := range s.entries {
		if c.Scope() != scope || !slices.Contains(c.Permissions, perm) {
			continue
		}
		for _, p := range c.Patterns {
			if Match(c.Domain, p, resource) {
				return true
			}
		}
	}
	return false
}

// SecurityContext binds a capability set to the component that holds it.
type SecurityContext struct {
	Component    wasmactors.ComponentID
	Capabilities Set
}

// NewSecurityContext creates a context for id.
func NewSecurityContext(id wasmactors.ComponentID, caps Set) SecurityContext {
	return SecurityContext{Component: id, Capabilities: caps}
}

// Decision is the outcome of a capability check
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return "denied: " + d.Reason
}
