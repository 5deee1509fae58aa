package capability

import (
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wippyai/wasm-actors/errors"
)

// Validate checks a capability declaration. Invalid declarations never reach a Set.
func Validate(c Capability) error {
	label := c.label()

	switch c.Domain {
	case DomainFilesystem, DomainNetwork, DomainStorage:
		allowed := domainPermissions[c.Domain]
		for _, p := range c.Permissions {
			if !slices.Contains(allowed, p) {
				return errors.InvalidManifest("%s: permission %q not valid for domain", label, p)
			}
		}
	case DomainCustom:
		if c.Name == "" {
			return errors.InvalidManifest("custom capability without a name")
		}
		for _, p := range c.Permissions {
			if p == "" {
				return errors.InvalidManifest("%s: empty permission name", label)
			}
		}
	default:
		return errors.InvalidManifest("unknown capability domain %d", uint8(c.Domain))
	}

	if len(c.Patterns) == 0 {
		return errors.InvalidManifest("%s: empty pattern list", label)
	}
	if len(c.Permissions) == 0 {
		return errors.InvalidManifest("%s: empty permission list", label)
	}

	seen := make(map[string]struct{}, len(c.Patterns))
	for _, p := range c.Patterns {
		if _, dup := seen[p]; dup {
			return errors.InvalidManifest("%s: duplicate pattern %q", label, p)
		}
		seen[p] = struct{}{}
		if err := validatePattern(c.Domain, p); err != nil {
			return err
		}
	}

	perms := make(map[Permission]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		if _, dup := perms[p]; dup {
			return errors.InvalidManifest("%s: duplicate permission %q", label, p)
		}
		perms[p] = struct{}{}
	}
	return nil
}

func validatePattern(d Domain, p string) error {
	switch d {
	case DomainFilesystem:
		if !strings.HasPrefix(p, "/") {
			return errors.InvalidManifest("filesystem path %q is not absolute", p)
		}
		if slices.Contains(strings.Split(p, "/"), "..") {
			return errors.InvalidManifest("filesystem path %q escapes its parent", p)
		}
		if !doublestar.ValidatePattern(p) {
			return errors.InvalidManifest("filesystem pattern %q is malformed", p)
		}

	case DomainNetwork:
		host, port, ok := splitEndpoint(p)
		if !ok {
			return errors.InvalidManifest("network endpoint %q has no port", p)
		}
		if host == "" {
			return errors.InvalidManifest("network endpoint %q has no host", p)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return errors.InvalidManifest("network endpoint %q has non-numeric port", p)
		}
		if n < 1 || n > 65535 {
			return errors.InvalidManifest("network endpoint %q: port %d outside 1-65535", p, n)
		}
		if !doublestar.ValidatePattern(hostPath(host)) {
			return errors.InvalidManifest("network pattern %q is malformed", p)
		}

	case DomainStorage:
		if !strings.Contains(p, ":") {
			return errors.InvalidManifest("storage namespace %q needs a ':' hierarchy", p)
		}
		if slices.Contains(strings.Split(p, ":"), "") {
			return errors.InvalidManifest("storage namespace %q has an empty segment", p)
		}
		if !doublestar.ValidatePattern(colonPath(p)) {
			return errors.InvalidManifest("storage pattern %q is malformed", p)
		}

	case DomainCustom:
		if p == "" {
			return errors.InvalidManifest("custom resource pattern is empty")
		}
		if !doublestar.ValidatePattern(colonPath(p)) {
			return errors.InvalidManifest("custom pattern %q is malformed", p)
		}
	}
	return nil
}

// Match reports whether resource matches pattern under the segment rules of d.
//
//	filesystem  "/" segments, resource cleaned first and must be absolute
//	network     host labels split on ".", port compared exactly
//	storage     ":" segments
//	custom      ":" segments
//
// "*" matches within one segment, "**" across any number of segments.
func Match(d Domain, pattern, resource string) bool {
	switch d {
	case DomainFilesystem:
		if !strings.HasPrefix(resource, "/") {
			return false
		}
		ok, _ := doublestar.Match(pattern, path.Clean(resource))
		return ok

	case DomainNetwork:
		ph, pp, ok := splitEndpoint(pattern)
		if !ok {
			return false
		}
		rh, rp, ok := splitEndpoint(resource)
		if !ok || rp != pp {
			return false
		}
		m, _ := doublestar.Match(hostPath(ph), hostPath(rh))
		return m

	case DomainStorage, DomainCustom:
		m, _ := doublestar.Match(colonPath(pattern), colonPath(resource))
		return m
	}
	return false
}

// isLiteral reports whether p contains no glob metacharacters.
func isLiteral(p string) bool {
	return !strings.ContainsAny(p, `*?[{\`)
}

// canonical normalizes a resource for exact lookups.
func canonical(d Domain, resource string) string {
	if d == DomainFilesystem && strings.HasPrefix(resource, "/") {
		return path.Clean(resource)
	}
	return resource
}

func splitEndpoint(s string) (host, port string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func hostPath(host string) string {
	return strings.ReplaceAll(host, ".", "/")
}

func colonPath(s string) string {
	return strings.ReplaceAll(s, ":", "/")
}
