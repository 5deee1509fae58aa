package router

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
)

// Subscription binds a component to a topic pattern.
type Subscription struct {
	ID        uuid.UUID
	Component wasmactors.ComponentID
	Pattern   string
	Created   time.Time
}

// Topics are dot-separated. Patterns may use "*" for one segment and "**"
// for any number of trailing or inner segments.
func topicPath(s string) string { return strings.ReplaceAll(s, ".", "/") }

// ValidateTopic rejects empty topics, empty segments and wildcards.
func ValidateTopic(topic string) error {
	if err := validateSegments(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "*?[]{}\\") {
		return errors.InvalidInput(errors.PhaseRouter, "topic "+topic+" contains pattern characters")
	}
	return nil
}

// ValidatePattern rejects malformed topic patterns.
func ValidatePattern(pattern string) error {
	if err := validateSegments(pattern); err != nil {
		return err
	}
	if !doublestar.ValidatePattern(topicPath(pattern)) {
		return errors.InvalidInput(errors.PhaseRouter, "malformed topic pattern "+pattern)
	}
	return nil
}

func validateSegments(s string) error {
	if s == "" {
		return errors.InvalidInput(errors.PhaseRouter, "empty topic")
	}
	if strings.Contains(s, "/") {
		return errors.InvalidInput(errors.PhaseRouter, "topic "+s+" contains '/'")
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return errors.InvalidInput(errors.PhaseRouter, "topic "+s+" has an empty segment")
		}
	}
	return nil
}

// MatchTopic reports whether topic matches pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ok, err := doublestar.Match(topicPath(pattern), topicPath(topic))
	return err == nil && ok
}

type subscriptions struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]Subscription
	now  func() time.Time
}

func newSubscriptions(now func() time.Time) *subscriptions {
	return &subscriptions{byID: make(map[uuid.UUID]Subscription), now: now}
}

func (s *subscriptions) add(component wasmactors.ComponentID, pattern string) (Subscription, error) {
	if component == "" {
		return Subscription{}, errors.InvalidInput(errors.PhaseRouter, "empty component id")
	}
	if err := ValidatePattern(pattern); err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:        uuid.New(),
		Component: component,
		Pattern:   pattern,
		Created:   s.now(),
	}
	s.mu.Lock()
	s.byID[sub.ID] = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *subscriptions) remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

func (s *subscriptions) removeComponent(component wasmactors.ComponentID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sub := range s.byID {
		if sub.Component == component {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

// match returns each subscribed component at most once, sorted by id.
func (s *subscriptions) match(topic string) []wasmactors.ComponentID {
	s.mu.RLock()
	seen := make(map[wasmactors.ComponentID]struct{})
	for _, sub := range s.byID {
		if _, dup := seen[sub.Component]; dup {
			continue
		}
		if MatchTopic(sub.Pattern, topic) {
			seen[sub.Component] = struct{}{}
		}
	}
	s.mu.RUnlock()

	out := make([]wasmactors.ComponentID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *subscriptions) list(component wasmactors.ComponentID) []Subscription {
	s.mu.RLock()
	var out []Subscription
	for _, sub := range s.byID {
		if component == "" || sub.Component == component {
			out = append(out, sub)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Subscription) int {
		if c := strings.Compare(string(a.Component), string(b.Component)); c != 0 {
			return c
		}
		return strings.Compare(a.Pattern, b.Pattern)
	})
	return out
}

func (s *subscriptions) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
