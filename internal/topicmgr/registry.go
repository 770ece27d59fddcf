// Package topicmgr keeps a catalog of the bus topics the server publishes on,
// so tools can list them and resolve a concrete topic name to its family.
//
// Topics are defined next to the code that publishes them:
//
//	var EventsTopic = pubsub.NewTopic[Batch]("match.{key}.events")
//
//	var _ = topicmgr.Define(topicmgr.Topic{
//		Name:        EventsTopic.Pattern(),
//		Owner:       "match",
//		Description: "Event batches of one match",
//	})
package topicmgr

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

const keyPlaceholder = "{key}"

var (
	segmentPattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	reservedPrefixes = []string{"system.", "internal.", "debug."}
)

// Topic describes one family of topics.
type Topic struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Example     string `json:"example,omitempty"`
}

// Keyed reports whether the topic name takes a key.
func (t Topic) Keyed() bool { return strings.Contains(t.Name, keyPlaceholder) }

// Match reports whether concrete is a topic of this family and returns the
// key it was built with.
func (t Topic) Match(concrete string) (string, bool) {
	if !t.Keyed() {
		return "", concrete == t.Name
	}
	prefix, suffix, _ := strings.Cut(t.Name, keyPlaceholder)
	if len(concrete) <= len(prefix)+len(suffix) ||
		!strings.HasPrefix(concrete, prefix) || !strings.HasSuffix(concrete, suffix) {
		return "", false
	}
	key := concrete[len(prefix) : len(concrete)-len(suffix)]
	if strings.Contains(key, ".") {
		return "", false
	}
	return key, true
}

// TopicError reports a rejected topic definition.
type TopicError struct {
	Topic   string
	Message string
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("topic %q: %s", e.Topic, e.Message)
}

// ValidateName checks that name is made of lowercase dot-separated segments,
// at most one of which is the {key} placeholder.
func ValidateName(name string) error {
	if name == "" {
		return &TopicError{Topic: name, Message: "name cannot be empty"}
	}
	if len(name) > 100 {
		return &TopicError{Topic: name, Message: "name too long (max 100 characters)"}
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return &TopicError{Topic: name, Message: "name cannot start with reserved prefix " + prefix}
		}
	}
	keys := 0
	for _, segment := range strings.Split(name, ".") {
		if segment == keyPlaceholder {
			keys++
			continue
		}
		if !segmentPattern.MatchString(segment) {
			return &TopicError{Topic: name, Message: fmt.Sprintf("invalid segment %q", segment)}
		}
	}
	if keys > 1 {
		return &TopicError{Topic: name, Message: "name can hold at most one {key}"}
	}
	return nil
}

// Registry is a concurrency-safe set of topic definitions.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]Topic
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]Topic)}
}

// Register adds t. Names must be valid and unique and every topic needs an
// owner.
func (r *Registry) Register(t Topic) error {
	if err := ValidateName(t.Name); err != nil {
		return err
	}
	if t.Owner == "" {
		return &TopicError{Topic: t.Name, Message: "owner is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[t.Name]; exists {
		return &TopicError{Topic: t.Name, Message: "already registered"}
	}
	r.topics[t.Name] = t
	return nil
}

// Get returns the topic registered under name.
func (r *Registry) Get(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// List returns every topic sorted by name.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Topic) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Resolve finds the topic family a concrete name belongs to.
func (r *Registry) Resolve(concrete string) (Topic, string, bool) {
	for _, t := range r.List() {
		if key, ok := t.Match(concrete); ok {
			return t, key, true
		}
	}
	return Topic{}, "", false
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry Define writes to.
func Default() *Registry { return defaultRegistry }

// Define registers t with the default registry and panics if it is invalid.
// It is meant for package-level topic declarations.
func Define(t Topic) Topic {
	if err := defaultRegistry.Register(t); err != nil {
		panic(err)
	}
	return t
}
