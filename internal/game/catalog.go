package game

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/tabletop/internal/domain"
)

// Source records where a catalog module came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceScript  Source = "script"
)

// Info describes a registered module.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MinPlayers   int       `json:"minPlayers"`
	MaxPlayers   int       `json:"maxPlayers"`
	CommandTypes []string  `json:"commandTypes"`
	Source       Source    `json:"source"`
	RegisteredAt time.Time `json:"registeredAt"`
	Quarantined  string    `json:"quarantined,omitempty"`
}

type catalogEntry struct {
	module       Module
	source       Source
	registeredAt time.Time
	quarantined  string
}

// Catalog is the registry of playable games keyed by game id.
type Catalog struct {
	entries map[string]*catalogEntry
	mu      sync.RWMutex
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*catalogEntry)}
}

// Register adds m. Nil modules, empty ids and duplicates are ConfigErrors.
func (c *Catalog) Register(m Module, source Source) error {
	if m == nil {
		return domain.NewConfigError("catalog", "cannot register nil module")
	}
	id := m.ID()
	if id == "" {
		return domain.NewConfigError("catalog", "module id cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; exists {
		return domain.NewConfigError("catalog", "game already registered: %s", id)
	}
	c.entries[id] = &catalogEntry{module: m, source: source, registeredAt: time.Now()}
	return nil
}

// Replace registers m, overwriting any module with the same id. Running
// sessions keep the module they were opened with.
func (c *Catalog) Replace(m Module, source Source) error {
	if m == nil || m.ID() == "" {
		return domain.NewConfigError("catalog", "cannot register nil or unnamed module")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.ID()] = &catalogEntry{module: m, source: source, registeredAt: time.Now()}
	return nil
}

// Remove drops a module. It reports whether one was registered.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

// Quarantine stops new matches of id from opening. Restores still work so
// existing matches can be inspected.
func (c *Catalog) Quarantine(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrGameNotFound, id)
	}
	if reason == "" {
		reason = "quarantined"
	}
	e.quarantined = reason
	return nil
}

// Lookup returns the module for id, wrapping domain.ErrGameNotFound.
func (c *Catalog) Lookup(id string) (Module, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrGameNotFound, id)
	}
	return e.module, nil
}

// List describes every module, sorted by id.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Info{
			ID:           e.module.ID(),
			Name:         e.module.Name(),
			MinPlayers:   e.module.MinPlayers(),
			MaxPlayers:   e.module.MaxPlayers(),
			CommandTypes: e.module.CommandTypes(),
			Source:       e.source,
			RegisteredAt: e.registeredAt,
			Quarantined:  e.quarantined,
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Open starts a session of game id.
func (c *Catalog) Open(id, seed string, players []string) (Session, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	var quarantined string
	if ok {
		quarantined = e.quarantined
	}
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrGameNotFound, id)
	}
	if quarantined != "" {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrGameUnavailable, id, quarantined)
	}
	return e.module.Open(seed, players)
}

// Restore routes a snapshot to the module that produced it.
func (c *Catalog) Restore(data []byte) (Session, error) {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	m, err := c.Lookup(snap.Game)
	if err != nil {
		return nil, err
	}
	return m.Restore(data)
}
