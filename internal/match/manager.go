// Package match hosts running matches. Each match gets a Host that applies
// commands one at a time, persists and publishes the results, and enforces
// prompt and phase timeouts on behalf of the systems that declare them.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
)

// SnapshotStore keeps the latest snapshot of every match. LoadSnapshot wraps
// domain.ErrMatchNotFound for unknown ids.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, matchID string, data []byte) error
	LoadSnapshot(ctx context.Context, matchID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, matchID string) error
	ListSnapshots(ctx context.Context) ([]string, error)
}

// Journal records accepted events by match and epoch.
type Journal interface {
	Append(ctx context.Context, matchID string, epoch int, entries []engine.EventStreamEntry) error
}

// CreateRequest describes a new match.
type CreateRequest struct {
	Game    string   `json:"game" validate:"required,max=64"`
	Seed    string   `json:"seed" validate:"max=256"`
	Players []string `json:"players" validate:"required,min=1,max=16"`
}

type environment struct {
	publisher    Publisher
	snapshots    SnapshotStore
	journal      Journal
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time
	historyLimit int
	queueSize    int
}

// Option configures a Manager.
type Option func(*environment)

// WithPublisher publishes every batch through p.
func WithPublisher(p Publisher) Option {
	return func(e *environment) { e.publisher = p }
}

// WithSnapshots persists a snapshot after every change.
func WithSnapshots(s SnapshotStore) Option {
	return func(e *environment) { e.snapshots = s }
}

// WithJournal appends accepted events to j.
func WithJournal(j Journal) Option {
	return func(e *environment) { e.journal = j }
}

// WithTracer traces every applied command.
func WithTracer(t trace.Tracer) Option {
	return func(e *environment) { e.tracer = t }
}

// WithLogger sets the manager and host logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *environment) { e.logger = l }
}

// WithClock replaces time.Now for command timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *environment) { e.now = now }
}

// WithHistoryLimit bounds how many commands can be undone. Zero disables undo.
func WithHistoryLimit(n int) Option {
	return func(e *environment) { e.historyLimit = n }
}

// WithQueueSize sets the per-match request buffer.
func WithQueueSize(n int) Option {
	return func(e *environment) { e.queueSize = n }
}

// Manager creates, tracks and closes match hosts.
type Manager struct {
	catalog *game.Catalog
	env     *environment
	logger  *slog.Logger

	mu    sync.RWMutex
	hosts map[string]*Host
}

// NewManager creates a manager opening games from catalog.
func NewManager(catalog *game.Catalog, opts ...Option) *Manager {
	env := &environment{
		tracer:       noop.NewTracerProvider().Tracer("match"),
		logger:       slog.Default(),
		now:          time.Now,
		historyLimit: 32,
		queueSize:    64,
	}
	for _, opt := range opts {
		opt(env)
	}
	env.logger = env.logger.With("component", "match")
	return &Manager{
		catalog: catalog,
		env:     env,
		logger:  env.logger,
		hosts:   make(map[string]*Host),
	}
}

// Create opens a new match with a fresh id. An empty seed defaults to the id.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Host, error) {
	id := uuid.NewString()
	seed := req.Seed
	if seed == "" {
		seed = id
	}
	sess, err := m.catalog.Open(req.Game, seed, req.Players)
	if err != nil {
		return nil, err
	}
	h := newHost(id, sess, m.env)

	m.mu.Lock()
	m.hosts[id] = h
	m.mu.Unlock()

	// The initial snapshot makes the match restorable before its first command.
	if err := h.call(ctx, func() { h.commit(ctx, Batch{Kind: BatchOpen, FromID: 0}) }); err != nil {
		m.mu.Lock()
		delete(m.hosts, id)
		m.mu.Unlock()
		h.Close()
		return nil, err
	}
	m.logger.Info("Match created", "match", id, "game", req.Game, "players", len(req.Players))
	return h, nil
}

// Get returns the host of a running match.
func (m *Manager) Get(id string) (*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMatchNotFound, id)
	}
	return h, nil
}

// List describes every running match, sorted by id.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(hosts))
	for _, h := range hosts {
		info, err := h.Info(ctx)
		if errors.Is(err, domain.ErrMatchClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Close stops a match. Its snapshot is deleted when purge is set.
func (m *Manager) Close(ctx context.Context, id string, purge bool) error {
	m.mu.Lock()
	h, ok := m.hosts[id]
	delete(m.hosts, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMatchNotFound, id)
	}
	h.Close()
	if purge && m.env.snapshots != nil {
		if err := m.env.snapshots.DeleteSnapshot(ctx, id); err != nil {
			return fmt.Errorf("failed to delete snapshot of %s: %w", id, err)
		}
	}
	m.logger.Info("Match closed", "match", id, "purged", purge)
	return nil
}

// Restore reopens a match from the snapshot store.
func (m *Manager) Restore(ctx context.Context, id string) (*Host, error) {
	if h, err := m.Get(id); err == nil {
		return h, nil
	}
	if m.env.snapshots == nil {
		return nil, fmt.Errorf("%w: %s (no snapshot store)", domain.ErrMatchNotFound, id)
	}
	data, err := m.env.snapshots.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := m.catalog.Restore(data)
	if err != nil {
		return nil, fmt.Errorf("failed to restore match %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosts[id]; ok {
		return h, nil
	}
	h := newHost(id, sess, m.env)
	m.hosts[id] = h
	m.logger.Info("Match restored", "match", id, "game", sess.GameID(), "last_event_id", sess.LastEventID())
	return h, nil
}

// RestoreAll reopens every stored match. Matches that fail to restore are
// logged and skipped.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	if m.env.snapshots == nil {
		return 0, nil
	}
	ids, err := m.env.snapshots.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	restored := 0
	for _, id := range ids {
		if _, err := m.Restore(ctx, id); err != nil {
			m.logger.Error("Failed to restore match", "match", id, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// Disconnect skips player's pending skippable prompt in match id.
func (m *Manager) Disconnect(ctx context.Context, id string, player domain.PlayerID) (bool, error) {
	h, err := m.Get(id)
	if err != nil {
		return false, err
	}
	return h.Disconnect(ctx, player)
}

// Shutdown closes every host.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hosts := m.hosts
	m.hosts = make(map[string]*Host)
	m.mu.Unlock()
	for _, h := range hosts {
		h.Close()
	}
}
