// Package presence tracks which seated players have a live stream open on
// each match. A player whose last connection closes is reported offline after
// a debounce delay, which absorbs page reloads and brief network drops.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/topicmgr"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DefaultOfflineDebounce is the time to wait before marking a player offline
// after their last connection closes.
const DefaultOfflineDebounce = 5 * time.Second

// Seat identifies one player at one match.
type Seat struct {
	Match  string
	Player domain.PlayerID
}

// Update is published on Topic whenever a seat changes status.
type Update struct {
	Match     string            `json:"match"`
	Player    domain.PlayerID   `json:"player"`
	Status    Status            `json:"status"`
	Online    []domain.PlayerID `json:"online"`
	Timestamp time.Time         `json:"timestamp"`
}

// Topic carries presence updates keyed by match id.
var Topic = pubsub.NewTopic[Update]("match.{key}.presence")

var _ = topicmgr.Define(topicmgr.Topic{
	Name:        Topic.Pattern(),
	Owner:       "presence",
	Description: "Seated players of one match going online or offline",
	Example:     `{"match":"m1","player":"ann","status":"offline","online":["bob"]}`,
})

// OfflineFunc is called once a seat has stayed disconnected for the debounce
// delay.
type OfflineFunc func(ctx context.Context, seat Seat)

type Service struct {
	mu      sync.Mutex
	seats   map[Seat]map[string]time.Time // seat -> clientID -> connected at
	clients map[string]Seat
	pending map[Seat]*time.Timer
	closed  bool

	delay     time.Duration
	publisher pubsub.Publisher
	onOffline OfflineFunc
	logger    *slog.Logger
	now       func() time.Time
}

// Option is a function that configures a Service.
type Option func(*Service)

// WithOfflineDebounce sets the offline delay. Zero reports offline at once.
func WithOfflineDebounce(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// WithPublisher publishes every Update through p.
func WithPublisher(p pubsub.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// OnOffline registers fn to run when a seat goes offline.
func OnOffline(fn OfflineFunc) Option {
	return func(s *Service) { s.onOffline = fn }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a presence service.
func NewService(opts ...Option) *Service {
	s := &Service{
		seats:   make(map[Seat]map[string]time.Time),
		clients: make(map[string]Seat),
		pending: make(map[Seat]*time.Timer),
		delay:   DefaultOfflineDebounce,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", "presence")
	return s
}

// Connect records clientID as a live connection for seat.
func (s *Service) Connect(ctx context.Context, seat Seat, clientID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if timer, ok := s.pending[seat]; ok {
		timer.Stop()
		delete(s.pending, seat)
		s.logger.Debug("Cancelled offline debounce due to reconnection", "match", seat.Match, "player", seat.Player)
	}
	clients := s.seats[seat]
	first := len(clients) == 0
	if clients == nil {
		clients = make(map[string]time.Time)
		s.seats[seat] = clients
	}
	clients[clientID] = s.now()
	s.clients[clientID] = seat
	online := s.onlineLocked(seat.Match)
	s.mu.Unlock()

	if first {
		s.logger.Info("Player came online", "match", seat.Match, "player", seat.Player, "client_id", clientID)
		s.publish(ctx, seat, StatusOnline, online)
	}
}

// Disconnect removes clientID. When it was the seat's last connection the
// seat goes offline after the debounce delay.
func (s *Service) Disconnect(ctx context.Context, clientID string) {
	s.mu.Lock()
	seat, ok := s.clients[clientID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.clients, clientID)
	clients := s.seats[seat]
	delete(clients, clientID)
	if len(clients) > 0 {
		s.mu.Unlock()
		return
	}
	if s.delay > 0 {
		s.pending[seat] = time.AfterFunc(s.delay, func() { s.expire(seat) })
		s.mu.Unlock()
		s.logger.Debug("Player has no more connections, scheduling offline", "match", seat.Match, "player", seat.Player, "delay", s.delay)
		return
	}
	delete(s.seats, seat)
	online := s.onlineLocked(seat.Match)
	s.mu.Unlock()
	s.offline(ctx, seat, online)
}

func (s *Service) expire(seat Seat) {
	s.mu.Lock()
	if _, ok := s.pending[seat]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, seat)
	if len(s.seats[seat]) > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.seats, seat)
	online := s.onlineLocked(seat.Match)
	s.mu.Unlock()
	s.offline(context.Background(), seat, online)
}

func (s *Service) offline(ctx context.Context, seat Seat, online []domain.PlayerID) {
	s.logger.Info("Player went offline", "match", seat.Match, "player", seat.Player)
	s.publish(ctx, seat, StatusOffline, online)
	if s.onOffline != nil {
		s.onOffline(ctx, seat)
	}
}

// Online lists the players of match with at least one live connection.
func (s *Service) Online(match string) []domain.PlayerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked(match)
}

func (s *Service) onlineLocked(match string) []domain.PlayerID {
	out := []domain.PlayerID{}
	for seat, clients := range s.seats {
		if seat.Match == match && len(clients) > 0 {
			out = append(out, seat.Player)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Service) publish(ctx context.Context, seat Seat, status Status, online []domain.PlayerID) {
	if s.publisher == nil {
		return
	}
	update := Update{Match: seat.Match, Player: seat.Player, Status: status, Online: online, Timestamp: s.now()}
	if err := pubsub.Publish(ctx, s.publisher, Topic, seat.Match, update); err != nil {
		s.logger.Error("Failed to publish presence update", "match", seat.Match, "error", err)
	}
}

// Shutdown stops pending offline timers. Later calls are ignored.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for seat, timer := range s.pending {
		timer.Stop()
		delete(s.pending, seat)
	}
}
