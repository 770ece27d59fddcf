package game

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

// Module is a game with its state type erased, as stored in a Catalog.
type Module interface {
	ID() string
	Name() string
	MinPlayers() int
	MaxPlayers() int
	CommandTypes() []string
	Open(seed string, players []string) (Session, error)
	Restore(snapshot []byte) (Session, error)
}

// Session is one running match of a Module. Sessions are not safe for
// concurrent use; the match host serializes access.
type Session interface {
	GameID() string
	Players() []domain.PlayerID
	Sys() engine.SystemsState
	LastEventID() int64
	Apply(cmd domain.Command) Outcome
	View(viewer domain.PlayerID) (any, error)
	EventsFor(fromID int64, viewer domain.PlayerID) ([]engine.EventStreamEntry, error)
	Redact(entries []engine.EventStreamEntry, viewer domain.PlayerID) ([]engine.EventStreamEntry, error)
	Deadlines() []engine.Deadline
	Snapshot() ([]byte, error)
	Checkpoint() Checkpoint
	Rewind(cp Checkpoint) error
	Reset(seed string) error
	Verify() error
}

// Outcome is the type-erased result of Session.Apply.
type Outcome struct {
	Events    []engine.EventStreamEntry `json:"events,omitempty"`
	Rejection *domain.Rejection         `json:"rejection,omitempty"`
	GameOver  *domain.GameOverResult    `json:"gameOver,omitempty"`
}

func (o Outcome) Accepted() bool { return o.Rejection == nil }

// Checkpoint is an opaque saved session state used for undo.
type Checkpoint struct {
	game  string
	state any
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	Game        string          `json:"game"`
	Epoch       int             `json:"epoch"`
	LastEventID int64           `json:"lastEventId"`
	State       json.RawMessage `json:"state"`
}

// DecodeSnapshot reads the envelope without decoding the game state.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Game == "" || len(snap.State) == 0 {
		return Snapshot{}, fmt.Errorf("decode snapshot: missing game or state")
	}
	return snap, nil
}

var _ Module = (*Game[struct{}])(nil)

// Open starts a new session.
func (g *Game[S]) Open(seed string, players []string) (Session, error) {
	state, err := g.Setup(seed, players)
	if err != nil {
		return nil, err
	}
	return &session[S]{game: g, state: state}, nil
}

// Restore resumes a session from Snapshot output. The restored stream is
// checked for gaps before the session is handed out.
func (g *Game[S]) Restore(data []byte) (Session, error) {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if snap.Game != g.def.ID {
		return nil, fmt.Errorf("snapshot is for game %q, not %q", snap.Game, g.def.ID)
	}
	var state engine.MatchState[S]
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", g.def.ID, err)
	}
	if err := engine.CheckStream(state.EventStream); err != nil {
		return nil, err
	}
	return &session[S]{game: g, state: &state}, nil
}

type session[S any] struct {
	game  *Game[S]
	state *engine.MatchState[S]
}

// State exposes the typed state for callers that know S.
func State[S any](s Session) (*engine.MatchState[S], bool) {
	typed, ok := s.(*session[S])
	if !ok {
		return nil, false
	}
	return typed.state, true
}

func (s *session[S]) GameID() string { return s.game.def.ID }

func (s *session[S]) Players() []domain.PlayerID { return slices.Clone(s.state.Sys.Players) }

func (s *session[S]) Sys() engine.SystemsState { return s.state.Sys.Clone() }

func (s *session[S]) LastEventID() int64 { return engine.LastEventID(s.state) }

func (s *session[S]) Apply(cmd domain.Command) Outcome {
	res := s.game.Apply(s.state, cmd)
	if !res.Accepted() {
		return Outcome{Rejection: res.Rejection}
	}
	s.state = res.State
	return Outcome{Events: res.Events, GameOver: s.state.Sys.GameOver}
}

func (s *session[S]) View(viewer domain.PlayerID) (any, error) {
	return s.game.View(s.state, viewer)
}

func (s *session[S]) EventsFor(fromID int64, viewer domain.PlayerID) ([]engine.EventStreamEntry, error) {
	return s.game.processor.EventsFor(s.state, fromID, viewer)
}

func (s *session[S]) Redact(entries []engine.EventStreamEntry, viewer domain.PlayerID) ([]engine.EventStreamEntry, error) {
	out := make([]engine.EventStreamEntry, 0, len(entries))
	for _, e := range entries {
		r, err := s.game.processor.RedactEvent(e, viewer)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *session[S]) Deadlines() []engine.Deadline { return s.game.processor.Deadlines(s.state) }

func (s *session[S]) Snapshot() ([]byte, error) {
	raw, err := json.Marshal(s.state)
	if err != nil {
		return nil, fmt.Errorf("encode %s state: %w", s.game.def.ID, err)
	}
	return json.Marshal(Snapshot{
		Game:        s.game.def.ID,
		Epoch:       s.state.Sys.Epoch,
		LastEventID: engine.LastEventID(s.state),
		State:       raw,
	})
}

func (s *session[S]) Checkpoint() Checkpoint {
	return Checkpoint{game: s.game.def.ID, state: s.state}
}

// Rewind restores cp under a new epoch.
func (s *session[S]) Rewind(cp Checkpoint) error {
	prev, ok := cp.state.(*engine.MatchState[S])
	if !ok || cp.game != s.game.def.ID {
		return fmt.Errorf("checkpoint does not belong to a %s session", s.game.def.ID)
	}
	next := *prev
	next.Sys = prev.Sys.Clone()
	next.Sys.Epoch = s.state.Sys.Epoch + 1
	s.state = &next
	return nil
}

func (s *session[S]) Reset(seed string) error {
	next, err := s.game.Reset(s.state, seed)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *session[S]) Verify() error {
	if err := engine.CheckStream(s.state.EventStream); err != nil {
		return err
	}
	return s.game.processor.Verify(s.state)
}
