package engine

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/random"
)

// MatchState is the full authoritative state of one match. It is the unit of
// persistence and transport. Values are treated as immutable: Apply returns a
// new MatchState and never modifies its input.
type MatchState[S any] struct {
	Core        S                  `json:"core"`
	Sys         SystemsState       `json:"sys"`
	EventStream []EventStreamEntry `json:"eventStream"`
	RNG         random.Cursor      `json:"rng"`
}

// EventStreamEntry is one event in the append-only match log.
type EventStreamEntry struct {
	ID    int64        `json:"id"`
	Event domain.Event `json:"event"`
}

// SystemsState is owned by the systems pipeline. Domain code never writes it.
type SystemsState struct {
	Players     []domain.PlayerID          `json:"players"`
	Turn        TurnState                  `json:"turn"`
	Prompt      PromptState                `json:"prompt"`
	GameOver    *domain.GameOverResult     `json:"gameOver,omitempty"`
	NextEventID int64                      `json:"nextEventId"`
	Epoch       int                        `json:"epoch"`
	Ext         map[string]json.RawMessage `json:"ext,omitempty"`
}

// TurnState is the phase/turn slice.
type TurnState struct {
	Phase          string          `json:"phase,omitempty"`
	Turn           int             `json:"turn"`
	ActivePlayer   domain.PlayerID `json:"activePlayer,omitempty"`
	PhaseStartedAt int64           `json:"phaseStartedAt,omitempty"`
	Deadline       int64           `json:"deadline,omitempty"`
	Window         *ResponseWindow `json:"window,omitempty"`
}

// ResponseWindow lets one player act out of turn.
type ResponseWindow struct {
	Responder domain.PlayerID `json:"responder"`
	Allowed   []string        `json:"allowed,omitempty"`
	OpenedAt  int64           `json:"openedAt"`
}

// PromptState is the prompt slice. Current is the prompt awaiting a response;
// Queue holds prompts requested while another was pending.
type PromptState struct {
	Current *Prompt  `json:"current,omitempty"`
	Queue   []Prompt `json:"queue,omitempty"`
	Seq     int      `json:"seq"`
}

// Prompt is a pending player choice.
type Prompt struct {
	ID        string          `json:"id"`
	ForPlayer domain.PlayerID `json:"forPlayerId"`
	Title     string          `json:"title,omitempty"`
	SourceID  string          `json:"sourceId,omitempty"`
	Options   []PromptOption  `json:"options,omitempty"`
	Min       int             `json:"min,omitempty"`
	Max       int             `json:"max,omitempty"`
	Skippable bool            `json:"skippable,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Deadline  int64           `json:"deadline,omitempty"`
	Redacted  bool            `json:"redacted,omitempty"`
}

// PromptOption is one selectable answer.
type PromptOption struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// PendingPrompt returns the prompt awaiting a response, or nil.
func (s *SystemsState) PendingPrompt() *Prompt {
	return s.Prompt.Current
}

// HasPlayer reports whether id is seated in the match.
func (s *SystemsState) HasPlayer(id domain.PlayerID) bool {
	return slices.Contains(s.Players, id)
}

// Clone deep-copies the systems state.
func (s SystemsState) Clone() SystemsState {
	out := s
	out.Players = slices.Clone(s.Players)
	if s.Turn.Window != nil {
		w := *s.Turn.Window
		w.Allowed = slices.Clone(w.Allowed)
		out.Turn.Window = &w
	}
	if s.Prompt.Current != nil {
		p := s.Prompt.Current.clone()
		out.Prompt.Current = &p
	}
	if s.Prompt.Queue != nil {
		out.Prompt.Queue = make([]Prompt, len(s.Prompt.Queue))
		for i := range s.Prompt.Queue {
			out.Prompt.Queue[i] = s.Prompt.Queue[i].clone()
		}
	}
	if s.GameOver != nil {
		g := *s.GameOver
		out.GameOver = &g
	}
	if s.Ext != nil {
		out.Ext = make(map[string]json.RawMessage, len(s.Ext))
		for k, v := range s.Ext {
			out.Ext[k] = slices.Clone(v)
		}
	}
	return out
}

func (p Prompt) clone() Prompt {
	p.Options = slices.Clone(p.Options)
	return p
}

// LoadExt decodes the namespaced slice of a custom system into target.
// A missing slice leaves target untouched.
func (s *SystemsState) LoadExt(systemID string, target any) error {
	raw, ok := s.Ext[systemID]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s state: %w", systemID, err)
	}
	return nil
}

// StoreExt encodes value as the namespaced slice of a custom system.
func (s *SystemsState) StoreExt(systemID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", systemID, err)
	}
	if s.Ext == nil {
		s.Ext = make(map[string]json.RawMessage)
	}
	s.Ext[systemID] = raw
	return nil
}

// EventsSince returns the entries with ID >= fromID. Callers pass the next
// id they expect (last seen + 1); 0 returns the whole stream.
func EventsSince[S any](state *MatchState[S], fromID int64) []EventStreamEntry {
	if state == nil {
		return nil
	}
	i, _ := slices.BinarySearchFunc(state.EventStream, fromID, func(e EventStreamEntry, id int64) int {
		switch {
		case e.ID < id:
			return -1
		case e.ID > id:
			return 1
		}
		return 0
	})
	return slices.Clone(state.EventStream[i:])
}

// LastEventID returns the id of the newest entry, or -1 for an empty stream.
func LastEventID[S any](state *MatchState[S]) int64 {
	if state == nil || len(state.EventStream) == 0 {
		return -1
	}
	return state.EventStream[len(state.EventStream)-1].ID
}
