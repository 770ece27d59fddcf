package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/random"
)

// View projects state for viewer. The canonical state is not modified. The
// RNG seed and generator state are withheld from every viewer since they
// predict future draws.
func (p *Processor[S]) View(state *MatchState[S], viewer domain.PlayerID) (*MatchState[S], error) {
	if state == nil {
		return nil, fmt.Errorf("view: no match state")
	}
	v, err := p.cloneState(state)
	if err != nil {
		return nil, err
	}
	if p.core.PlayerView != nil {
		core := v.Core
		v.Core, err = guard("playerView", func() (S, error) {
			return p.core.PlayerView(core, viewer), nil
		})
		if err != nil {
			return nil, err
		}
	}
	for _, s := range p.pipeline.systems {
		if r, ok := s.(Redactor); ok {
			r.Redact(&v.Sys, viewer)
		}
	}
	v.EventStream, err = p.redactEntries(state.EventStream, viewer)
	if err != nil {
		return nil, err
	}
	v.RNG = random.Cursor{Draws: state.RNG.Draws}
	return v, nil
}

// EventsFor is the redacted form of EventsSince for viewer.
func (p *Processor[S]) EventsFor(state *MatchState[S], fromID int64, viewer domain.PlayerID) ([]EventStreamEntry, error) {
	return p.redactEntries(EventsSince(state, fromID), viewer)
}

// RedactEvent applies system and domain event redactors to a single entry.
func (p *Processor[S]) RedactEvent(entry EventStreamEntry, viewer domain.PlayerID) (EventStreamEntry, error) {
	evt := entry.Event
	evt.Payload = evt.Payload.Clone()
	for _, s := range p.pipeline.systems {
		if r, ok := s.(EventRedactor); ok {
			evt = r.RedactEvent(evt, viewer)
		}
	}
	if p.core.EventView != nil {
		in := evt
		redacted, err := guard("eventView", func() (domain.Event, error) {
			return p.core.EventView(in, viewer), nil
		})
		if err != nil {
			return EventStreamEntry{}, err
		}
		evt = redacted
	}
	return EventStreamEntry{ID: entry.ID, Event: evt}, nil
}

func (p *Processor[S]) redactEntries(entries []EventStreamEntry, viewer domain.PlayerID) ([]EventStreamEntry, error) {
	out := make([]EventStreamEntry, len(entries))
	for i, e := range entries {
		r, err := p.RedactEvent(e, viewer)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// Replay folds entries into initial using Reduce alone. Nothing is executed
// and no randomness is drawn.
func (p *Processor[S]) Replay(initial S, entries []EventStreamEntry) (S, error) {
	state, err := p.cloneCore(initial)
	if err != nil {
		return state, err
	}
	for _, e := range entries {
		evt := e.Event
		state, err = guard("reduce", func() (S, error) {
			return p.core.Reduce(state, evt)
		})
		if err != nil {
			return state, fmt.Errorf("replay event %d (%s): %w", e.ID, evt.Type, err)
		}
	}
	return state, nil
}

// Verify re-runs setup from the state's seed and players, replays the event
// stream and checks the result matches the live core.
func (p *Processor[S]) Verify(state *MatchState[S]) error {
	if state == nil {
		return fmt.Errorf("verify: no match state")
	}
	initial, err := p.Setup(state.Sys.Players, state.RNG.Seed)
	if err != nil {
		return fmt.Errorf("verify setup: %w", err)
	}
	replayed, err := p.Replay(initial.Core, state.EventStream)
	if err != nil {
		return err
	}
	want, err := json.Marshal(state.Core)
	if err != nil {
		return fmt.Errorf("encode live state: %w", err)
	}
	got, err := json.Marshal(replayed)
	if err != nil {
		return fmt.Errorf("encode replayed state: %w", err)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("replayed state diverges from live state after %d events", len(state.EventStream))
	}
	return nil
}

// CheckStream reports gaps or reordering in the event stream.
func CheckStream(entries []EventStreamEntry) error {
	for i, e := range entries {
		if e.ID != int64(i) {
			return fmt.Errorf("event stream entry %d has id %d", i, e.ID)
		}
	}
	return nil
}
