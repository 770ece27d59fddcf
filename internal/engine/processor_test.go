package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/random"
)

type tally struct {
	Total   int                     `json:"total"`
	Secrets map[domain.PlayerID]int `json:"secrets"`
}

func tallyCore() domain.Core[tally] {
	return domain.Core[tally]{
		Setup: func(players []domain.PlayerID, rng random.Source) (tally, error) {
			s := tally{Secrets: make(map[domain.PlayerID]int)}
			for _, p := range players {
				s.Secrets[p] = rng.Die(6)
			}
			return s, nil
		},
		Validate: func(s tally, cmd domain.Command) domain.ValidationResult {
			switch cmd.Type {
			case "add":
				n, ok := cmd.Payload.Int("n")
				if !ok || n <= 0 {
					return domain.Invalid(domain.ReasonInvalidCommand, "n must be a positive int")
				}
				return domain.Valid()
			case "draw", "explode", "panic", "poison", "loop", "badEvent":
				return domain.Valid()
			}
			return domain.Invalid(domain.ReasonUnknownCommand, cmd.Type)
		},
		Execute: func(s tally, cmd domain.Command, rng random.Source) ([]domain.Event, error) {
			switch cmd.Type {
			case "add":
				n, _ := cmd.Payload.Int("n")
				return []domain.Event{domain.NewEvent("ADDED", domain.Payload{"n": n})}, nil
			case "draw":
				return []domain.Event{domain.NewEvent("DREW", domain.Payload{"player": string(cmd.PlayerID), "value": rng.Die(6)})}, nil
			case "explode":
				return nil, errors.New("exploded")
			case "panic":
				panic("rules bug")
			case "poison":
				return []domain.Event{domain.NewEvent("POISON", nil)}, nil
			case "loop":
				return []domain.Event{domain.NewEvent("LOOP", nil)}, nil
			case "badEvent":
				return []domain.Event{{}}, nil
			}
			return nil, nil
		},
		Reduce: func(s tally, evt domain.Event) (tally, error) {
			switch evt.Type {
			case "ADDED":
				n, _ := evt.Payload.Int("n")
				s.Total += n
			case "DREW":
				p, _ := evt.Payload.String("player")
				v, _ := evt.Payload.Int("value")
				s.Secrets[domain.PlayerID(p)] = v
			case "POISON":
				return s, errors.New("poisoned")
			}
			return s, nil
		},
		IsGameOver: func(s tally) *domain.GameOverResult {
			if s.Total >= 100 {
				return &domain.GameOverResult{Winner: "p0"}
			}
			return nil
		},
		PlayerView: func(s tally, viewer domain.PlayerID) tally {
			for p := range s.Secrets {
				if p != viewer {
					delete(s.Secrets, p)
				}
			}
			return s
		},
		EventView: func(evt domain.Event, viewer domain.PlayerID) domain.Event {
			if evt.Type == "DREW" && evt.Payload["player"] != string(viewer) {
				delete(evt.Payload, "value")
			}
			return evt
		},
	}
}

// recorder reacts to a trigger event by emitting "<id>:<trigger>".
type recorder struct {
	id       string
	priority int
	trigger  string
	owns     []string
}

func (r *recorder) ID() string         { return r.id }
func (r *recorder) Priority() int      { return r.priority }
func (r *recorder) Commands() []string { return r.owns }

func (r *recorder) AfterEvent(ctx *Context[tally], evt domain.Event) error {
	if evt.Type == r.trigger {
		ctx.Emit(domain.NewEvent(r.id+":"+evt.Type, nil))
	}
	return nil
}

func newTally(t *testing.T, systems ...System[tally]) (*Processor[tally], *MatchState[tally]) {
	t.Helper()
	p, err := NewProcessor("tally", tallyCore(), systems)
	require.NoError(t, err)
	state, err := p.Setup([]domain.PlayerID{"p0", "p1"}, "abc")
	require.NoError(t, err)
	return p, state
}

func add(n int) domain.Command {
	return domain.Command{Type: "add", PlayerID: "p0", Payload: domain.Payload{"n": n}, Timestamp: 10}
}

func snapshot(t *testing.T, s *MatchState[tally]) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return string(data)
}

func TestSetup(t *testing.T) {
	_, state := newTally(t)

	assert.Empty(t, state.EventStream)
	assert.Equal(t, int64(0), state.Sys.NextEventID)
	assert.Equal(t, []domain.PlayerID{"p0", "p1"}, state.Sys.Players)
	assert.Equal(t, "abc", state.RNG.Seed)
	assert.Equal(t, uint64(2), state.RNG.Draws, "setup rolled one die per player")
}

func TestApplyAccepts(t *testing.T) {
	p, state := newTally(t)
	before := snapshot(t, state)

	res := p.Apply(state, add(5))
	require.True(t, res.Accepted(), "unexpected rejection: %v", res.Err())

	require.Len(t, res.Events, 1)
	assert.Equal(t, int64(0), res.Events[0].ID)
	assert.Equal(t, "ADDED", res.Events[0].Event.Type)
	assert.Equal(t, "add", res.Events[0].Event.SourceCommandType)
	assert.Equal(t, int64(10), res.Events[0].Event.Timestamp)
	assert.Equal(t, 5, res.State.Core.Total)
	assert.Equal(t, before, snapshot(t, state), "input state must not change")
}

func TestEventIDsAreGapless(t *testing.T) {
	p, state := newTally(t, &recorder{id: "echo", priority: 50, trigger: "ADDED"})

	for i := 0; i < 5; i++ {
		res := p.Apply(state, add(1))
		require.True(t, res.Accepted())
		state = res.State
	}

	require.Len(t, state.EventStream, 10)
	assert.NoError(t, CheckStream(state.EventStream))
	assert.Equal(t, int64(10), state.Sys.NextEventID)
	assert.Equal(t, int64(9), LastEventID(state))
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		cmd    domain.Command
		reason domain.Reason
	}{
		{"validation failure", domain.Command{Type: "add", PlayerID: "p0", Payload: domain.Payload{"n": -1}}, domain.ReasonInvalidCommand},
		{"unknown command", domain.Command{Type: "dance", PlayerID: "p0"}, domain.ReasonUnknownCommand},
		{"malformed envelope", domain.Command{PlayerID: "p0"}, domain.ReasonMalformedCommand},
		{"execute error", domain.Command{Type: "explode", PlayerID: "p0"}, domain.ReasonDomainFault},
		{"execute panic", domain.Command{Type: "panic", PlayerID: "p0"}, domain.ReasonDomainFault},
		{"reduce error", domain.Command{Type: "poison", PlayerID: "p0"}, domain.ReasonDomainFault},
		{"malformed event", domain.Command{Type: "badEvent", PlayerID: "p0"}, domain.ReasonDomainFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, state := newTally(t)
			state = p.Apply(state, add(3)).State
			before := snapshot(t, state)

			res := p.Apply(state, tt.cmd)

			require.False(t, res.Accepted())
			assert.Equal(t, tt.reason, res.Rejection.Reason)
			assert.Same(t, state, res.State)
			assert.Empty(t, res.Events)
			assert.Equal(t, before, snapshot(t, state))
		})
	}
}

func TestDomainFaultCarriesCause(t *testing.T) {
	p, state := newTally(t)
	res := p.Apply(state, domain.Command{Type: "explode", PlayerID: "p0"})

	var fault *domain.DomainFault
	require.ErrorAs(t, res.Err(), &fault)
	assert.Equal(t, "execute", fault.Op)
	assert.EqualError(t, fault.Cause, "exploded")
}

func TestCascadeLimit(t *testing.T) {
	loop := &recorder{id: "loop", priority: 50, trigger: "LOOP"}
	relay := &relaySystem{}
	p, err := NewProcessor("tally", tallyCore(), []System[tally]{loop, relay}, WithMaxCascade(8))
	require.NoError(t, err)
	state, err := p.Setup([]domain.PlayerID{"p0", "p1"}, "abc")
	require.NoError(t, err)

	res := p.Apply(state, domain.Command{Type: "loop", PlayerID: "p0"})
	require.False(t, res.Accepted())
	assert.Equal(t, domain.ReasonDomainFault, res.Rejection.Reason)
}

// relaySystem turns "loop:LOOP" back into LOOP forever.
type relaySystem struct{}

func (relaySystem) ID() string    { return "relay" }
func (relaySystem) Priority() int { return 60 }
func (relaySystem) AfterEvent(ctx *Context[tally], evt domain.Event) error {
	if evt.Type == "loop:LOOP" {
		ctx.Emit(domain.NewEvent("LOOP", nil))
	}
	return nil
}

func TestDeterminism(t *testing.T) {
	run := func() string {
		p, state := newTally(t)
		for _, cmd := range []domain.Command{
			{Type: "draw", PlayerID: "p0"},
			add(4),
			{Type: "draw", PlayerID: "p1"},
			{Type: "explode", PlayerID: "p1"},
			{Type: "draw", PlayerID: "p0"},
		} {
			state = p.Apply(state, cmd).State
		}
		return snapshot(t, state)
	}
	assert.Equal(t, run(), run())
}

func TestReplayEquivalence(t *testing.T) {
	p, state := newTally(t, &recorder{id: "echo", priority: 50, trigger: "DREW"})
	initial, err := p.Setup(state.Sys.Players, "abc")
	require.NoError(t, err)

	for _, cmd := range []domain.Command{
		{Type: "draw", PlayerID: "p0"},
		add(7),
		{Type: "draw", PlayerID: "p1"},
		add(2),
	} {
		res := p.Apply(state, cmd)
		require.True(t, res.Accepted())
		state = res.State
	}

	replayed, err := p.Replay(initial.Core, EventsSince(state, 0))
	require.NoError(t, err)
	assert.Equal(t, state.Core, replayed)
	assert.NoError(t, p.Verify(state))
}

func TestGameOver(t *testing.T) {
	p, state := newTally(t)

	res := p.Apply(state, add(100))
	require.True(t, res.Accepted())
	last := res.Events[len(res.Events)-1]
	assert.Equal(t, EventGameOver, last.Event.Type)
	assert.Equal(t, "p0", last.Event.Payload["winner"])
	require.NotNil(t, res.State.Sys.GameOver)
	assert.Nil(t, p.Deadlines(res.State))

	again := p.Apply(res.State, add(1))
	require.False(t, again.Accepted())
	assert.Equal(t, domain.ReasonGameOver, again.Rejection.Reason)
}

func TestSystemOrderIsByPriority(t *testing.T) {
	// Declared late-first: priority decides, not declaration order.
	late := &recorder{id: "late", priority: 50, trigger: "ADDED"}
	early := &recorder{id: "early", priority: 30, trigger: "ADDED"}
	tie := &recorder{id: "tie", priority: 50, trigger: "ADDED"}
	p, state := newTally(t, late, early, tie)

	res := p.Apply(state, add(1))
	require.True(t, res.Accepted())

	var types []string
	for _, e := range res.Events {
		types = append(types, e.Event.Type)
	}
	assert.Equal(t, []string{"ADDED", "early:ADDED", "late:ADDED", "tie:ADDED"}, types)
}

func TestPipelineConfigErrors(t *testing.T) {
	var cfg *domain.ConfigError

	_, err := NewPipeline[tally](&recorder{id: "a"}, &recorder{id: "a"})
	assert.ErrorAs(t, err, &cfg)

	_, err = NewPipeline[tally](&recorder{id: "a", owns: []string{"X"}}, &recorder{id: "b", owns: []string{"X"}})
	assert.ErrorAs(t, err, &cfg)

	_, err = NewPipeline[tally](&recorder{id: ""})
	assert.ErrorAs(t, err, &cfg)

	_, err = NewProcessor("broken", domain.Core[tally]{}, nil)
	assert.ErrorAs(t, err, &cfg)
}

func TestReservedCommandSkipsDomainValidate(t *testing.T) {
	p, state := newTally(t, &recorder{id: "ping", priority: 50, owns: []string{"SYS_PING"}})

	res := p.Apply(state, domain.Command{Type: "SYS_PING", PlayerID: "p1"})
	assert.True(t, res.Accepted(), "domain validate would reject an unknown type: %v", res.Err())

	owner, ok := p.Pipeline().Owner("SYS_PING")
	assert.True(t, ok)
	assert.Equal(t, "ping", owner)
	assert.Equal(t, []string{"SYS_PING"}, p.Pipeline().Commands())
}

func TestView(t *testing.T) {
	p, state := newTally(t)
	state = p.Apply(state, domain.Command{Type: "draw", PlayerID: "p0"}).State
	state = p.Apply(state, domain.Command{Type: "draw", PlayerID: "p1"}).State
	before := snapshot(t, state)

	view, err := p.View(state, "p1")
	require.NoError(t, err)

	assert.Contains(t, view.Core.Secrets, domain.PlayerID("p1"))
	assert.NotContains(t, view.Core.Secrets, domain.PlayerID("p0"))
	assert.Empty(t, view.RNG.Seed)
	assert.Nil(t, view.RNG.State)

	require.Len(t, view.EventStream, 2)
	assert.NotContains(t, view.EventStream[0].Event.Payload, "value", "p0's draw is hidden from p1")
	assert.Contains(t, view.EventStream[1].Event.Payload, "value")

	assert.Equal(t, before, snapshot(t, state), "view must not touch canonical state")
}

func TestEventsSince(t *testing.T) {
	p, state := newTally(t)
	for i := 0; i < 4; i++ {
		state = p.Apply(state, add(1)).State
	}

	assert.Len(t, EventsSince(state, 0), 4)
	tail := EventsSince(state, 2)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].ID)
	assert.Empty(t, EventsSince(state, 4))
	assert.Nil(t, EventsSince[tally](nil, 0))

	redacted, err := p.EventsFor(state, 3, "p1")
	require.NoError(t, err)
	assert.Len(t, redacted, 1)
}

func TestExtState(t *testing.T) {
	var sys SystemsState
	type counter struct{ N int }

	require.NoError(t, sys.StoreExt("custom", counter{N: 2}))
	clone := sys.Clone()
	require.NoError(t, clone.StoreExt("custom", counter{N: 3}))

	var got counter
	require.NoError(t, sys.LoadExt("custom", &got))
	assert.Equal(t, 2, got.N)

	var missing counter
	require.NoError(t, sys.LoadExt("absent", &missing))
	assert.Zero(t, missing.N)
}
