package ugc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/systems/flow"
)

func raceScript(t *testing.T) []byte {
	t.Helper()
	src, err := os.ReadFile("../../rules/race.tengo")
	require.NoError(t, err)
	return src
}

func loadRace(t *testing.T) *game.Game[State] {
	t.Helper()
	g, _, err := Load("race", raceScript(t), Limits{})
	require.NoError(t, err)
	return g
}

func move(player domain.PlayerID) domain.Command {
	return domain.Command{Type: "move", PlayerID: player}
}

func positions(t *testing.T, s State) map[string]any {
	t.Helper()
	m, ok := s["positions"].(map[string]any)
	require.True(t, ok, "positions is a map: %T", s["positions"])
	return m
}

func TestLoad_Meta(t *testing.T) {
	g := loadRace(t)
	assert.Equal(t, "race", g.ID())
	assert.Equal(t, "Dice Race", g.Name())
	assert.Equal(t, 2, g.MinPlayers())
	assert.Equal(t, 4, g.MaxPlayers())
	assert.Contains(t, g.CommandTypes(), "move")
	assert.Contains(t, g.CommandTypes(), flow.CommandAdvance)
}

func TestLoad_BadMeta(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no result", `x := 1`},
		{"no commands", `result = {minPlayers: 1, maxPlayers: 2, commands: []}`},
		{"max below min", `result = {minPlayers: 3, maxPlayers: 2, commands: ["go"]}`},
		{"bad command name", `result = {minPlayers: 1, maxPlayers: 2, commands: ["go now!"]}`},
		{"bad phase condition", `result = {minPlayers: 1, maxPlayers: 2, commands: ["go"], phases: [{id: "a", until: "event.type =="}]}`},
		{"not a map", `result = 7`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load("bad", []byte(tt.src), Limits{})
			assert.Error(t, err)
		})
	}
}

func TestScriptedGame_PlaysDeterministically(t *testing.T) {
	play := func() *engine.MatchState[State] {
		g := loadRace(t)
		state, err := g.Setup("race-seed", []string{"ann", "bob"})
		require.NoError(t, err)
		for i := 0; i < 6; i++ {
			player := domain.PlayerID("ann")
			if i%2 == 1 {
				player = "bob"
			}
			res := g.Apply(state, move(player))
			require.True(t, res.Accepted(), "move %d: %v", i, res.Err())
			state = res.State
		}
		return state
	}

	first, second := play(), play()
	assert.Equal(t, positions(t, first.Core), positions(t, second.Core))
	assert.Equal(t, first.RNG, second.RNG)
	assert.Equal(t, uint64(6), first.RNG.Draws)
	assert.Equal(t, int64(6), first.Core["rolls"])
}

func TestScriptedGame_TurnOrderComesFromFlow(t *testing.T) {
	g := loadRace(t)
	state, err := g.Setup("turns", []string{"ann", "bob"})
	require.NoError(t, err)

	rej := g.Apply(state, move("bob"))
	require.False(t, rej.Accepted())
	assert.Equal(t, domain.ReasonNotYourTurn, rej.Rejection.Reason)

	res := g.Apply(state, move("ann"))
	require.True(t, res.Accepted(), "%v", res.Err())
	var kinds []string
	for _, e := range res.Events {
		kinds = append(kinds, e.Event.Type)
	}
	assert.Equal(t, []string{"MOVED", flow.EventPhaseChanged, flow.EventTurnChanged, flow.EventPhaseChanged}, kinds)
	assert.Equal(t, domain.PlayerID("bob"), res.State.Sys.Turn.ActivePlayer)
	assert.Equal(t, "dice", res.Events[0].Event.SFXKey)
}

func TestScriptedGame_ValidationReason(t *testing.T) {
	src := `
if op == "meta" {
	result = {minPlayers: 1, maxPlayers: 1, commands: ["spend"]}
} else if op == "setup" {
	result = {gold: 1}
} else if op == "validate" {
	if command.payload.amount > state.gold {
		result = {valid: false, reason: "insufficientResource", message: "not enough gold"}
	} else {
		result = true
	}
} else if op == "execute" {
	result = [{type: "SPENT", payload: {amount: command.payload.amount}}]
} else if op == "reduce" {
	if event.type == "SPENT" {
		state.gold = state.gold - event.payload.amount
	}
	result = state
}`
	g, _, err := Load("shop", []byte(src), Limits{})
	require.NoError(t, err)
	state, err := g.Setup("s", []string{"solo"})
	require.NoError(t, err)

	rej := g.Apply(state, domain.Command{Type: "spend", PlayerID: "solo", Payload: domain.Payload{"amount": 5}})
	require.False(t, rej.Accepted())
	assert.Equal(t, domain.ReasonInsufficientResource, rej.Rejection.Reason)
	assert.Equal(t, "not enough gold", rej.Rejection.Message)

	res := g.Apply(state, domain.Command{Type: "spend", PlayerID: "solo", Payload: domain.Payload{"amount": 1}})
	require.True(t, res.Accepted(), "%v", res.Err())
	assert.Equal(t, int64(0), res.State.Core["gold"])
	assert.Equal(t, int64(1), state.Core["gold"], "input state is untouched")
}

func TestScriptedGame_FaultsBecomeDomainFaults(t *testing.T) {
	tests := []struct {
		name    string
		execute string
	}{
		{"runtime error", `n := 1
	result = n()`},
		{"empty event type", `result = [{type: ""}]`},
		{"wrong shape", `result = "boom"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `
if op == "meta" {
	result = {minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else if op == "setup" {
	result = {}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	` + tt.execute + `
} else if op == "reduce" {
	result = state
}`
			g, _, err := Load("faulty", []byte(src), Limits{})
			require.NoError(t, err)
			state, err := g.Setup("s", []string{"solo"})
			require.NoError(t, err)

			res := g.Apply(state, domain.Command{Type: "go", PlayerID: "solo"})
			require.False(t, res.Accepted())
			assert.Equal(t, domain.ReasonDomainFault, res.Rejection.Reason)
			assert.Same(t, state, res.State)
		})
	}
}

func TestScriptedGame_ReduceCannotDraw(t *testing.T) {
	src := `
if op == "meta" {
	result = {minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else if op == "setup" {
	result = {}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	result = [{type: "WENT"}]
} else if op == "reduce" {
	if event.type == "WENT" {
		state.roll = rand_die(6)
	}
	result = state
}`
	g, _, err := Load("cheater", []byte(src), Limits{})
	require.NoError(t, err)
	state, err := g.Setup("s", []string{"solo"})
	require.NoError(t, err)

	res := g.Apply(state, domain.Command{Type: "go", PlayerID: "solo"})
	require.False(t, res.Accepted())
	assert.Equal(t, domain.ReasonDomainFault, res.Rejection.Reason)
}

func TestScriptedGame_ViewAndGameOver(t *testing.T) {
	src := `
if op == "meta" {
	result = {minPlayers: 2, maxPlayers: 2, commands: ["score"], anyTime: ["score"], phases: [{id: "play", anyPlayer: true}]}
} else if op == "setup" {
	secrets := {}
	scores := {}
	for p in players {
		secrets[p] = "hidden-" + p
		scores[p] = 0
	}
	result = {secrets: secrets, scores: scores}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	result = [{type: "SCORED", payload: {player: command.playerId}}]
} else if op == "reduce" {
	if event.type == "SCORED" {
		state.scores[event.payload.player] = state.scores[event.payload.player] + 1
	}
	result = state
} else if op == "view" {
	mine := {}
	mine[viewer] = state.secrets[viewer]
	result = {secrets: mine, scores: state.scores}
} else if op == "game_over" {
	result = false
	for p, s in state.scores {
		if s >= 2 {
			result = {winner: p}
		}
	}
}`
	g, _, err := Load("secrets", []byte(src), Limits{})
	require.NoError(t, err)
	state, err := g.Setup("s", []string{"ann", "bob"})
	require.NoError(t, err)

	view, err := g.View(state, "ann")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ann": "hidden-ann"}, view.Core["secrets"])
	assert.Len(t, state.Core["secrets"], 2)

	for _, p := range []domain.PlayerID{"bob", "bob"} {
		res := g.Apply(state, domain.Command{Type: "score", PlayerID: p})
		require.True(t, res.Accepted(), "%v", res.Err())
		state = res.State
	}
	require.NotNil(t, state.Sys.GameOver)
	assert.Equal(t, domain.PlayerID("bob"), state.Sys.GameOver.Winner)
}

func TestScriptedGame_ViewAndGameOverFaults(t *testing.T) {
	src := `
if op == "meta" {
	result = {minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else if op == "setup" {
	result = {}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	result = [{type: "WENT"}]
} else if op == "reduce" {
	result = state
} else if op == "view" {
	n := 1
	result = n()
} else if op == "game_over" {
	n := 1
	result = n()
}`
	g, _, err := Load("broken-end", []byte(src), Limits{})
	require.NoError(t, err)
	state, err := g.Setup("s", []string{"solo"})
	require.NoError(t, err)

	res := g.Apply(state, domain.Command{Type: "go", PlayerID: "solo"})
	require.False(t, res.Accepted())
	assert.Equal(t, domain.ReasonDomainFault, res.Rejection.Reason)
	assert.Same(t, state, res.State)
	assert.Nil(t, state.Sys.GameOver)

	_, err = g.View(state, "solo")
	assert.Error(t, err)
}
