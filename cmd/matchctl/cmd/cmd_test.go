package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/games/dicecombat"
	"github.com/nfrund/tabletop/internal/match"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/server"
)

const soloScript = `
if op == "meta" {
	result = {name: "Solo", minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else if op == "setup" {
	result = {n: 0}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	result = [{type: "WENT"}]
} else if op == "reduce" {
	if event.type == "WENT" {
		state.n = state.n + 1
	}
	result = state
}`

const openingScript = `{
  "game": "dicecombat",
  "seed": "table-1",
  "players": ["ann", "bob"],
  "commands": [
    {"type": "rollDice", "playerId": "ann"},
    {"type": "rollDice", "playerId": "bob"}
  ]
}`

func newFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("rules", 0o755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}
	return fs
}

func run(t *testing.T, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(fs)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, afero.NewMemMapFs(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "matchctl v")
}

func TestRoot_RejectsUnknownOutput(t *testing.T) {
	_, err := run(t, afero.NewMemMapFs(), "games", "-o", "yaml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestGames(t *testing.T) {
	fs := newFs(t, map[string]string{"rules/solo.tengo": soloScript})

	t.Run("table", func(t *testing.T) {
		out, err := run(t, fs, "games")
		require.NoError(t, err)
		assert.Contains(t, out, "ID")
		assert.Contains(t, out, dicecombat.ID)
		assert.Contains(t, out, "solo")
		assert.Contains(t, out, "script")
	})

	t.Run("json", func(t *testing.T) {
		out, err := run(t, fs, "games", "-o", "json")
		require.NoError(t, err)
		var got struct {
			Games []game.Info `json:"games"`
			Count int         `json:"count"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, 2, got.Count)
	})
}

func TestSimulate(t *testing.T) {
	fs := newFs(t, map[string]string{"opening.json": openingScript})

	out, err := run(t, fs, "simulate", "opening.json", "-o", "json", "--snapshot", "opening.snapshot.json")
	require.NoError(t, err)

	var sim Simulation
	require.NoError(t, json.Unmarshal([]byte(out), &sim))
	require.Len(t, sim.Steps, 2)
	assert.Nil(t, sim.Steps[0].Rejection)
	require.NotEmpty(t, sim.Steps[0].Events)
	assert.Equal(t, "DICE_ROLLED", sim.Steps[0].Events[0].Event.Type)
	require.NotNil(t, sim.Steps[1].Rejection)
	assert.Equal(t, "notYourTurn", string(sim.Steps[1].Rejection.Reason))
	assert.True(t, sim.Verified)
	assert.Equal(t, sim.Steps[0].Events[len(sim.Steps[0].Events)-1].ID, sim.LastEventID)

	exists, err := afero.Exists(fs, "opening.snapshot.json")
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("same script, same events", func(t *testing.T) {
		again, err := run(t, fs, "simulate", "opening.json", "-o", "json")
		require.NoError(t, err)
		assert.JSONEq(t, out, again)
	})

	t.Run("table output", func(t *testing.T) {
		out, err := run(t, fs, "simulate", "opening.json", "--stop-on-reject")
		require.NoError(t, err)
		assert.Contains(t, out, "DICE_ROLLED")
		assert.Contains(t, out, "notYourTurn")
		assert.Contains(t, out, "last event id")
	})

	t.Run("invalid script", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "bad.json", []byte(`{"game": "dicecombat", "players": []}`), 0o644))
		_, err := run(t, fs, "simulate", "bad.json")
		assert.ErrorContains(t, err, "invalid script")
	})

	t.Run("unknown game", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "missing.json", []byte(`{"game": "chess", "players": ["ann"]}`), 0o644))
		_, err := run(t, fs, "simulate", "missing.json")
		assert.Error(t, err)
	})
}

func TestVerify(t *testing.T) {
	fs := newFs(t, map[string]string{"opening.json": openingScript})
	_, err := run(t, fs, "simulate", "opening.json", "--snapshot", "good.json")
	require.NoError(t, err)

	out, err := run(t, fs, "verify", "good.json")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ good.json: dicecombat, 2 players")

	require.NoError(t, afero.WriteFile(fs, "broken.json", []byte(`{"game":`), 0o644))
	out, err = run(t, fs, "verify", "good.json", "broken.json")
	assert.ErrorContains(t, err, "1 of 2 snapshots failed")
	assert.Contains(t, out, "❌ broken.json")
}

func TestRulesCheck(t *testing.T) {
	fs := newFs(t, map[string]string{
		"rules/solo.tengo":   soloScript,
		"rules/broken.tengo": `result = (`,
		"rules/notes.txt":    soloScript,
	})

	out, err := run(t, fs, "rules", "check", "rules/solo.tengo")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ rules/solo.tengo is valid")
	assert.Contains(t, out, "Players: 1-1")
	assert.Contains(t, out, "Commands: go")

	out, err = run(t, fs, "rules", "check", "rules/solo.tengo", "rules/broken.tengo", "rules/notes.txt", "-o", "json")
	assert.ErrorContains(t, err, "2 of 3 scripts failed")
	var reports []RulesReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 3)
	assert.True(t, reports[0].OK)
	assert.False(t, reports[1].OK)
	assert.False(t, reports[2].OK)
	assert.Contains(t, reports[2].Error, ".tengo")
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base, player, want string
		wantErr            bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/api/matches/m1/ws"},
		{base: "https://example.com/", player: "ann", want: "wss://example.com/api/matches/m1/ws?player=ann"},
		{base: "ws://host/prefix", want: "ws://host/prefix/api/matches/m1/ws"},
		{base: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := streamURL(tt.base, "m1", tt.player)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatch(t *testing.T) {
	catalog := game.NewCatalog()
	dc, err := dicecombat.New()
	require.NoError(t, err)
	require.NoError(t, catalog.Register(dc, game.SourceBuiltin))
	bridge := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })
	manager := match.NewManager(catalog, match.WithPublisher(match.NewBusPublisher(bridge)))
	t.Cleanup(manager.Shutdown)

	srv := server.New(server.Deps{Manager: manager, Catalog: catalog, Events: bridge})
	ts := httptest.NewServer(srv.E)
	t.Cleanup(ts.Close)

	h, err := manager.Create(context.Background(), match.CreateRequest{Game: dicecombat.ID, Seed: "watch", Players: []string{"ann", "bob"}})
	require.NoError(t, err)

	t.Run("catch-up frame", func(t *testing.T) {
		out, err := run(t, afero.NewMemMapFs(), "watch", h.ID(), "--server", ts.URL, "--count", "1", "--timeout", "5s")
		require.NoError(t, err)
		assert.Contains(t, out, "[events] epoch=")
	})

	t.Run("send as player", func(t *testing.T) {
		out, err := run(t, afero.NewMemMapFs(), "watch", h.ID(),
			"--server", ts.URL, "--player", "ann", "--send", `{"type":"rollDice"}`, "--count", "2", "--timeout", "5s")
		require.NoError(t, err)
		assert.Contains(t, out, "DICE_ROLLED")
	})

	t.Run("send needs player", func(t *testing.T) {
		_, err := run(t, afero.NewMemMapFs(), "watch", h.ID(), "--server", ts.URL, "--send", `{"type":"rollDice"}`)
		assert.ErrorContains(t, err, "--send needs --player")
	})

	t.Run("unknown match", func(t *testing.T) {
		_, err := run(t, afero.NewMemMapFs(), "watch", "missing", "--server", ts.URL, "--count", "1", "--timeout", "5s")
		assert.Error(t, err)
	})
}

func TestLoadScript_DefaultsSeed(t *testing.T) {
	fs := newFs(t, map[string]string{filepath.Join("s", "x.json"): `{"game": "dicecombat", "players": ["ann", "bob"]}`})
	s, err := loadScript(fs, filepath.Join("s", "x.json"))
	require.NoError(t, err)
	assert.Equal(t, "dicecombat", s.Seed)
}

func TestTopics(t *testing.T) {
	out, err := run(t, afero.NewMemMapFs(), "topics", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "match.{key}.events")
	assert.Contains(t, out, "match.{key}.presence")

	out, err = run(t, afero.NewMemMapFs(), "topics", "list", "--owner", "presence", "-o", "json")
	require.NoError(t, err)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Equal(t, 1, listed.Count)

	out, err = run(t, afero.NewMemMapFs(), "topics", "validate", "match.m1.events", "match.{key}.presence")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ match.m1.events: match.{key}.events (key m1)")
	assert.Contains(t, out, "✅ match.{key}.presence: match.{key}.presence")

	out, err = run(t, afero.NewMemMapFs(), "topics", "validate", "match.m1.events", "match.m1.chat", "System.x")
	assert.ErrorContains(t, err, "2 of 3 topic names are invalid")
	assert.Contains(t, out, "❌ match.m1.chat: no registered topic matches")
	assert.Contains(t, out, "❌ System.x")
}
