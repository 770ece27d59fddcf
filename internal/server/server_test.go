package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/games/dicecombat"
	"github.com/nfrund/tabletop/internal/match"
	"github.com/nfrund/tabletop/internal/presence"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/storage"
	"github.com/nfrund/tabletop/internal/ugc"
)

type testEnv struct {
	srv     *Server
	manager *match.Manager
	catalog *game.Catalog
	fs      afero.Fs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog := game.NewCatalog()
	dc, err := dicecombat.New()
	require.NoError(t, err)
	require.NoError(t, catalog.Register(dc, game.SourceBuiltin))

	bridge := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })

	manager := match.NewManager(catalog, match.WithPublisher(match.NewBusPublisher(bridge)))
	t.Cleanup(manager.Shutdown)

	seats := presence.NewService(presence.WithOfflineDebounce(0), presence.WithPublisher(bridge))
	t.Cleanup(seats.Shutdown)

	fs := afero.NewMemMapFs()
	lib := ugc.NewLibrary(fs, "rules", catalog, ugc.Limits{}, nil)

	srv := New(Deps{
		Manager:  manager,
		Catalog:  catalog,
		Events:   bridge,
		Rules:    &Rules{Store: storage.NewAferoStore(fs), Dir: "rules", Reloader: lib},
		Presence: seats,
	})
	return &testEnv{srv: srv, manager: manager, catalog: catalog, fs: fs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.RemoteAddr = "192.0.2.10:1234"
	rec := httptest.NewRecorder()
	e.srv.E.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) createMatch(t *testing.T, seed string) match.Info {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/matches", match.CreateRequest{
		Game: dicecombat.ID, Seed: seed, Players: []string{"ann", "bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[match.Info](t, rec)
}

func TestHTTPErrorHandler_WithStackTrace(t *testing.T) {
	e := echo.New()

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, &slog.HandlerOptions{AddSource: true}))
	originalLogger := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(originalLogger)

	setupErrorHandling(e)
	e.GET("/test-unhandled-error", func(c echo.Context) error {
		return errors.New("a deliberate unhandled error occurred")
	})

	req := httptest.NewRequest(http.MethodGet, "/test-unhandled-error", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "deliberate", "internal errors are not leaked")

	logOutput := logBuffer.String()
	assert.Contains(t, logOutput, "Internal Server Error (Unhandled)")
	assert.Contains(t, logOutput, "error=\"a deliberate unhandled error occurred\"")
	assert.Contains(t, logOutput, "stack_trace=")
	assert.Contains(t, logOutput, "runtime/debug/stack.go")
}

func TestAPI_ListGames(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/games", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	games := decode[[]game.Info](t, rec)
	require.Len(t, games, 1)
	assert.Equal(t, dicecombat.ID, games[0].ID)
	assert.Equal(t, game.SourceBuiltin, games[0].Source)
}

func TestAPI_CreateMatchErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing players", match.CreateRequest{Game: dicecombat.ID}, http.StatusBadRequest, "invalidRequest"},
		{"unknown game", match.CreateRequest{Game: "chess", Players: []string{"a", "b"}}, http.StatusNotFound, "notFound"},
		{"too few players", match.CreateRequest{Game: dicecombat.ID, Players: []string{"solo"}}, http.StatusUnprocessableEntity, "invalidPlayer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/matches", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_MatchLifecycle(t *testing.T) {
	env := newTestEnv(t)
	info := env.createMatch(t, "lifecycle")
	base := "/api/matches/" + info.ID
	assert.Equal(t, dicecombat.ID, info.Game)

	rec := env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, info.ID, decode[match.Info](t, rec).ID)

	rec = env.do(t, http.MethodPost, base+"/commands", CommandRequest{Type: dicecombat.CommandRollDice, PlayerID: "ann"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[game.Outcome](t, rec)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, dicecombat.EventDiceRolled, out.Events[0].Event.Type)

	rec = env.do(t, http.MethodPost, base+"/commands", CommandRequest{Type: dicecombat.CommandRollDice, PlayerID: "bob"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "notYourTurn", decode[RejectionResponse](t, rec).Code)

	rec = env.do(t, http.MethodGet, base+"/events?from=0&player=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[EventsResponse](t, rec)
	require.NotEmpty(t, events.Entries)
	assert.Equal(t, int64(0), events.Entries[0].ID)

	rec = env.do(t, http.MethodGet, base+"/view?player=ann", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/undo", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	undone := decode[match.Info](t, rec)
	assert.Equal(t, info.Epoch+1, undone.Epoch)
	assert.Equal(t, info.LastEventID, undone.LastEventID)

	rec = env.do(t, http.MethodPost, base+"/undo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/reset", ResetRequest{Seed: "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, undone.Epoch+1, decode[match.Info](t, rec).Epoch)

	rec = env.do(t, http.MethodPost, base+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["ok"])

	rec = env.do(t, http.MethodGet, "/api/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]match.Info](t, rec), 1)

	rec = env.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CommandValidation(t *testing.T) {
	env := newTestEnv(t)
	info := env.createMatch(t, "validation")

	rec := env.do(t, http.MethodPost, "/api/matches/"+info.ID+"/commands", CommandRequest{Type: dicecombat.CommandRollDice})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/matches/"+info.ID+"/events?from=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/matches/missing/commands", CommandRequest{Type: "x", PlayerID: "ann"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const uploadScript = `
if op == "meta" {
	result = {name: "Uploaded", minPlayers: 1, maxPlayers: 2, commands: ["go"]}
} else if op == "setup" {
	result = {}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	result = [{type: "WENT"}]
} else {
	result = state
}`

func upload(t *testing.T, env *testEnv, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/rules", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	env.srv.E.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RulesUpload(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid script is registered", func(t *testing.T) {
		rec := upload(t, env, "uploaded.tengo", uploadScript)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "uploaded", decode[RulesUploadResponse](t, rec).Game)

		m, err := env.catalog.Lookup("uploaded")
		require.NoError(t, err)
		assert.Equal(t, "Uploaded", m.Name())
	})

	t.Run("broken script is rejected and removed", func(t *testing.T) {
		rec := upload(t, env, "broken.tengo", `result = {`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		exists, err := afero.Exists(env.fs, "rules/broken.tengo")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("wrong extension", func(t *testing.T) {
		rec := upload(t, env, "notes.txt", "hello")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), ".tengo"))
	})

	t.Run("path traversal is flattened", func(t *testing.T) {
		rec := upload(t, env, "../../escape.tengo", uploadScript)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		exists, err := afero.Exists(env.fs, "rules/escape.tengo")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}
