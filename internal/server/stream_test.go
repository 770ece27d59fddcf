package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/games/dicecombat"
)

func dialStream(t *testing.T, ts *httptest.Server, matchID, player string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/matches/" + matchID + "/ws?player=" + player
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(StreamMessage) bool) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func hasEvent(msg StreamMessage, eventType string) bool {
	for _, e := range msg.Entries {
		if e.Event.Type == eventType {
			return true
		}
	}
	return false
}

func TestStream_CatchUpLiveAndRejections(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.E)
	defer ts.Close()

	info := env.createMatch(t, "stream")
	ann := dialStream(t, ts, info.ID, "ann")
	bob := dialStream(t, ts, info.ID, "bob")

	first := readUntil(t, ann, func(m StreamMessage) bool { return m.Kind == StreamEvents })
	assert.Equal(t, int64(0), first.FromID)
	assert.Equal(t, info.Epoch, first.Epoch)
	readUntil(t, bob, func(m StreamMessage) bool { return m.Kind == StreamEvents })

	require.NoError(t, ann.WriteJSON(StreamCommand{Type: dicecombat.CommandRollDice}))
	live := readUntil(t, bob, func(m StreamMessage) bool { return hasEvent(m, dicecombat.EventDiceRolled) })
	assert.Greater(t, live.FromID, info.LastEventID)
	readUntil(t, ann, func(m StreamMessage) bool { return hasEvent(m, dicecombat.EventDiceRolled) })

	require.NoError(t, bob.WriteJSON(StreamCommand{Type: dicecombat.CommandRollDice}))
	rej := readUntil(t, bob, func(m StreamMessage) bool { return m.Kind == StreamRejection })
	require.NotNil(t, rej.Rejection)
	assert.Equal(t, domain.ReasonNotYourTurn, rej.Rejection.Reason)
}

func TestStream_UndoSendsRewind(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.E)
	defer ts.Close()

	info := env.createMatch(t, "rewind")
	conn := dialStream(t, ts, info.ID, "")
	readUntil(t, conn, func(m StreamMessage) bool { return m.Kind == StreamEvents })

	rec := env.do(t, "POST", "/api/matches/"+info.ID+"/commands", CommandRequest{Type: dicecombat.CommandRollDice, PlayerID: "ann"})
	require.Equal(t, 200, rec.Code)
	readUntil(t, conn, func(m StreamMessage) bool { return hasEvent(m, dicecombat.EventDiceRolled) })

	rec = env.do(t, "POST", "/api/matches/"+info.ID+"/undo", nil)
	require.Equal(t, 200, rec.Code)
	rewind := readUntil(t, conn, func(m StreamMessage) bool { return m.Kind == StreamRewind })
	assert.Equal(t, info.LastEventID+1, rewind.FromID)
	assert.Equal(t, info.Epoch+1, rewind.Epoch)
}

func TestStream_SpectatorCannotSubmit(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.E)
	defer ts.Close()

	info := env.createMatch(t, "spectator")
	conn := dialStream(t, ts, info.ID, "")
	readUntil(t, conn, func(m StreamMessage) bool { return m.Kind == StreamEvents })

	require.NoError(t, conn.WriteJSON(StreamCommand{Type: dicecombat.CommandRollDice}))
	msg := readUntil(t, conn, func(m StreamMessage) bool { return m.Kind == StreamError })
	assert.Contains(t, msg.Message, "spectators")
}

func TestStream_UnknownMatch(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.E)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/matches/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"play.example.com"}
	assert.True(t, originAllowed("", allowed))
	assert.True(t, originAllowed("https://play.example.com", allowed))
	assert.False(t, originAllowed("https://evil.example.com", allowed))
	assert.True(t, originAllowed("https://anything.test", []string{"*"}))
}

func TestStream_TracksSeatedPlayers(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.E)
	defer ts.Close()

	info := env.createMatch(t, "presence")
	online := func() []domain.PlayerID {
		rec := env.do(t, http.MethodGet, "/api/matches/"+info.ID+"/presence", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[PresenceResponse](t, rec).Online
	}
	assert.Empty(t, online())

	ann := dialStream(t, ts, info.ID, "ann")
	readUntil(t, ann, func(m StreamMessage) bool { return m.Kind == StreamEvents })
	spectator := dialStream(t, ts, info.ID, "")
	readUntil(t, spectator, func(m StreamMessage) bool { return m.Kind == StreamEvents })

	require.Eventually(t, func() bool { return len(online()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.PlayerID{"ann"}, online())

	require.NoError(t, ann.Close())
	require.Eventually(t, func() bool { return len(online()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
