package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/match"
	"github.com/nfrund/tabletop/internal/presence"
	"github.com/nfrund/tabletop/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Stream message kinds.
const (
	StreamEvents    = "events"
	StreamRewind    = match.BatchRewind
	StreamReset     = match.BatchReset
	StreamRejection = "rejection"
	StreamError     = "error"
)

// StreamMessage is one server-to-client websocket frame.
type StreamMessage struct {
	Kind      string                    `json:"kind"`
	Epoch     int                       `json:"epoch"`
	FromID    int64                     `json:"fromId"`
	Entries   []engine.EventStreamEntry `json:"entries,omitempty"`
	Rejection *domain.Rejection         `json:"rejection,omitempty"`
	Message   string                    `json:"message,omitempty"`
}

// StreamCommand is one client-to-server websocket frame. The player is the
// one the stream was opened for.
type StreamCommand struct {
	Type    string         `json:"type"`
	Payload domain.Payload `json:"payload,omitempty"`
}

type streamer struct {
	manager  *match.Manager
	events   pubsub.Subscriber
	presence *presence.Service
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

func newStreamer(manager *match.Manager, events pubsub.Subscriber, seats *presence.Service, allowedOrigins []string, logger *slog.Logger) *streamer {
	s := &streamer{
		manager:  manager,
		events:   events,
		presence: seats,
		logger:   logger,
		conns:    make(map[*streamConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(allowedOrigins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		}
	}
	return s
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || slices.Contains(allowed, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.Contains(allowed, u.Host)
}

// streamConn is one websocket client following one match.
type streamConn struct {
	id     string
	conn   *websocket.Conn
	host   *match.Host
	player domain.PlayerID
	seated bool
	send   chan StreamMessage
	logger *slog.Logger

	mu     sync.Mutex
	next   int64
	epoch  int
	ctx    context.Context
	cancel context.CancelFunc
}

// serve upgrades the request and streams the match. The client receives a
// catch-up frame with every entry from ?from= and then live frames.
func (s *streamer) serve(c echo.Context) error {
	from, err := parseFrom(c.QueryParam("from"))
	if err != nil {
		return err
	}
	if s.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not configured")
	}
	id := c.Param("id")
	h, err := s.manager.Get(id)
	if err != nil {
		if h, err = s.manager.Restore(c.Request().Context(), id); err != nil {
			return err
		}
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the response.
		s.logger.Warn("Websocket upgrade failed", "match", id, "error", err)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &streamConn{
		id:     uuid.NewString(),
		conn:   conn,
		host:   h,
		player: domain.PlayerID(c.QueryParam("player")),
		send:   make(chan StreamMessage, sendBuffer),
		logger: s.logger.With("match", id, "player", c.QueryParam("player")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.track(sc, true)
	defer s.track(sc, false)

	go sc.writePump(ctx)
	if err := sc.start(ctx, s.events, id, from); err != nil {
		sc.logger.Error("Failed to start stream", "error", err)
		sc.push(StreamMessage{Kind: StreamError, Message: err.Error()})
		sc.stop()
		return nil
	}
	if sc.seated && s.presence != nil {
		seat := presence.Seat{Match: id, Player: sc.player}
		s.presence.Connect(ctx, seat, sc.id)
		defer s.presence.Disconnect(context.Background(), sc.id)
	}
	sc.readPump(ctx)
	return nil
}

func (s *streamer) track(sc *streamConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[sc] = struct{}{}
	} else {
		delete(s.conns, sc)
	}
}

func (s *streamer) closeAll() {
	s.mu.Lock()
	conns := make([]*streamConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.stop()
	}
}

// start subscribes before sending the catch-up frame; batches that arrive in
// between wait on sc.mu and are trimmed against next.
func (sc *streamConn) start(ctx context.Context, events pubsub.Subscriber, matchID string, from int64) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := match.SubscribeBatches(ctx, events, matchID, sc.onBatch); err != nil {
		return err
	}
	info, err := sc.host.Info(ctx)
	if err != nil {
		return err
	}
	entries, err := sc.host.Events(ctx, from, sc.player)
	if err != nil {
		return err
	}
	sc.epoch = info.Epoch
	sc.seated = slices.Contains(info.Players, sc.player)
	sc.next = from
	if len(entries) > 0 {
		sc.next = entries[len(entries)-1].ID + 1
	}
	sc.push(StreamMessage{Kind: StreamEvents, Epoch: info.Epoch, FromID: from, Entries: entries})
	return nil
}

// onBatch forwards one published batch. The bus may deliver batches out of
// order: batches from older epochs are dropped and gaps are filled from the
// host. It uses the stream context rather than the message context, which
// belongs to the bus.
func (sc *streamConn) onBatch(_ context.Context, b match.Batch) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if b.Epoch < sc.epoch {
		return nil
	}
	switch b.Kind {
	case match.BatchRewind, match.BatchReset:
		if b.Epoch == sc.epoch {
			return nil
		}
		sc.epoch = b.Epoch
		sc.next = b.FromID
		sc.push(StreamMessage{Kind: b.Kind, Epoch: b.Epoch, FromID: b.FromID})
	case match.BatchAppend:
		if b.Epoch > sc.epoch {
			// The rewind or reset that opened this epoch is still in flight.
			sc.epoch = b.Epoch
			sc.next = 0
			sc.push(StreamMessage{Kind: StreamRewind, Epoch: b.Epoch, FromID: 0})
			sc.catchUp()
			return nil
		}
		entries := slices.DeleteFunc(slices.Clone(b.Entries), func(e engine.EventStreamEntry) bool {
			return e.ID < sc.next
		})
		if len(entries) == 0 {
			return nil
		}
		if entries[0].ID > sc.next {
			sc.catchUp()
			return nil
		}
		redacted, err := sc.host.Redact(sc.ctx, entries, sc.player)
		if err != nil {
			sc.logger.Error("Failed to redact batch", "error", err)
			return nil
		}
		sc.next = entries[len(entries)-1].ID + 1
		sc.push(StreamMessage{Kind: StreamEvents, Epoch: b.Epoch, FromID: entries[0].ID, Entries: redacted})
	}
	// Handler errors would make the bus redeliver; failures are logged instead.
	return nil
}

// catchUp sends every entry from next on. Callers hold sc.mu.
func (sc *streamConn) catchUp() {
	entries, err := sc.host.Events(sc.ctx, sc.next, sc.player)
	if err != nil {
		sc.logger.Error("Failed to catch up stream", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	from := sc.next
	sc.next = entries[len(entries)-1].ID + 1
	sc.push(StreamMessage{Kind: StreamEvents, Epoch: sc.epoch, FromID: from, Entries: entries})
}

// push queues msg without blocking. A client that cannot keep up is
// disconnected and must reconnect with ?from=.
func (sc *streamConn) push(msg StreamMessage) {
	select {
	case sc.send <- msg:
	default:
		sc.logger.Warn("Stream send buffer full, closing connection")
		go sc.stop()
	}
}

func (sc *streamConn) stop() {
	sc.cancel()
	_ = sc.conn.Close()
}

// readPump reads commands from the client until the connection fails.
func (sc *streamConn) readPump(ctx context.Context) {
	defer sc.stop()
	sc.conn.SetReadLimit(maxMessageSize)
	_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.logger.Debug("Websocket closed unexpectedly", "error", err)
			}
			return
		}
		var cmd StreamCommand
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
			sc.push(StreamMessage{Kind: StreamError, Message: "malformed command"})
			continue
		}
		if sc.player == "" {
			sc.push(StreamMessage{Kind: StreamError, Message: "spectators cannot submit commands"})
			continue
		}
		out, err := sc.host.Submit(ctx, domain.Command{Type: cmd.Type, PlayerID: sc.player, Payload: cmd.Payload})
		if err != nil {
			sc.push(StreamMessage{Kind: StreamError, Message: err.Error()})
			return
		}
		if !out.Accepted() {
			sc.push(StreamMessage{Kind: StreamRejection, Rejection: out.Rejection})
		}
	}
}

// writePump sends queued frames and keeps the connection alive with pings.
func (sc *streamConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sc.stop()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = sc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-sc.send:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
