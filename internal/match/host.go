package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/systems/prompt"
)

// Info summarises a match for listings.
type Info struct {
	ID            string                 `json:"id"`
	Game          string                 `json:"game"`
	Players       []domain.PlayerID      `json:"players"`
	Epoch         int                    `json:"epoch"`
	LastEventID   int64                  `json:"lastEventId"`
	Phase         string                 `json:"phase,omitempty"`
	Turn          int                    `json:"turn"`
	ActivePlayer  domain.PlayerID        `json:"activePlayer,omitempty"`
	PendingPrompt string                 `json:"pendingPrompt,omitempty"`
	GameOver      *domain.GameOverResult `json:"gameOver,omitempty"`
	UndoDepth     int                    `json:"undoDepth"`
}

// Host owns one match. A single goroutine applies every request in arrival
// order, so the session is never touched concurrently.
type Host struct {
	id     string
	gameID string
	env    *environment
	logger *slog.Logger

	requests chan func()
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once

	// Owned by the run goroutine.
	session  game.Session
	history  []game.Checkpoint
	lastTime int64
	timer    *time.Timer
	timerGen uint64
}

func newHost(id string, sess game.Session, env *environment) *Host {
	h := &Host{
		id:       id,
		gameID:   sess.GameID(),
		env:      env,
		logger:   env.logger.With("match", id, "game", sess.GameID()),
		requests: make(chan func(), env.queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		session:  sess,
	}
	go h.run()
	return h
}

// ID returns the match id.
func (h *Host) ID() string { return h.id }

// GameID returns the id of the game being played.
func (h *Host) GameID() string { return h.gameID }

func (h *Host) run() {
	defer close(h.done)
	h.schedule()
	for {
		select {
		case fn := <-h.requests:
			fn()
		case <-h.quit:
			if h.timer != nil {
				h.timer.Stop()
			}
			return
		}
	}
}

// call runs fn on the host goroutine and waits for it to finish.
func (h *Host) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case h.requests <- wrapped:
	case <-h.quit:
		return fmt.Errorf("%w: %s", domain.ErrMatchClosed, h.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return fmt.Errorf("%w: %s", domain.ErrMatchClosed, h.id)
	}
}

// enqueue schedules fn without waiting.
func (h *Host) enqueue(fn func()) {
	select {
	case h.requests <- fn:
	case <-h.quit:
	}
}

// Close stops the host. Pending requests fail with domain.ErrMatchClosed.
func (h *Host) Close() {
	h.stop.Do(func() { close(h.quit) })
	<-h.done
}

// Submit applies cmd. The host assigns the command timestamp.
func (h *Host) Submit(ctx context.Context, cmd domain.Command) (game.Outcome, error) {
	var out game.Outcome
	err := h.call(ctx, func() { out = h.apply(ctx, cmd) })
	return out, err
}

// Undo rewinds the last accepted command. The match moves to a new epoch.
func (h *Host) Undo(ctx context.Context) error {
	var err error
	callErr := h.call(ctx, func() {
		if len(h.history) == 0 {
			err = domain.ErrNothingToUndo
			return
		}
		cp := h.history[len(h.history)-1]
		if err = h.session.Rewind(cp); err != nil {
			return
		}
		h.history = h.history[:len(h.history)-1]
		h.logger.Info("Match rewound", "epoch", h.session.Sys().Epoch, "last_event_id", h.session.LastEventID())
		h.commit(ctx, Batch{Kind: BatchRewind, FromID: h.session.LastEventID() + 1})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Reset restarts the match with seed under a new epoch and clears the undo
// history.
func (h *Host) Reset(ctx context.Context, seed string) error {
	var err error
	callErr := h.call(ctx, func() {
		if err = h.session.Reset(seed); err != nil {
			return
		}
		h.history = nil
		h.logger.Info("Match reset", "epoch", h.session.Sys().Epoch)
		h.commit(ctx, Batch{Kind: BatchReset, FromID: 0})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Disconnect skips the pending prompt of player when it is skippable. It
// reports whether a prompt was skipped.
func (h *Host) Disconnect(ctx context.Context, player domain.PlayerID) (bool, error) {
	var skipped bool
	err := h.call(ctx, func() {
		sys := h.session.Sys()
		cur := sys.PendingPrompt()
		if cur == nil || cur.ForPlayer != player || !cur.Skippable {
			return
		}
		out := h.apply(ctx, prompt.Skip(domain.SystemActor, cur.ID))
		skipped = out.Accepted()
	})
	return skipped, err
}

// View returns the match state as seen by viewer.
func (h *Host) View(ctx context.Context, viewer domain.PlayerID) (any, error) {
	var (
		view any
		err  error
	)
	if callErr := h.call(ctx, func() { view, err = h.session.View(viewer) }); callErr != nil {
		return nil, callErr
	}
	return view, err
}

// Events returns the redacted entries with id >= fromID.
func (h *Host) Events(ctx context.Context, fromID int64, viewer domain.PlayerID) ([]engine.EventStreamEntry, error) {
	var (
		entries []engine.EventStreamEntry
		err     error
	)
	if callErr := h.call(ctx, func() { entries, err = h.session.EventsFor(fromID, viewer) }); callErr != nil {
		return nil, callErr
	}
	return entries, err
}

// Redact applies viewer's redaction to published entries.
func (h *Host) Redact(ctx context.Context, entries []engine.EventStreamEntry, viewer domain.PlayerID) ([]engine.EventStreamEntry, error) {
	var (
		out []engine.EventStreamEntry
		err error
	)
	if callErr := h.call(ctx, func() { out, err = h.session.Redact(entries, viewer) }); callErr != nil {
		return nil, callErr
	}
	return out, err
}

// Info describes the match.
func (h *Host) Info(ctx context.Context) (Info, error) {
	var info Info
	err := h.call(ctx, func() { info = h.info() })
	return info, err
}

// Snapshot encodes the match for persistence or offline verification.
func (h *Host) Snapshot(ctx context.Context) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if callErr := h.call(ctx, func() { data, err = h.session.Snapshot() }); callErr != nil {
		return nil, callErr
	}
	return data, err
}

// Verify checks that replaying the event stream reproduces the match state.
func (h *Host) Verify(ctx context.Context) error {
	var err error
	if callErr := h.call(ctx, func() { err = h.session.Verify() }); callErr != nil {
		return callErr
	}
	return err
}

func (h *Host) info() Info {
	sys := h.session.Sys()
	info := Info{
		ID:           h.id,
		Game:         h.gameID,
		Players:      sys.Players,
		Epoch:        sys.Epoch,
		LastEventID:  h.session.LastEventID(),
		Phase:        sys.Turn.Phase,
		Turn:         sys.Turn.Turn,
		ActivePlayer: sys.Turn.ActivePlayer,
		GameOver:     sys.GameOver,
		UndoDepth:    len(h.history),
	}
	if cur := sys.PendingPrompt(); cur != nil {
		info.PendingPrompt = cur.ID
	}
	return info
}

func (h *Host) apply(ctx context.Context, cmd domain.Command) game.Outcome {
	ctx, span := h.env.tracer.Start(ctx, "match.apply",
		trace.WithAttributes(
			attribute.String("match.id", h.id),
			attribute.String("match.game", h.gameID),
			attribute.String("command.type", cmd.Type),
			attribute.String("command.player", string(cmd.PlayerID)),
		),
	)
	defer span.End()

	cmd.Timestamp = h.stamp()
	before := h.session.Checkpoint()
	out := h.session.Apply(cmd)
	if !out.Accepted() {
		rej := out.Rejection
		span.SetAttributes(attribute.String("command.rejection", string(rej.Reason)))
		if rej.Reason == domain.ReasonDomainFault {
			span.RecordError(rej)
			span.SetStatus(codes.Error, rej.Error())
			h.logger.Warn("Rules fault while applying command", "type", cmd.Type, "player", cmd.PlayerID, "error", rej)
		} else {
			h.logger.Debug("Command rejected", "type", cmd.Type, "player", cmd.PlayerID, "reason", rej.Reason)
		}
		return out
	}

	h.remember(before)
	span.SetAttributes(attribute.Int("command.events", len(out.Events)))
	h.commit(ctx, Batch{
		Kind:    BatchAppend,
		FromID:  h.session.LastEventID() + 1 - int64(len(out.Events)),
		Entries: out.Events,
	})
	if out.GameOver != nil {
		h.logger.Info("Match over", "winner", out.GameOver.Winner, "draw", out.GameOver.Draw)
	}
	return out
}

// stamp returns a strictly increasing millisecond timestamp.
func (h *Host) stamp() int64 {
	now := h.env.now().UnixMilli()
	if now <= h.lastTime {
		now = h.lastTime + 1
	}
	h.lastTime = now
	return now
}

func (h *Host) remember(cp game.Checkpoint) {
	if h.env.historyLimit <= 0 {
		return
	}
	h.history = append(h.history, cp)
	if over := len(h.history) - h.env.historyLimit; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
}

// commit persists and publishes a state change, then re-arms deadlines.
func (h *Host) commit(ctx context.Context, batch Batch) {
	batch.MatchID = h.id
	batch.GameID = h.gameID
	batch.Epoch = h.session.Sys().Epoch

	if h.env.journal != nil && len(batch.Entries) > 0 {
		if err := h.env.journal.Append(ctx, h.id, batch.Epoch, batch.Entries); err != nil {
			h.logger.Error("Failed to journal events", "epoch", batch.Epoch, "error", err)
		}
	}
	if h.env.snapshots != nil {
		if data, err := h.session.Snapshot(); err != nil {
			h.logger.Error("Failed to encode snapshot", "error", err)
		} else if err := h.env.snapshots.SaveSnapshot(ctx, h.id, data); err != nil {
			h.logger.Error("Failed to save snapshot", "error", err)
		}
	}
	if h.env.publisher != nil {
		if err := h.env.publisher.PublishBatch(ctx, batch); err != nil {
			h.logger.Error("Failed to publish events", "kind", batch.Kind, "error", err)
		}
	}
	h.schedule()
}

// schedule arms a timer for the earliest pending deadline.
func (h *Host) schedule() {
	h.timerGen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	deadlines := h.session.Deadlines()
	if len(deadlines) == 0 {
		return
	}
	next := deadlines[0].At
	for _, d := range deadlines[1:] {
		next = min(next, d.At)
	}
	delay := max(time.Duration(next-h.env.now().UnixMilli())*time.Millisecond, 0)
	gen := h.timerGen
	h.timer = time.AfterFunc(delay, func() { h.enqueue(func() { h.fire(gen) }) })
}

// fire applies the first deadline that has passed. Applying it changes the
// deadlines, so the rest are re-read by the next schedule. Deadlines whose
// command is rejected stay disarmed until the next accepted change. A fire
// from a timer that schedule has since replaced does nothing.
func (h *Host) fire(gen uint64) {
	if gen != h.timerGen {
		return
	}
	h.timer = nil
	now := h.env.now().UnixMilli()
	future := false
	for _, d := range h.session.Deadlines() {
		if d.At > now {
			future = true
			continue
		}
		out := h.apply(context.Background(), d.Command)
		if out.Accepted() {
			h.logger.Info("Deadline fired", "system", d.SystemID, "command", d.Command.Type)
			return
		}
		h.logger.Debug("Deadline command rejected", "system", d.SystemID, "reason", out.Rejection.Reason)
	}
	if future {
		h.schedule()
	}
}
