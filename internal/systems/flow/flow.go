// Package flow is the phase and turn system. It tracks the active player and
// current phase, vetoes out-of-turn commands, advances phases when their
// completion conditions hold, and manages response windows that let a single
// player act out of turn.
package flow

import (
	"fmt"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

// SystemID is the id of the flow system.
const SystemID = "flow"

// Reserved command types.
const (
	CommandAdvance = "SYS_FLOW_ADVANCE"
	CommandPass    = "SYS_RESPONSE_PASS"
)

// Event types. Rules emit the *_OPEN and *_CLOSE requests; the system emits
// the rest.
const (
	EventPhaseChanged = "SYS_PHASE_CHANGED"
	EventTurnChanged  = "SYS_TURN_CHANGED"
	EventWindowOpen   = "SYS_RESPONSE_WINDOW_OPEN"
	EventWindowClose  = "SYS_RESPONSE_WINDOW_CLOSE"
	EventWindowOpened = "SYS_RESPONSE_WINDOW_OPENED"
	EventWindowClosed = "SYS_RESPONSE_WINDOW_CLOSED"
)

// Phase declares one step of a turn.
type Phase[S any] struct {
	ID string
	// Auto phases need no player decision and advance as soon as they are entered.
	Auto bool
	// AnyPlayer lets every seated player act during the phase.
	AnyPlayer bool
	// CompleteOn lists event types that end the phase.
	CompleteOn []string
	// Until is a CEL expression over event, turn and core that ends the phase
	// when it evaluates to true.
	Until string
	// Done is the Go form of Until.
	Done func(core S, turn engine.TurnState, evt domain.Event) bool
	// TimeoutMs arms a caller-enforced deadline when the phase is entered.
	TimeoutMs int64
}

// Config declares the turn structure of a game.
type Config[S any] struct {
	Phases []Phase[S]
	// AnyTime lists command types any seated player may send at any time.
	AnyTime []string
	// DisableAdvance removes the player-facing advance command; phases then
	// end only through completion conditions and timeouts.
	DisableAdvance bool
	// NextPlayer picks the next active player. Seat order rotation is used
	// when nil.
	NextPlayer func(core S, sys *engine.SystemsState) domain.PlayerID
}

// System is the flow system for a game with core state S.
type System[S any] struct {
	cfg       Config[S]
	index     map[string]int
	condition map[string]*condition
}

// New validates cfg and builds the system.
func New[S any](cfg Config[S]) (*System[S], error) {
	if len(cfg.Phases) == 0 {
		return nil, domain.NewConfigError(SystemID, "at least one phase is required")
	}
	if cfg.Phases[0].Auto {
		return nil, domain.NewConfigError(SystemID, "opening phase %q cannot be automatic", cfg.Phases[0].ID)
	}
	s := &System[S]{
		cfg:       cfg,
		index:     make(map[string]int, len(cfg.Phases)),
		condition: make(map[string]*condition),
	}
	env, err := newConditionEnv()
	if err != nil {
		return nil, domain.NewConfigError(SystemID, "cel environment: %v", err)
	}
	for i, ph := range cfg.Phases {
		if ph.ID == "" {
			return nil, domain.NewConfigError(SystemID, "phase %d has no id", i)
		}
		if _, dup := s.index[ph.ID]; dup {
			return nil, domain.NewConfigError(SystemID, "duplicate phase %q", ph.ID)
		}
		s.index[ph.ID] = i
		if ph.Until == "" {
			continue
		}
		c, err := env.compile(ph.Until)
		if err != nil {
			return nil, domain.NewConfigError(SystemID, "phase %q: %v", ph.ID, err)
		}
		s.condition[ph.ID] = c
	}
	return s, nil
}

func (*System[S]) ID() string    { return SystemID }
func (*System[S]) Priority() int { return engine.PriorityFlow }

func (*System[S]) Commands() []string {
	return []string{CommandAdvance, CommandPass}
}

// Init seats the first player in the opening phase of turn 1.
func (s *System[S]) Init(sys *engine.SystemsState, players []domain.PlayerID) error {
	if len(players) == 0 {
		return fmt.Errorf("flow needs at least one player")
	}
	sys.Turn = engine.TurnState{
		Phase:        s.cfg.Phases[0].ID,
		Turn:         1,
		ActivePlayer: players[0],
	}
	return nil
}

func (s *System[S]) phase(id string) Phase[S] {
	return s.cfg.Phases[s.index[id]]
}

// BeforeCommand enforces turn order and response windows.
func (s *System[S]) BeforeCommand(ctx *engine.Context[S]) *domain.Rejection {
	cmd := ctx.Command
	turn := &ctx.Sys.Turn

	if ctx.Owner != "" && ctx.Owner != SystemID {
		return nil
	}

	if cmd.Type == CommandAdvance {
		return s.handleAdvance(ctx)
	}
	if cmd.PlayerID == domain.SystemActor {
		if cmd.Type != CommandPass {
			return nil
		}
		if turn.Window == nil {
			return domain.Reject(domain.ReasonInvalidCommand, "no response window is open")
		}
		s.closeWindow(ctx, "timeout")
		return nil
	}
	if !ctx.Sys.HasPlayer(cmd.PlayerID) {
		return domain.Reject(domain.ReasonInvalidPlayer, "%q is not seated in this match", cmd.PlayerID)
	}

	if w := turn.Window; w != nil {
		if cmd.PlayerID != w.Responder {
			return domain.Reject(domain.ReasonResponseWindowOpen, "waiting for %s to respond", w.Responder)
		}
		if cmd.Type == CommandPass {
			s.closeWindow(ctx, "pass")
			return nil
		}
		if !slices.Contains(w.Allowed, cmd.Type) {
			return domain.Reject(domain.ReasonResponseWindowOpen, "%s is not allowed during the response window", cmd.Type)
		}
		return nil
	}
	if cmd.Type == CommandPass {
		return domain.Reject(domain.ReasonInvalidCommand, "no response window is open")
	}

	if slices.Contains(s.cfg.AnyTime, cmd.Type) || s.phase(turn.Phase).AnyPlayer {
		return nil
	}
	if cmd.PlayerID != turn.ActivePlayer {
		return domain.Reject(domain.ReasonNotYourTurn, "%s is the active player", turn.ActivePlayer)
	}
	return nil
}

func (s *System[S]) handleAdvance(ctx *engine.Context[S]) *domain.Rejection {
	cmd := ctx.Command
	turn := &ctx.Sys.Turn

	if cmd.PlayerID == domain.SystemActor {
		// Host timeouts carry the phase they were armed for.
		if ph, ok := cmd.Payload.String("phase"); ok && ph != turn.Phase {
			return domain.Reject(domain.ReasonWrongPhase, "timeout for phase %s arrived during %s", ph, turn.Phase)
		}
		if n, ok := cmd.Payload.Int("turn"); ok && n != turn.Turn {
			return domain.Reject(domain.ReasonWrongPhase, "timeout for turn %d arrived during turn %d", n, turn.Turn)
		}
		s.advance(ctx, cmd.Timestamp, "timeout")
		return nil
	}

	if s.cfg.DisableAdvance {
		return domain.Reject(domain.ReasonInvalidCommand, "phases advance automatically")
	}
	if turn.Window != nil {
		return domain.Reject(domain.ReasonResponseWindowOpen, "waiting for %s to respond", turn.Window.Responder)
	}
	if cmd.PlayerID != turn.ActivePlayer {
		return domain.Reject(domain.ReasonNotYourTurn, "%s is the active player", turn.ActivePlayer)
	}
	s.advance(ctx, cmd.Timestamp, "advance")
	return nil
}

// AfterEvent opens and closes response windows and checks phase completion.
func (s *System[S]) AfterEvent(ctx *engine.Context[S], evt domain.Event) error {
	switch evt.Type {
	case EventWindowOpen:
		return s.openWindow(ctx, evt)
	case EventWindowClose:
		if ctx.Sys.Turn.Window != nil {
			s.closeWindow(ctx, "closed")
		}
		return nil
	case EventPhaseChanged, EventTurnChanged, EventWindowOpened, EventWindowClosed:
		return nil
	}

	done, err := s.completes(ctx, evt)
	if err != nil {
		return err
	}
	if done {
		s.advance(ctx, evt.Timestamp, "complete")
	}
	return nil
}

func (s *System[S]) completes(ctx *engine.Context[S], evt domain.Event) (bool, error) {
	ph := s.phase(ctx.Sys.Turn.Phase)
	if slices.Contains(ph.CompleteOn, evt.Type) {
		return true, nil
	}
	if ph.Done != nil && ph.Done(ctx.Core, ctx.Sys.Turn, evt) {
		return true, nil
	}
	if c, ok := s.condition[ph.ID]; ok {
		return c.eval(ctx.Core, ctx.Sys.Turn, evt)
	}
	return false, nil
}

// advance ends the current phase and enters the next one, skipping through
// automatic phases. Wrapping past the last phase starts the next turn.
func (s *System[S]) advance(ctx *engine.Context[S], now int64, reason string) {
	turn := &ctx.Sys.Turn
	if turn.Window != nil {
		s.closeWindow(ctx, "phaseEnded")
	}

	for range len(s.cfg.Phases) + 1 {
		from := turn.Phase
		idx := s.index[from] + 1
		if idx >= len(s.cfg.Phases) {
			idx = 0
			prev := turn.ActivePlayer
			turn.Turn++
			turn.ActivePlayer = s.nextPlayer(ctx)
			ctx.Emit(domain.NewEvent(EventTurnChanged, domain.Payload{
				"turn":           turn.Turn,
				"activePlayer":   string(turn.ActivePlayer),
				"previousPlayer": string(prev),
			}))
		}

		next := s.cfg.Phases[idx]
		turn.Phase = next.ID
		turn.PhaseStartedAt = now
		turn.Deadline = 0
		if next.TimeoutMs > 0 {
			turn.Deadline = now + next.TimeoutMs
		}
		ctx.Emit(domain.NewEvent(EventPhaseChanged, domain.Payload{
			"from":         from,
			"to":           next.ID,
			"turn":         turn.Turn,
			"activePlayer": string(turn.ActivePlayer),
			"reason":       reason,
		}))
		if !next.Auto {
			return
		}
		reason = "auto"
	}
}

func (s *System[S]) nextPlayer(ctx *engine.Context[S]) domain.PlayerID {
	if s.cfg.NextPlayer != nil {
		if p := s.cfg.NextPlayer(ctx.Core, ctx.Sys); ctx.Sys.HasPlayer(p) {
			return p
		}
	}
	players := ctx.Sys.Players
	i := slices.Index(players, ctx.Sys.Turn.ActivePlayer)
	return players[(i+1)%len(players)]
}

func (s *System[S]) openWindow(ctx *engine.Context[S], evt domain.Event) error {
	responder, _ := evt.Payload.String("responder")
	if !ctx.Sys.HasPlayer(domain.PlayerID(responder)) {
		return fmt.Errorf("response window for unknown player %q", responder)
	}
	allowed, _ := evt.Payload.Strings("allowed")
	ctx.Sys.Turn.Window = &engine.ResponseWindow{
		Responder: domain.PlayerID(responder),
		Allowed:   allowed,
		OpenedAt:  evt.Timestamp,
	}
	ctx.Emit(domain.NewEvent(EventWindowOpened, domain.Payload{
		"responder": responder,
		"allowed":   allowed,
	}))
	return nil
}

func (s *System[S]) closeWindow(ctx *engine.Context[S], reason string) {
	w := ctx.Sys.Turn.Window
	ctx.Sys.Turn.Window = nil
	ctx.Emit(domain.NewEvent(EventWindowClosed, domain.Payload{
		"responder": string(w.Responder),
		"reason":    reason,
	}))
}

// Deadlines reports the current phase's timeout.
func (s *System[S]) Deadlines(sys *engine.SystemsState) []engine.Deadline {
	if sys.Turn.Deadline == 0 {
		return nil
	}
	return []engine.Deadline{{
		At:       sys.Turn.Deadline,
		SystemID: SystemID,
		Command: domain.Command{
			Type:     CommandAdvance,
			PlayerID: domain.SystemActor,
			Payload:  domain.Payload{"phase": sys.Turn.Phase, "turn": sys.Turn.Turn},
		},
	}}
}

// OpenWindow builds the event rules emit to let responder act out of turn.
func OpenWindow(responder domain.PlayerID, allowed ...string) domain.Event {
	list := make([]any, len(allowed))
	for i, a := range allowed {
		list[i] = a
	}
	return domain.NewEvent(EventWindowOpen, domain.Payload{"responder": string(responder), "allowed": list})
}

// CloseWindow builds the event rules emit to end a response window early.
func CloseWindow() domain.Event {
	return domain.NewEvent(EventWindowClose, nil)
}

// Advance builds the player-facing advance command.
func Advance(player domain.PlayerID) domain.Command {
	return domain.Command{Type: CommandAdvance, PlayerID: player}
}

// Pass builds the response window pass command.
func Pass(player domain.PlayerID) domain.Command {
	return domain.Command{Type: CommandPass, PlayerID: player}
}
