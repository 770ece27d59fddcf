// Package prompt lets domain rules ask a player for a choice in the middle of
// resolving a command without blocking the processor.
//
// Rules emit a request event (see Request). The system records the prompt in
// SystemsState and, until it is answered, skipped or timed out, rejects every
// command except the matching respond command with reason promptPending.
package prompt

import (
	"fmt"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

// SystemID is the id of the prompt system.
const SystemID = "prompt"

// Reserved command types.
const (
	CommandRespond = "SYS_PROMPT_RESPOND"
	CommandSkip    = "SYS_PROMPT_SKIP"
	CommandTimeout = "SYS_PROMPT_TIMEOUT"
)

// Event types.
const (
	EventRequest  = "SYS_PROMPT_REQUEST"
	EventCreated  = "SYS_PROMPT_CREATED"
	EventResolved = "SYS_PROMPT_RESOLVED"
	EventExpired  = "SYS_PROMPT_EXPIRED"
)

// System is the prompt system for a game with core state S.
type System[S any] struct{}

// New returns the prompt system.
func New[S any]() *System[S] { return &System[S]{} }

func (*System[S]) ID() string    { return SystemID }
func (*System[S]) Priority() int { return engine.PriorityPrompt }

func (*System[S]) Commands() []string {
	return []string{CommandRespond, CommandSkip, CommandTimeout}
}

func (*System[S]) Init(sys *engine.SystemsState, _ []domain.PlayerID) error {
	sys.Prompt = engine.PromptState{}
	return nil
}

// BeforeCommand enforces prompt exclusivity and handles the reserved commands.
func (s *System[S]) BeforeCommand(ctx *engine.Context[S]) *domain.Rejection {
	cmd := ctx.Command
	cur := ctx.Sys.Prompt.Current

	switch cmd.Type {
	case CommandRespond:
		if rej := matchPrompt(cur, cmd); rej != nil {
			return rej
		}
		if cmd.PlayerID != cur.ForPlayer {
			return domain.Reject(domain.ReasonPromptNotFound, "prompt %s is not addressed to %s", cur.ID, cmd.PlayerID)
		}
		selected, rej := selection(cur, cmd.Payload)
		if rej != nil {
			return rej
		}
		ctx.Emit(domain.NewEvent(EventResolved, domain.Payload{
			"promptId":  cur.ID,
			"playerId":  string(cur.ForPlayer),
			"sourceId":  cur.SourceID,
			"optionIds": selected,
		}))
		payload := cmd.Payload.Clone()
		if payload == nil {
			payload = domain.Payload{}
		}
		payload["optionIds"] = selected
		payload["sourceId"] = cur.SourceID
		ctx.Command.Payload = payload
		s.promote(ctx)
		return nil

	case CommandSkip:
		if rej := matchPrompt(cur, cmd); rej != nil {
			return rej
		}
		switch {
		case cmd.PlayerID == domain.SystemActor:
		case cmd.PlayerID != cur.ForPlayer:
			return domain.Reject(domain.ReasonPromptNotFound, "prompt %s is not addressed to %s", cur.ID, cmd.PlayerID)
		case !cur.Skippable:
			return domain.Reject(domain.ReasonInvalidCommand, "prompt %s cannot be skipped", cur.ID)
		}
		s.expire(ctx, cur, "skipped")
		return nil

	case CommandTimeout:
		if cmd.PlayerID != domain.SystemActor {
			return domain.Reject(domain.ReasonInvalidCommand, "only the host may time out a prompt")
		}
		if rej := matchPrompt(cur, cmd); rej != nil {
			return rej
		}
		s.expire(ctx, cur, "timeout")
		return nil
	}

	if cur != nil && cmd.PlayerID != domain.SystemActor {
		return domain.Reject(domain.ReasonPromptPending, "waiting for %s to answer prompt %s", cur.ForPlayer, cur.ID)
	}
	return nil
}

func matchPrompt(cur *engine.Prompt, cmd domain.Command) *domain.Rejection {
	id, _ := cmd.Payload.String("promptId")
	if cur == nil {
		return domain.Reject(domain.ReasonPromptNotFound, "no prompt is pending")
	}
	if id != cur.ID {
		return domain.Reject(domain.ReasonPromptNotFound, "prompt %q is not pending", id)
	}
	return nil
}

// selection reads optionId or optionIds and checks them against the prompt.
func selection(p *engine.Prompt, payload domain.Payload) ([]string, *domain.Rejection) {
	ids, ok := payload.Strings("optionIds")
	if !ok {
		id, single := payload.String("optionId")
		if !single {
			return nil, domain.Reject(domain.ReasonInvalidOption, "optionId or optionIds is required")
		}
		ids = []string{id}
	}

	lo, hi := bounds(p)
	if len(ids) < lo || len(ids) > hi {
		return nil, domain.Reject(domain.ReasonInvalidOption, "select between %d and %d options, got %d", lo, hi, len(ids))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, domain.Reject(domain.ReasonInvalidOption, "option %q selected twice", id)
		}
		seen[id] = true
		i := slices.IndexFunc(p.Options, func(o engine.PromptOption) bool { return o.ID == id })
		if i < 0 {
			return nil, domain.Reject(domain.ReasonInvalidOption, "unknown option %q", id)
		}
		if p.Options[i].Disabled {
			return nil, domain.Reject(domain.ReasonInvalidOption, "option %q is disabled", id)
		}
	}
	return ids, nil
}

// bounds returns how many options a response must select. Without min or
// max a prompt is single-select; a min without max allows every option.
func bounds(p *engine.Prompt) (int, int) {
	lo, hi := p.Min, p.Max
	switch {
	case hi == 0 && lo > 0:
		hi = len(p.Options)
	case hi == 0:
		lo, hi = 1, 1
	}
	return lo, hi
}

func (s *System[S]) expire(ctx *engine.Context[S], cur *engine.Prompt, reason string) {
	ctx.Emit(domain.NewEvent(EventExpired, domain.Payload{
		"promptId": cur.ID,
		"playerId": string(cur.ForPlayer),
		"sourceId": cur.SourceID,
		"reason":   reason,
	}))
	s.promote(ctx)
}

// promote clears the current prompt and activates the next queued one.
func (s *System[S]) promote(ctx *engine.Context[S]) {
	ps := &ctx.Sys.Prompt
	ps.Current = nil
	if len(ps.Queue) == 0 {
		ps.Queue = nil
		return
	}
	next := ps.Queue[0]
	ps.Queue = slices.Clone(ps.Queue[1:])
	if len(ps.Queue) == 0 {
		ps.Queue = nil
	}
	s.activate(ctx, next, ctx.Command.Timestamp)
}

func (s *System[S]) activate(ctx *engine.Context[S], p engine.Prompt, now int64) {
	if p.TimeoutMs > 0 {
		p.Deadline = now + p.TimeoutMs
	}
	ctx.Sys.Prompt.Current = &p
	ctx.Emit(domain.NewEvent(EventCreated, domain.Payload{
		"promptId":    p.ID,
		"forPlayerId": string(p.ForPlayer),
		"sourceId":    p.SourceID,
	}))
}

// AfterEvent turns request events into pending or queued prompts.
func (s *System[S]) AfterEvent(ctx *engine.Context[S], evt domain.Event) error {
	if evt.Type != EventRequest {
		return nil
	}
	p, err := Parse(evt.Payload)
	if err != nil {
		return err
	}
	if !ctx.Sys.HasPlayer(p.ForPlayer) {
		return fmt.Errorf("prompt requested for unknown player %q", p.ForPlayer)
	}
	ctx.Sys.Prompt.Seq++
	p.ID = fmt.Sprintf("prompt-%d", ctx.Sys.Prompt.Seq)

	if ctx.Sys.Prompt.Current != nil {
		ctx.Sys.Prompt.Queue = append(ctx.Sys.Prompt.Queue, p)
		return nil
	}
	s.activate(ctx, p, evt.Timestamp)
	return nil
}

// Redact hides other players' prompt contents and queued prompts.
func (*System[S]) Redact(sys *engine.SystemsState, viewer domain.PlayerID) {
	if cur := sys.Prompt.Current; cur != nil && cur.ForPlayer != viewer {
		sys.Prompt.Current = &engine.Prompt{ID: cur.ID, ForPlayer: cur.ForPlayer, Deadline: cur.Deadline, Redacted: true}
	}
	var own []engine.Prompt
	for _, p := range sys.Prompt.Queue {
		if p.ForPlayer == viewer {
			own = append(own, p)
		}
	}
	sys.Prompt.Queue = own
}

// RedactEvent strips request contents from other players' view of the stream.
func (*System[S]) RedactEvent(evt domain.Event, viewer domain.PlayerID) domain.Event {
	if evt.Type != EventRequest {
		return evt
	}
	if owner, _ := evt.Payload.String("forPlayerId"); owner == string(viewer) {
		return evt
	}
	evt.Payload = domain.Payload{"forPlayerId": evt.Payload["forPlayerId"], "redacted": true}
	return evt
}

// Deadlines reports the current prompt's timeout.
func (*System[S]) Deadlines(sys *engine.SystemsState) []engine.Deadline {
	cur := sys.Prompt.Current
	if cur == nil || cur.Deadline == 0 {
		return nil
	}
	return []engine.Deadline{{
		At:       cur.Deadline,
		SystemID: SystemID,
		Command: domain.Command{
			Type:     CommandTimeout,
			PlayerID: domain.SystemActor,
			Payload:  domain.Payload{"promptId": cur.ID},
		},
	}}
}
