// Package engine is the deterministic match kernel: the systems pipeline, the
// command processor, the match state container and player views.
//
// Apply is the single state transition:
//
//	pre-validate hooks -> domain validate -> domain execute -> post-execute hooks
//	-> for each event: domain reduce, post-reduce hooks (which may queue more events)
//	-> append to event stream -> game-over check
//
// Apply is total. Every failure is reported as a rejection and leaves the input
// state untouched.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/random"
)

// DefaultMaxCascade bounds the events one command may produce, including
// everything systems synthesize.
const DefaultMaxCascade = 1024

// Result is the outcome of Apply. On rejection State is the input state.
type Result[S any] struct {
	State     *MatchState[S]
	Events    []EventStreamEntry
	Rejection *domain.Rejection
}

// Accepted reports whether the command produced a new state.
func (r Result[S]) Accepted() bool { return r.Rejection == nil }

// Err returns the rejection as an error, or nil.
func (r Result[S]) Err() error {
	if r.Rejection == nil {
		return nil
	}
	return r.Rejection
}

// Processor applies commands for one game. It holds no per-match state.
type Processor[S any] struct {
	name       string
	core       domain.Core[S]
	pipeline   *Pipeline[S]
	maxCascade int
}

// Option configures a Processor.
type Option func(*options)

type options struct {
	maxCascade int
}

// WithMaxCascade overrides DefaultMaxCascade.
func WithMaxCascade(n int) Option {
	return func(o *options) { o.maxCascade = n }
}

// NewProcessor validates core and systems and builds a processor.
func NewProcessor[S any](name string, core domain.Core[S], systems []System[S], opts ...Option) (*Processor[S], error) {
	if err := core.Check(name); err != nil {
		return nil, err
	}
	pipeline, err := NewPipeline(systems...)
	if err != nil {
		return nil, err
	}
	o := options{maxCascade: DefaultMaxCascade}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxCascade < 1 {
		return nil, domain.NewConfigError(name, "max cascade must be positive")
	}
	return &Processor[S]{name: name, core: core, pipeline: pipeline, maxCascade: o.maxCascade}, nil
}

// Pipeline exposes the ordered systems.
func (p *Processor[S]) Pipeline() *Pipeline[S] { return p.pipeline }

// Setup creates the initial MatchState for players from seed.
func (p *Processor[S]) Setup(players []domain.PlayerID, seed string) (*MatchState[S], error) {
	rng := random.New(seed)
	core, err := guard("setup", func() (S, error) {
		return p.core.Setup(slices.Clone(players), rng)
	})
	if err != nil {
		return nil, err
	}

	sys := SystemsState{Players: slices.Clone(players)}
	for _, s := range p.pipeline.systems {
		initer, ok := s.(Initializer)
		if !ok {
			continue
		}
		if err := initer.Init(&sys, sys.Players); err != nil {
			return nil, fmt.Errorf("init system %s: %w", s.ID(), err)
		}
	}

	return &MatchState[S]{
		Core:        core,
		Sys:         sys,
		EventStream: []EventStreamEntry{},
		RNG:         rng.Cursor(),
	}, nil
}

// Apply runs cmd against state. It never panics and never modifies state.
func (p *Processor[S]) Apply(state *MatchState[S], cmd domain.Command) (res Result[S]) {
	reject := func(r *domain.Rejection) Result[S] {
		return Result[S]{State: state, Rejection: r}
	}
	if state == nil {
		return reject(domain.Reject(domain.ReasonMalformedCommand, "no match state"))
	}
	if r := domain.CheckCommand(cmd); r != nil {
		return reject(r)
	}
	if state.Sys.GameOver != nil {
		return reject(domain.Reject(domain.ReasonGameOver, "match is over"))
	}

	defer func() {
		if r := recover(); r != nil {
			res = reject(domain.Fault("apply", fmt.Errorf("panic: %v", r)).Rejection())
		}
	}()

	next, entries, rej := p.transition(state, cmd)
	if rej != nil {
		return reject(rej)
	}
	return Result[S]{State: next, Events: entries}
}

func (p *Processor[S]) transition(state *MatchState[S], cmd domain.Command) (*MatchState[S], []EventStreamEntry, *domain.Rejection) {
	next, err := p.cloneState(state)
	if err != nil {
		return nil, nil, asRejection(err)
	}
	rng, err := random.Resume(state.RNG)
	if err != nil {
		return nil, nil, domain.Fault("rng", err).Rejection()
	}

	owner, _ := p.pipeline.Owner(cmd.Type)
	ctx := &Context[S]{Core: next.Core, Sys: &next.Sys, Command: cmd, Owner: owner}

	for _, s := range p.pipeline.systems {
		pv, ok := s.(PreValidator[S])
		if !ok {
			continue
		}
		if rej := pv.BeforeCommand(ctx); rej != nil {
			return nil, nil, rej
		}
	}
	cmd = ctx.Command
	queue := ctx.drain()

	if owner == "" {
		vr, err := guard("validate", func() (domain.ValidationResult, error) {
			return p.core.Validate(next.Core, cmd), nil
		})
		if err != nil {
			return nil, nil, asRejection(err)
		}
		if rej := vr.Rejection(); rej != nil {
			return nil, nil, rej
		}
	}

	events, err := guard("execute", func() ([]domain.Event, error) {
		return p.core.Execute(next.Core, cmd, rng)
	})
	if err != nil {
		return nil, nil, asRejection(err)
	}
	for _, s := range p.pipeline.systems {
		pe, ok := s.(PostExecutor[S])
		if !ok {
			continue
		}
		if events, err = pe.AfterExecute(ctx, events); err != nil {
			return nil, nil, domain.Fault("system "+s.ID(), err).Rejection()
		}
	}
	queue = append(queue, events...)

	var entries []EventStreamEntry
	for i := 0; i < len(queue); i++ {
		if i >= p.maxCascade {
			return nil, nil, domain.Fault("cascade", fmt.Errorf("command produced more than %d events", p.maxCascade)).Rejection()
		}
		evt := stamp(queue[i], cmd)
		if err := domain.CheckEvent(evt); err != nil {
			return nil, nil, domain.Fault("execute", err).Rejection()
		}

		core, err := guard("reduce", func() (S, error) {
			return p.core.Reduce(next.Core, evt)
		})
		if err != nil {
			return nil, nil, asRejection(err)
		}
		next.Core = core
		ctx.Core = core
		ctx.EventID = next.Sys.NextEventID
		entries = append(entries, EventStreamEntry{ID: next.Sys.NextEventID, Event: evt})
		next.Sys.NextEventID++

		for _, s := range p.pipeline.systems {
			pr, ok := s.(PostReducer[S])
			if !ok {
				continue
			}
			if err := pr.AfterEvent(ctx, evt); err != nil {
				return nil, nil, domain.Fault("system "+s.ID(), err).Rejection()
			}
		}
		queue = append(queue, ctx.drain()...)
	}

	if p.core.IsGameOver != nil {
		over, err := guard("isGameOver", func() (*domain.GameOverResult, error) {
			return p.core.IsGameOver(next.Core), nil
		})
		if err != nil {
			return nil, nil, asRejection(err)
		}
		if over != nil {
			evt := stamp(domain.NewEvent(EventGameOver, gameOverPayload(over)), cmd)
			core, err := guard("reduce", func() (S, error) {
				return p.core.Reduce(next.Core, evt)
			})
			if err != nil {
				return nil, nil, asRejection(err)
			}
			next.Core = core
			next.Sys.GameOver = over
			entries = append(entries, EventStreamEntry{ID: next.Sys.NextEventID, Event: evt})
			next.Sys.NextEventID++
		}
	}

	next.EventStream = slices.Concat(state.EventStream, entries)
	next.RNG = rng.Cursor()
	return next, entries, nil
}

func stamp(evt domain.Event, cmd domain.Command) domain.Event {
	if evt.Timestamp == 0 {
		evt.Timestamp = cmd.Timestamp
	}
	if evt.SourceCommandType == "" {
		evt.SourceCommandType = cmd.Type
	}
	return evt
}

func gameOverPayload(over *domain.GameOverResult) domain.Payload {
	payload := domain.Payload{"draw": over.Draw}
	if over.Winner != "" {
		payload["winner"] = string(over.Winner)
	}
	return payload
}

// Deadlines lists the caller-enforced timeouts pending in state.
func (p *Processor[S]) Deadlines(state *MatchState[S]) []Deadline {
	if state == nil || state.Sys.GameOver != nil {
		return nil
	}
	return p.pipeline.Deadlines(&state.Sys)
}

func (p *Processor[S]) cloneState(state *MatchState[S]) (*MatchState[S], error) {
	core, err := p.cloneCore(state.Core)
	if err != nil {
		return nil, err
	}
	return &MatchState[S]{
		Core:        core,
		Sys:         state.Sys.Clone(),
		EventStream: state.EventStream,
		RNG:         state.RNG,
	}, nil
}

func (p *Processor[S]) cloneCore(core S) (S, error) {
	if p.core.Clone != nil {
		return guard("clone", func() (S, error) { return p.core.Clone(core), nil })
	}
	var out S
	data, err := json.Marshal(core)
	if err != nil {
		return out, domain.Fault("clone", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, domain.Fault("clone", err)
	}
	return out, nil
}

// guard runs a domain function, converting errors and panics to DomainFault.
func guard[T any](op string, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Fault(op, fmt.Errorf("panic: %v", r))
		}
	}()
	out, err = fn()
	if err != nil && !domain.IsDomainFault(err) {
		err = domain.Fault(op, err)
	}
	return out, err
}

func asRejection(err error) *domain.Rejection {
	var f *domain.DomainFault
	if errors.As(err, &f) {
		return f.Rejection()
	}
	return domain.Fault("apply", err).Rejection()
}
