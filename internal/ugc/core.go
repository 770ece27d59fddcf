package ugc

import (
	"context"
	"fmt"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/random"
	"github.com/nfrund/tabletop/internal/systems/flow"
	"github.com/nfrund/tabletop/internal/systems/prompt"
)

// State is the domain state of a scripted game: whatever map the script's
// setup and reduce ops return.
type State map[string]any

// Meta is what a script's meta op declares about its game.
type Meta struct {
	Name       string      `json:"name" validate:"max=80"`
	MinPlayers int         `json:"minPlayers" validate:"gte=1"`
	MaxPlayers int         `json:"maxPlayers" validate:"gtefield=MinPlayers"`
	Commands   []string    `json:"commands" validate:"required,min=1,dive,required,max=64,eventname"`
	AnyTime    []string    `json:"anyTime,omitempty" validate:"dive,required"`
	Phases     []PhaseMeta `json:"phases,omitempty" validate:"dive"`
}

// PhaseMeta declares one flow phase of a scripted game.
type PhaseMeta struct {
	ID         string   `json:"id" validate:"required,max=64"`
	Auto       bool     `json:"auto,omitempty"`
	AnyPlayer  bool     `json:"anyPlayer,omitempty"`
	CompleteOn []string `json:"completeOn,omitempty"`
	Until      string   `json:"until,omitempty" validate:"max=1024"`
	TimeoutMs  int64    `json:"timeoutMs,omitempty" validate:"gte=0"`
}

type validation struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason" validate:"max=64"`
	Message string `json:"message" validate:"max=500"`
}

type eventOutput struct {
	Type    string         `json:"type"`
	Payload domain.Payload `json:"payload"`
	SFXKey  string         `json:"sfxKey"`
}

type gameOverOutput struct {
	Winner string `json:"winner" validate:"max=64"`
	Draw   bool   `json:"draw"`
}

// Load compiles src and builds a runnable game with id gameID. Scripts that
// declare phases get the flow system; every scripted game gets prompts.
func Load(gameID string, src []byte, limits Limits, opts ...LoadOption) (*game.Game[State], *Program, error) {
	o := loadOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	prog, err := Compile(gameID, src, limits, o.logger)
	if err != nil {
		return nil, nil, err
	}
	meta, err := prog.Meta(context.Background())
	if err != nil {
		return nil, nil, err
	}

	systems := []engine.System[State]{prompt.New[State]()}
	if len(meta.Phases) > 0 {
		cfg := flow.Config[State]{AnyTime: meta.AnyTime}
		for _, ph := range meta.Phases {
			cfg.Phases = append(cfg.Phases, flow.Phase[State]{
				ID:         ph.ID,
				Auto:       ph.Auto,
				AnyPlayer:  ph.AnyPlayer,
				CompleteOn: ph.CompleteOn,
				Until:      ph.Until,
				TimeoutMs:  ph.TimeoutMs,
			})
		}
		turns, err := flow.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		systems = append(systems, turns)
	}

	g, err := game.New(game.Definition[State]{
		ID:           gameID,
		Name:         meta.Name,
		MinPlayers:   meta.MinPlayers,
		MaxPlayers:   meta.MaxPlayers,
		CommandTypes: meta.Commands,
		Core:         prog.Core(),
		Systems:      systems,
	})
	if err != nil {
		return nil, nil, err
	}
	return g, prog, nil
}

// Meta runs the meta op and checks the declaration.
func (p *Program) Meta(ctx context.Context) (Meta, error) {
	out, err := p.Run(ctx, OpMeta, nil, nil)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := p.output(OpMeta, out, &meta); err != nil {
		return Meta{}, err
	}
	if meta.Name == "" {
		meta.Name = p.game
	}
	return meta, nil
}

// Core adapts the program to the domain contract. Errors surface to the
// processor, which reports them as domain faults.
func (p *Program) Core() domain.Core[State] {
	ctx := context.Background()
	return domain.Core[State]{
		Setup: func(players []domain.PlayerID, rng random.Source) (State, error) {
			out, err := p.Run(ctx, OpSetup, map[string]any{"players": players}, rng)
			if err != nil {
				return nil, err
			}
			return p.state(OpSetup, out)
		},
		Validate: func(s State, cmd domain.Command) domain.ValidationResult {
			out, err := p.Run(ctx, OpValidate, map[string]any{"state": s, "command": cmd}, nil)
			if err != nil {
				return domain.ValidationResult{Reason: domain.ReasonDomainFault, Message: err.Error()}
			}
			return p.validation(out)
		},
		Execute: func(s State, cmd domain.Command, rng random.Source) ([]domain.Event, error) {
			out, err := p.Run(ctx, OpExecute, map[string]any{"state": s, "command": cmd}, rng)
			if err != nil {
				return nil, err
			}
			return p.events(out)
		},
		Reduce: func(s State, evt domain.Event) (State, error) {
			out, err := p.Run(ctx, OpReduce, map[string]any{"state": s, "event": evt}, nil)
			if err != nil {
				return nil, err
			}
			return p.state(OpReduce, out)
		},
		// The engine recovers these panics into a DomainFault.
		PlayerView: func(s State, viewer domain.PlayerID) State {
			out, err := p.Run(ctx, OpView, map[string]any{"state": s, "viewer": viewer}, nil)
			if err != nil {
				panic(err)
			}
			if out == nil {
				return s
			}
			view, err := p.state(OpView, out)
			if err != nil {
				panic(err)
			}
			return view
		},
		IsGameOver: func(s State) *domain.GameOverResult {
			out, err := p.Run(ctx, OpGameOver, map[string]any{"state": s}, nil)
			if err != nil {
				panic(err)
			}
			if out == nil || out == false {
				return nil
			}
			var over gameOverOutput
			if err := p.output(OpGameOver, out, &over); err != nil {
				panic(err)
			}
			return &domain.GameOverResult{Winner: domain.PlayerID(over.Winner), Draw: over.Draw}
		},
		Clone: func(s State) State {
			out, err := toScript(map[string]any(s))
			if err != nil {
				return nil
			}
			m, _ := out.(map[string]any)
			return State(m)
		},
	}
}

func (p *Program) output(op string, out any, target any) error {
	if err := decode(out, target); err != nil {
		return NewScriptError(ErrorTypeInvalidOutput, p.game, op, "result has the wrong shape", err)
	}
	if err := domain.Validator().Struct(target); err != nil {
		return NewScriptError(ErrorTypeInvalidOutput, p.game, op, "result failed validation", err)
	}
	return nil
}

func (p *Program) state(op string, out any) (State, error) {
	m, ok := out.(map[string]any)
	if !ok {
		return nil, NewScriptError(ErrorTypeInvalidOutput, p.game, op, fmt.Sprintf("result must be a map, got %T", out), nil)
	}
	if err := domain.Payload(m).CheckEncodable(); err != nil {
		return nil, NewScriptError(ErrorTypeInvalidOutput, p.game, op, "state is not encodable", err)
	}
	return State(m), nil
}

func (p *Program) validation(out any) domain.ValidationResult {
	switch t := out.(type) {
	case bool:
		if t {
			return domain.Valid()
		}
		return domain.Invalid(domain.ReasonInvalidCommand, "rejected by rules")
	case nil:
		return domain.Invalid(domain.ReasonInvalidCommand, "rules gave no verdict")
	}
	var v validation
	if err := p.output(OpValidate, out, &v); err != nil {
		return domain.ValidationResult{Reason: domain.ReasonDomainFault, Message: err.Error()}
	}
	if v.Valid {
		return domain.Valid()
	}
	return domain.Invalid(domain.Reason(v.Reason), v.Message)
}

func (p *Program) events(out any) ([]domain.Event, error) {
	if out == nil {
		return nil, nil
	}
	var raw []eventOutput
	if err := decode(out, &raw); err != nil {
		return nil, NewScriptError(ErrorTypeInvalidOutput, p.game, OpExecute, "result must be a list of events", err)
	}
	events := make([]domain.Event, 0, len(raw))
	for i, r := range raw {
		evt := domain.Event{Type: r.Type, Payload: r.Payload, SFXKey: r.SFXKey}
		if err := domain.CheckEvent(evt); err != nil {
			return nil, NewScriptError(ErrorTypeInvalidOutput, p.game, OpExecute, fmt.Sprintf("event %d", i), err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// CommandTypes lists the commands a script declares, for tooling.
func (m Meta) CommandTypes() []string { return slices.Clone(m.Commands) }
