// Package dicecombat is the built-in reference game: heroes roll dice, attack
// the next living opponent and play cards from a concealed hand. It exercises
// every kernel feature: seeded dice, phases with a CEL completion condition,
// response windows, prompts and hidden information.
package dicecombat

import (
	"fmt"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/systems/flow"
	"github.com/nfrund/tabletop/internal/systems/prompt"
)

// ID is the catalog id of the game.
const ID = "dicecombat"

// Config tunes a dice combat table.
type Config struct {
	StartingHP      int
	StartingCP      int
	MaxCP           int
	HandSize        int
	DiceCount       int
	RollLimit       int
	MainTimeoutMs   int64
	PromptTimeoutMs int64
	// Deck lists the card templates every hero's deck is built from.
	Deck []CardSpec
}

// CardSpec is a card template and the number of copies in a deck.
type CardSpec struct {
	Kind   string
	Cost   int
	Value  int
	Copies int
}

// Option customizes Config.
type Option func(*Config)

// WithDeck replaces the starter deck.
func WithDeck(deck ...CardSpec) Option {
	return func(c *Config) { c.Deck = deck }
}

// WithHP sets the starting hit points.
func WithHP(hp int) Option {
	return func(c *Config) { c.StartingHP = hp }
}

// WithTimeouts arms the main phase and hex prompt deadlines.
func WithTimeouts(mainMs, promptMs int64) Option {
	return func(c *Config) {
		c.MainTimeoutMs = mainMs
		c.PromptTimeoutMs = promptMs
	}
}

// DefaultConfig is the standard table.
func DefaultConfig() Config {
	return Config{
		StartingHP: 30,
		StartingCP: 2,
		MaxCP:      6,
		HandSize:   4,
		DiceCount:  5,
		RollLimit:  3,
		Deck: []CardSpec{
			{Kind: KindStrike, Cost: 2, Value: 3, Copies: 3},
			{Kind: KindHeal, Cost: 2, Value: 4, Copies: 3},
			{Kind: KindDraw, Cost: 1, Value: 2, Copies: 2},
			{Kind: KindHex, Cost: 1, Copies: 3},
			{Kind: KindBlock, Cost: 1, Value: 3, Copies: 4},
		},
	}
}

func (c Config) validate() error {
	cfg := &domain.ConfigError{Component: ID}
	if c.StartingHP < 1 {
		cfg.Problems = append(cfg.Problems, "starting hp must be positive")
	}
	if c.DiceCount < 1 || c.RollLimit < 1 {
		cfg.Problems = append(cfg.Problems, "dice count and roll limit must be positive")
	}
	if c.MaxCP < c.StartingCP {
		cfg.Problems = append(cfg.Problems, "max cp is below starting cp")
	}
	for _, spec := range c.Deck {
		switch spec.Kind {
		case KindStrike, KindHeal, KindDraw, KindHex, KindBlock:
		default:
			cfg.Problems = append(cfg.Problems, fmt.Sprintf("unknown card kind %q", spec.Kind))
		}
	}
	if len(cfg.Problems) > 0 {
		return cfg
	}
	return nil
}

// deck expands the card templates in declaration order.
func (c Config) deck() []Card {
	var out []Card
	for _, spec := range c.Deck {
		for n := 1; n <= spec.Copies; n++ {
			out = append(out, Card{
				ID:    fmt.Sprintf("%s-%d", spec.Kind, n),
				Kind:  spec.Kind,
				Cost:  spec.Cost,
				Value: spec.Value,
			})
		}
	}
	return out
}

// New builds the game with DefaultConfig adjusted by opts.
func New(opts ...Option) (*game.Game[State], error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	turns, err := flow.New(flow.Config[State]{
		Phases: []flow.Phase[State]{
			{ID: PhaseRoll, Until: `event.type == "DICE_ROLLED" && event.payload.rollsLeft <= 0`},
			{ID: PhaseMain, TimeoutMs: cfg.MainTimeoutMs},
			{ID: PhaseCleanup, Auto: true},
		},
		NextPlayer: func(s State, _ *engine.SystemsState) domain.PlayerID {
			next, _ := s.opponent(s.Active)
			return next
		},
	})
	if err != nil {
		return nil, err
	}

	return game.New(game.Definition[State]{
		ID:           ID,
		Name:         "Dice Combat",
		MinPlayers:   2,
		MaxPlayers:   4,
		CommandTypes: []string{CommandRollDice, CommandAttack, CommandPlayCard},
		Core:         domain.FromRules[State](rules{cfg: cfg}),
		Systems:      []engine.System[State]{prompt.New[State](), turns},
	})
}
