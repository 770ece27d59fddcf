// Package game turns a domain core into a runnable game: it validates the
// definition, normalizes player ids, enforces player-count bounds and the
// declared command set, and exposes type-erased modules and sessions so hosts
// can run any registered game by id.
package game

import (
	"regexp"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Definition describes a game to New.
type Definition[S any] struct {
	ID           string
	Name         string
	MinPlayers   int
	MaxPlayers   int
	CommandTypes []string
	Core         domain.Core[S]
	Systems      []engine.System[S]
	// MaxCascade overrides engine.DefaultMaxCascade when positive.
	MaxCascade int
}

// Game is a validated, runnable game.
type Game[S any] struct {
	def       Definition[S]
	processor *engine.Processor[S]
	domainCmd map[string]bool
	allCmd    []string
}

// New validates def. Missing core functions, bad player bounds, an empty
// command list and command types colliding with system commands are all
// reported as *domain.ConfigError.
func New[S any](def Definition[S]) (*Game[S], error) {
	cfg := &domain.ConfigError{Component: "game " + def.ID}
	if !idPattern.MatchString(def.ID) {
		cfg.Problems = append(cfg.Problems, "id must be lowercase letters, digits, '-' or '_'")
	}
	if def.MinPlayers < 1 {
		cfg.Problems = append(cfg.Problems, "minPlayers must be at least 1")
	}
	if def.MaxPlayers < def.MinPlayers {
		cfg.Problems = append(cfg.Problems, "maxPlayers must not be below minPlayers")
	}
	if len(def.CommandTypes) == 0 {
		cfg.Problems = append(cfg.Problems, "at least one command type is required")
	}
	if err := def.Core.Check(cfg.Component); err != nil {
		if ce, ok := err.(*domain.ConfigError); ok {
			cfg.Problems = append(cfg.Problems, ce.Problems...)
		}
	}
	if len(cfg.Problems) > 0 {
		return nil, cfg
	}

	var opts []engine.Option
	if def.MaxCascade > 0 {
		opts = append(opts, engine.WithMaxCascade(def.MaxCascade))
	}
	processor, err := engine.NewProcessor(def.ID, def.Core, def.Systems, opts...)
	if err != nil {
		return nil, err
	}

	g := &Game[S]{def: def, processor: processor, domainCmd: make(map[string]bool)}
	for _, c := range def.CommandTypes {
		if owner, reserved := processor.Pipeline().Owner(c); reserved {
			return nil, domain.NewConfigError(cfg.Component, "command %q is reserved by system %q", c, owner)
		}
		if r := domain.CheckCommand(domain.Command{Type: c}); r != nil {
			return nil, domain.NewConfigError(cfg.Component, "command %q: %s", c, r.Message)
		}
		g.domainCmd[c] = true
	}
	g.allCmd = append(slices.Clone(def.CommandTypes), processor.Pipeline().Commands()...)
	slices.Sort(g.allCmd)
	g.allCmd = slices.Compact(g.allCmd)
	return g, nil
}

// MustNew is New for package-level game definitions.
func MustNew[S any](def Definition[S]) *Game[S] {
	g, err := New(def)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *Game[S]) ID() string { return g.def.ID }

func (g *Game[S]) Name() string {
	if g.def.Name == "" {
		return g.def.ID
	}
	return g.def.Name
}

func (g *Game[S]) MinPlayers() int { return g.def.MinPlayers }
func (g *Game[S]) MaxPlayers() int { return g.def.MaxPlayers }

// CommandTypes lists domain and system command types, sorted.
func (g *Game[S]) CommandTypes() []string { return slices.Clone(g.allCmd) }

// Processor exposes the underlying kernel.
func (g *Game[S]) Processor() *engine.Processor[S] { return g.processor }

// Setup starts a match. It is called once per match and again on reset.
func (g *Game[S]) Setup(seed string, players []string) (*engine.MatchState[S], error) {
	ids, err := NormalizePlayerIDs(players)
	if err != nil {
		return nil, err
	}
	if len(ids) < g.def.MinPlayers || len(ids) > g.def.MaxPlayers {
		return nil, domain.Reject(domain.ReasonInvalidPlayer, "%s needs %d-%d players, got %d",
			g.def.ID, g.def.MinPlayers, g.def.MaxPlayers, len(ids))
	}
	return g.processor.Setup(ids, seed)
}

// Reset re-runs setup for the same players with a new seed and bumps the
// epoch so clients know their event cursor is void.
func (g *Game[S]) Reset(state *engine.MatchState[S], seed string) (*engine.MatchState[S], error) {
	players := make([]string, len(state.Sys.Players))
	for i, p := range state.Sys.Players {
		players[i] = string(p)
	}
	next, err := g.Setup(seed, players)
	if err != nil {
		return nil, err
	}
	next.Sys.Epoch = state.Sys.Epoch + 1
	return next, nil
}

// Apply checks the command against the declared command set and the seated
// players, then runs it through the processor.
func (g *Game[S]) Apply(state *engine.MatchState[S], cmd domain.Command) engine.Result[S] {
	if !g.domainCmd[cmd.Type] {
		if _, reserved := g.processor.Pipeline().Owner(cmd.Type); !reserved {
			return engine.Result[S]{State: state, Rejection: domain.Reject(domain.ReasonUnknownCommand, "%s does not accept %q", g.def.ID, cmd.Type)}
		}
	}
	if cmd.PlayerID != domain.SystemActor {
		id, err := NormalizePlayerID(string(cmd.PlayerID))
		if err != nil {
			return engine.Result[S]{State: state, Rejection: domain.Reject(domain.ReasonInvalidPlayer, "%v", err)}
		}
		cmd.PlayerID = id
	}
	return g.processor.Apply(state, cmd)
}

// View is the redacted projection of state for viewer.
func (g *Game[S]) View(state *engine.MatchState[S], viewer domain.PlayerID) (*engine.MatchState[S], error) {
	return g.processor.View(state, viewer)
}
