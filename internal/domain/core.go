package domain

import (
	"github.com/nfrund/tabletop/internal/random"
)

// ValidationResult is the outcome of a domain or system validity check.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Valid is the passing ValidationResult.
func Valid() ValidationResult { return ValidationResult{Valid: true} }

// Invalid builds a failing ValidationResult.
func Invalid(reason Reason, message string) ValidationResult {
	return ValidationResult{Reason: reason, Message: message}
}

// Rejection converts a failing result. It returns nil for a valid result.
func (v ValidationResult) Rejection() *Rejection {
	if v.Valid {
		return nil
	}
	reason := v.Reason
	if reason == "" {
		reason = ReasonInvalidCommand
	}
	return &Rejection{Reason: reason, Message: v.Message}
}

// GameOverResult describes how a match ended.
type GameOverResult struct {
	Winner PlayerID `json:"winner,omitempty"`
	Draw   bool     `json:"draw,omitempty"`
}

// Core is the rules contract a game supplies. Setup, Validate, Execute and
// Reduce are required; the rest are optional.
//
// All functions must be deterministic. Execute may draw from the random source;
// Reduce may not and must not mutate its input.
type Core[S any] struct {
	Setup      func(players []PlayerID, rng random.Source) (S, error)
	Validate   func(state S, cmd Command) ValidationResult
	Execute    func(state S, cmd Command, rng random.Source) ([]Event, error)
	Reduce     func(state S, evt Event) (S, error)
	PlayerView func(state S, viewer PlayerID) S
	IsGameOver func(state S) *GameOverResult
	// EventView redacts a single stream event for viewer.
	EventView func(evt Event, viewer PlayerID) Event
	// Clone deep-copies state. When nil the processor copies through JSON.
	Clone func(state S) S
}

// Check reports the required functions that are missing.
func (c Core[S]) Check(component string) error {
	var missing []string
	if c.Setup == nil {
		missing = append(missing, "setup is required")
	}
	if c.Validate == nil {
		missing = append(missing, "validate is required")
	}
	if c.Execute == nil {
		missing = append(missing, "execute is required")
	}
	if c.Reduce == nil {
		missing = append(missing, "reduce is required")
	}
	if len(missing) > 0 {
		return &ConfigError{Component: component, Problems: missing}
	}
	return nil
}

// Rules is the interface form of Core for games written as a type.
type Rules[S any] interface {
	Setup(players []PlayerID, rng random.Source) (S, error)
	Validate(state S, cmd Command) ValidationResult
	Execute(state S, cmd Command, rng random.Source) ([]Event, error)
	Reduce(state S, evt Event) (S, error)
}

// Viewer is implemented by Rules that redact state per player.
type Viewer[S any] interface {
	PlayerView(state S, viewer PlayerID) S
}

// Finisher is implemented by Rules that can end a match.
type Finisher[S any] interface {
	IsGameOver(state S) *GameOverResult
}

// EventRedactor is implemented by Rules whose events carry concealed data.
type EventRedactor interface {
	EventView(evt Event, viewer PlayerID) Event
}

// Cloner is implemented by Rules that know how to deep-copy their state.
type Cloner[S any] interface {
	Clone(state S) S
}

// FromRules builds a Core from a Rules value, picking up the optional
// interfaces it implements.
func FromRules[S any](r Rules[S]) Core[S] {
	c := Core[S]{
		Setup:    r.Setup,
		Validate: r.Validate,
		Execute:  r.Execute,
		Reduce:   r.Reduce,
	}
	if v, ok := r.(Viewer[S]); ok {
		c.PlayerView = v.PlayerView
	}
	if f, ok := r.(Finisher[S]); ok {
		c.IsGameOver = f.IsGameOver
	}
	if e, ok := r.(EventRedactor); ok {
		c.EventView = e.EventView
	}
	if cl, ok := r.(Cloner[S]); ok {
		c.Clone = cl.Clone
	}
	return c
}
