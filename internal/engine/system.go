package engine

import (
	"slices"
	"sort"

	"github.com/nfrund/tabletop/internal/domain"
)

// Built-in system priorities. Lower runs first for every hook kind.
const (
	PriorityPrompt  = 10
	PriorityFlow    = 20
	PriorityDefault = 100
)

// EventGameOver is appended when the match ends.
const EventGameOver = "SYS_GAME_OVER"

// System is a cross-cutting plugin layered over a domain core. A system
// implements any subset of the hook interfaces below.
type System[S any] interface {
	ID() string
	Priority() int
}

// CommandOwner is implemented by systems that reserve command types. Reserved
// commands skip domain validation; the owning system validates them.
type CommandOwner interface {
	Commands() []string
}

// Initializer prepares a system's slice at setup and on reset.
type Initializer interface {
	Init(sys *SystemsState, players []domain.PlayerID) error
}

// PreValidator runs before domain validation. Returning a rejection vetoes
// the command.
type PreValidator[S any] interface {
	BeforeCommand(ctx *Context[S]) *domain.Rejection
}

// PostExecutor sees the events produced by domain execute and may rewrite
// the list.
type PostExecutor[S any] interface {
	AfterExecute(ctx *Context[S], events []domain.Event) ([]domain.Event, error)
}

// PostReducer runs after every event has been folded into the core.
type PostReducer[S any] interface {
	AfterEvent(ctx *Context[S], evt domain.Event) error
}

// Redactor strips a system's slice for a viewer.
type Redactor interface {
	Redact(sys *SystemsState, viewer domain.PlayerID)
}

// EventRedactor strips system events for a viewer.
type EventRedactor interface {
	RedactEvent(evt domain.Event, viewer domain.PlayerID) domain.Event
}

// Scheduler reports deadlines the caller should enforce by synthesizing a
// command from domain.SystemActor once the deadline passes.
type Scheduler interface {
	Deadlines(sys *SystemsState) []Deadline
}

// Deadline is a caller-enforced timeout.
type Deadline struct {
	At       int64          `json:"at"`
	SystemID string         `json:"systemId"`
	Command  domain.Command `json:"command"`
}

// Context is handed to hooks. Core is read-only; Sys is the working copy of
// the systems state for the command being applied.
type Context[S any] struct {
	Core    S
	Sys     *SystemsState
	Command domain.Command
	// Owner is the id of the system reserving Command.Type, empty for domain
	// commands.
	Owner string
	// EventID is the id assigned to the event being post-processed.
	EventID int64

	emitted []domain.Event
}

// Emit queues a synthetic event. Emitted events are reduced and
// post-processed after the events already queued.
func (c *Context[S]) Emit(evt domain.Event) {
	c.emitted = append(c.emitted, evt)
}

func (c *Context[S]) drain() []domain.Event {
	out := c.emitted
	c.emitted = nil
	return out
}

// Pipeline is the ordered list of systems for one game.
type Pipeline[S any] struct {
	systems []System[S]
	owners  map[string]string
}

// NewPipeline orders systems by priority, keeping declaration order for ties.
func NewPipeline[S any](systems ...System[S]) (*Pipeline[S], error) {
	for _, s := range systems {
		if s == nil {
			return nil, domain.NewConfigError("pipeline", "nil system")
		}
	}
	ordered := slices.Clone(systems)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	p := &Pipeline[S]{systems: ordered, owners: make(map[string]string)}
	seen := make(map[string]bool)
	for _, s := range ordered {
		id := s.ID()
		if id == "" {
			return nil, domain.NewConfigError("pipeline", "system with empty id")
		}
		if seen[id] {
			return nil, domain.NewConfigError("pipeline", "duplicate system %q", id)
		}
		seen[id] = true

		owner, ok := s.(CommandOwner)
		if !ok {
			continue
		}
		for _, cmd := range owner.Commands() {
			if prev, taken := p.owners[cmd]; taken {
				return nil, domain.NewConfigError("pipeline", "command %q reserved by both %q and %q", cmd, prev, id)
			}
			p.owners[cmd] = id
		}
	}
	return p, nil
}

// Systems returns the systems in execution order.
func (p *Pipeline[S]) Systems() []System[S] {
	return slices.Clone(p.systems)
}

// Owner returns the system reserving cmdType.
func (p *Pipeline[S]) Owner(cmdType string) (string, bool) {
	id, ok := p.owners[cmdType]
	return id, ok
}

// Commands returns every reserved command type, sorted.
func (p *Pipeline[S]) Commands() []string {
	out := make([]string, 0, len(p.owners))
	for cmd := range p.owners {
		out = append(out, cmd)
	}
	slices.Sort(out)
	return out
}

// Deadlines collects pending caller-enforced timeouts, earliest first.
func (p *Pipeline[S]) Deadlines(sys *SystemsState) []Deadline {
	var out []Deadline
	for _, s := range p.systems {
		if sch, ok := s.(Scheduler); ok {
			out = append(out, sch.Deadlines(sys)...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out
}
