package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
)

// Script is a match to run offline.
type Script struct {
	Game     string           `json:"game" validate:"required,max=64"`
	Seed     string           `json:"seed" validate:"max=256"`
	Players  []string         `json:"players" validate:"required,min=1,max=16"`
	Commands []domain.Command `json:"commands" validate:"dive"`
}

// Step is the result of one scripted command.
type Step struct {
	Index     int                       `json:"index"`
	Command   domain.Command            `json:"command"`
	Events    []engine.EventStreamEntry `json:"events,omitempty"`
	Rejection *domain.Rejection         `json:"rejection,omitempty"`
	GameOver  *domain.GameOverResult    `json:"gameOver,omitempty"`
}

// Simulation is the full result of running a Script.
type Simulation struct {
	Game        string                 `json:"game"`
	Steps       []Step                 `json:"steps"`
	LastEventID int64                  `json:"lastEventId"`
	GameOver    *domain.GameOverResult `json:"gameOver,omitempty"`
	Verified    bool                   `json:"verified"`
}

func loadScript(fs afero.Fs, path string) (Script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Script{}, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Script{}, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	if err := domain.Validator().Struct(s); err != nil {
		return Script{}, fmt.Errorf("invalid script %s: %w", path, err)
	}
	if s.Seed == "" {
		s.Seed = s.Game
	}
	return s, nil
}

// simulate runs every command of s in order. Commands without a timestamp
// get one past the previous command so runs are reproducible.
func simulate(sess game.Session, s Script, viewer domain.PlayerID, stopOnReject bool) (Simulation, error) {
	sim := Simulation{Game: s.Game, Steps: make([]Step, 0, len(s.Commands))}
	var last int64
	for i, cmd := range s.Commands {
		if cmd.Timestamp <= last {
			cmd.Timestamp = last + 1
		}
		last = cmd.Timestamp

		out := sess.Apply(cmd)
		events := out.Events
		if viewer != "" && len(events) > 0 {
			redacted, err := sess.Redact(events, viewer)
			if err != nil {
				return sim, err
			}
			events = redacted
		}
		sim.Steps = append(sim.Steps, Step{
			Index:     i + 1,
			Command:   cmd,
			Events:    events,
			Rejection: out.Rejection,
			GameOver:  out.GameOver,
		})
		if out.GameOver != nil {
			sim.GameOver = out.GameOver
			break
		}
		if out.Rejection != nil && stopOnReject {
			break
		}
	}
	sim.LastEventID = sess.LastEventID()
	if err := sess.Verify(); err != nil {
		return sim, fmt.Errorf("replay diverged: %w", err)
	}
	sim.Verified = true
	return sim, nil
}

func newSimulateCmd(opts *options) *cobra.Command {
	var (
		viewer       string
		snapshotPath string
		stopOnReject bool
	)
	cmd := &cobra.Command{
		Use:   "simulate <script.json>",
		Short: "Run a scripted sequence of commands against a fresh match",
		Long: `Open a match offline, apply every command of a JSON script in order and
print what each command produced. The finished match is replayed from its
event stream to check it is deterministic.

Script format:
  {
    "game": "dicecombat",
    "seed": "table-1",
    "players": ["ann", "bob"],
    "commands": [{"type": "rollDice", "playerId": "ann"}]
  }

Examples:
  matchctl simulate opening.json
  matchctl simulate opening.json --viewer bob --snapshot opening.snapshot.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := loadScript(opts.fs, args[0])
			if err != nil {
				return err
			}
			catalog, err := opts.catalog(cmd)
			if err != nil {
				return err
			}
			sess, err := catalog.Open(script.Game, script.Seed, script.Players)
			if err != nil {
				return err
			}
			sim, err := simulate(sess, script, domain.PlayerID(viewer), stopOnReject)
			if err != nil {
				return err
			}
			if snapshotPath != "" {
				data, err := sess.Snapshot()
				if err != nil {
					return err
				}
				if err := afero.WriteFile(opts.fs, snapshotPath, data, 0o644); err != nil {
					return fmt.Errorf("failed to write snapshot: %w", err)
				}
			}
			return printSimulation(cmd, opts, sim)
		},
	}
	cmd.Flags().StringVar(&viewer, "viewer", "", "show events as this player sees them")
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "write the final match snapshot to this file")
	cmd.Flags().BoolVar(&stopOnReject, "stop-on-reject", false, "stop at the first rejected command")
	return cmd
}

func printSimulation(cmd *cobra.Command, opts *options, sim Simulation) error {
	out := cmd.OutOrStdout()
	if opts.output == "json" {
		return printJSON(out, sim)
	}
	rows := make([][]string, 0, len(sim.Steps))
	for _, step := range sim.Steps {
		result := "ok"
		if step.Rejection != nil {
			result = string(step.Rejection.Reason)
		}
		types := make([]string, 0, len(step.Events))
		for _, e := range step.Events {
			types = append(types, e.Event.Type)
		}
		rows = append(rows, []string{
			strconv.Itoa(step.Index),
			step.Command.Type,
			orDash(string(step.Command.PlayerID)),
			result,
			orDash(truncateString(strings.Join(types, ","), 60)),
		})
	}
	if err := table(out, []string{"STEP", "COMMAND", "PLAYER", "RESULT", "EVENTS"}, rows); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nlast event id: %d\n", sim.LastEventID)
	if sim.GameOver != nil {
		if sim.GameOver.Draw {
			fmt.Fprintln(out, "game over: draw")
		} else {
			fmt.Fprintf(out, "game over: %s wins\n", sim.GameOver.Winner)
		}
	}
	return nil
}
