package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/tabletop/internal/ugc"
)

// RulesReport describes a checked rules script.
type RulesReport struct {
	File  string    `json:"file"`
	Game  string    `json:"game"`
	Meta  *ugc.Meta `json:"meta,omitempty"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

func newRulesCmd(opts *options) *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Work with tengo rules scripts",
	}
	rules.AddCommand(newRulesCheckCmd(opts))
	return rules
}

func newRulesCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file.tengo>...",
		Short: "Compile rules scripts and open a match with each",
		Long: `Compile each script under the server's sandbox limits, read its declaration
and open a match with the minimum number of players. A script that passes
will load when uploaded or dropped into the rules directory.

Examples:
  matchctl rules check rules/solo.tengo`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports := make([]RulesReport, 0, len(args))
			failed := 0
			for _, path := range args {
				r := checkRules(cmd.Context(), opts.fs, path)
				if !r.OK {
					failed++
				}
				reports = append(reports, r)
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if !r.OK {
						fmt.Fprintf(out, "❌ %s: %s\n", r.File, r.Error)
						continue
					}
					fmt.Fprintf(out, "✅ %s is valid\n", r.File)
					fmt.Fprintf(out, "   Game: %s (%s)\n", r.Game, r.Meta.Name)
					fmt.Fprintf(out, "   Players: %d-%d\n", r.Meta.MinPlayers, r.Meta.MaxPlayers)
					fmt.Fprintf(out, "   Commands: %s\n", strings.Join(r.Meta.Commands, ", "))
					if len(r.Meta.Phases) > 0 {
						ids := make([]string, 0, len(r.Meta.Phases))
						for _, ph := range r.Meta.Phases {
							ids = append(ids, ph.ID)
						}
						fmt.Fprintf(out, "   Phases: %s\n", strings.Join(ids, " -> "))
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scripts failed", failed, len(args))
			}
			return nil
		},
	}
}

func checkRules(ctx context.Context, fs afero.Fs, path string) RulesReport {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSuffix(filepath.Base(path), ugc.Extension)
	r := RulesReport{File: path, Game: id}
	fail := func(err error) RulesReport {
		r.Error = err.Error()
		return r
	}
	if filepath.Ext(path) != ugc.Extension {
		return fail(fmt.Errorf("rules scripts must use the %s extension", ugc.Extension))
	}
	src, err := afero.ReadFile(fs, path)
	if err != nil {
		return fail(err)
	}
	g, prog, err := ugc.Load(id, src, ugc.GetDefaultLimits())
	if err != nil {
		return fail(err)
	}
	meta, err := prog.Meta(ctx)
	if err != nil {
		return fail(err)
	}
	r.Meta = &meta

	players := make([]string, meta.MinPlayers)
	for i := range players {
		players[i] = fmt.Sprintf("p%d", i+1)
	}
	sess, err := g.Open("check", players)
	if err != nil {
		return fail(fmt.Errorf("setup failed: %w", err))
	}
	if err := sess.Verify(); err != nil {
		return fail(fmt.Errorf("setup is not deterministic: %w", err))
	}
	r.OK = true
	return r
}
