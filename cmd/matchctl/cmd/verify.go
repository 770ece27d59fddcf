package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/tabletop/internal/game"
)

// VerifyResult reports an offline replay check.
type VerifyResult struct {
	File        string `json:"file"`
	Game        string `json:"game"`
	Players     int    `json:"players"`
	LastEventID int64  `json:"lastEventId"`
	Epoch       int    `json:"epoch"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <snapshot.json>...",
		Short: "Replay match snapshots and check they reproduce their state",
		Long: `Restore each snapshot, replay its event stream from the recorded seed and
compare the result with the stored state. Any divergence means the rules are
not deterministic or the snapshot was altered.

Examples:
  matchctl verify data/snapshots/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := opts.catalog(cmd)
			if err != nil {
				return err
			}
			results := make([]VerifyResult, 0, len(args))
			failed := 0
			for _, path := range args {
				res := VerifyResult{File: path}
				if err := verifyFile(opts.fs, path, catalog, &res); err != nil {
					res.Error = err.Error()
					failed++
				} else {
					res.OK = true
				}
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				if err := printJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.OK {
						fmt.Fprintf(out, "✅ %s: %s, %d players, epoch %d, %d events replayed\n",
							r.File, r.Game, r.Players, r.Epoch, r.LastEventID)
					} else {
						fmt.Fprintf(out, "❌ %s: %s\n", r.File, r.Error)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d snapshots failed verification", failed, len(args))
			}
			return nil
		},
	}
}

func verifyFile(fs afero.Fs, path string, catalog *game.Catalog, res *VerifyResult) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	sess, err := catalog.Restore(data)
	if err != nil {
		return err
	}
	sys := sess.Sys()
	res.Game = sess.GameID()
	res.Players = len(sess.Players())
	res.LastEventID = sess.LastEventID()
	res.Epoch = sys.Epoch
	return sess.Verify()
}
