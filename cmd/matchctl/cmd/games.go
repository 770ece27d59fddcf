package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGamesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "games",
		Short: "List the builtin and scripted games",
		Long: `List every game a server started with the same rules directory would offer.

Examples:
  matchctl games
  matchctl games --rules ./rules -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := opts.catalog(cmd)
			if err != nil {
				return err
			}
			games := catalog.List()
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, map[string]any{"games": games, "count": len(games)})
			}
			rows := make([][]string, 0, len(games))
			for _, g := range games {
				rows = append(rows, []string{
					g.ID,
					g.Name,
					fmt.Sprintf("%d-%d", g.MinPlayers, g.MaxPlayers),
					string(g.Source),
					truncateString(strings.Join(g.CommandTypes, ","), 40),
					orDash(g.Quarantined),
				})
			}
			return table(out, []string{"ID", "NAME", "PLAYERS", "SOURCE", "COMMANDS", "QUARANTINED"}, rows)
		},
	}
}
