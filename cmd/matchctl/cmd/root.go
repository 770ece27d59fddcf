// Package cmd implements the matchctl command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/games/dicecombat"
	"github.com/nfrund/tabletop/internal/logging"
	"github.com/nfrund/tabletop/internal/ugc"
)

// options are shared by every subcommand.
type options struct {
	fs       afero.Fs
	output   string
	rulesDir string
	logLevel string
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), "text", o.logLevel)
}

// catalog returns the builtin games plus every script in the rules directory.
func (o *options) catalog(cmd *cobra.Command) (*game.Catalog, error) {
	catalog := game.NewCatalog()
	dc, err := dicecombat.New()
	if err != nil {
		return nil, err
	}
	if err := catalog.Register(dc, game.SourceBuiltin); err != nil {
		return nil, err
	}
	lib := ugc.NewLibrary(o.fs, o.rulesDir, catalog, ugc.GetDefaultLimits(), o.logger(cmd))
	if _, err := lib.LoadAll(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (o *options) validate() error {
	switch o.output {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", o.output)
	}
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	opts := &options{fs: fs}
	root := &cobra.Command{
		Use:   "matchctl",
		Short: "Tabletop match tooling",
		Long: `matchctl inspects games, runs matches offline and talks to a running matchd.

Available commands:
  games      List the builtin and scripted games
  simulate   Run a scripted sequence of commands against a fresh match
  verify     Replay a match snapshot and check it reproduces its state
  rules      Check rules scripts before uploading them
  watch      Stream a live match from matchd

Use "matchctl [command] --help" for more information about a specific command.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.validate()
		},
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().StringVar(&opts.rulesDir, "rules", "rules", "directory of .tengo rules scripts")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")

	root.AddCommand(
		newVersionCmd(),
		newGamesCmd(opts),
		newSimulateCmd(opts),
		newVerifyCmd(opts),
		newRulesCmd(opts),
		newWatchCmd(opts),
		newTopicsCmd(opts),
	)
	return root
}

// Execute executes the root command.
func Execute() {
	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}
