package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/tabletop/internal/topicmgr"

	// Packages that declare bus topics.
	_ "github.com/nfrund/tabletop/internal/match"
	_ "github.com/nfrund/tabletop/internal/presence"
)

func newTopicsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Explore the bus topics the server publishes on",
		Long: `Topics carry match events and presence updates between the server's
components. Keyed topics hold a {key} segment that is replaced by a match id.

Examples:
  matchctl topics list
  matchctl topics validate match.01J9Z.events`,
	}
	cmd.AddCommand(newTopicsListCmd(opts), newTopicsValidateCmd(opts))
	return cmd
}

func newTopicsListCmd(opts *options) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topics := []topicmgr.Topic{}
			for _, t := range topicmgr.Default().List() {
				if owner == "" || t.Owner == owner {
					topics = append(topics, t)
				}
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, map[string]any{"topics": topics, "count": len(topics)})
			}
			rows := make([][]string, 0, len(topics))
			for _, t := range topics {
				rows = append(rows, []string{t.Name, t.Owner, truncateString(t.Description, 60)})
			}
			return table(out, []string{"NAME", "OWNER", "DESCRIPTION"}, rows)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only list topics of this owner")
	return cmd
}

// TopicCheck is the result of validating one topic name.
type TopicCheck struct {
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
	Topic string `json:"topic,omitempty"`
	Key   string `json:"key,omitempty"`
	Error string `json:"error,omitempty"`
}

func checkTopic(name string) TopicCheck {
	check := TopicCheck{Name: name}
	if _, ok := topicmgr.Default().Get(name); ok {
		check.Valid, check.Topic = true, name
		return check
	}
	if t, key, ok := topicmgr.Default().Resolve(name); ok {
		check.Valid, check.Topic, check.Key = true, t.Name, key
		return check
	}
	if err := topicmgr.ValidateName(name); err != nil {
		check.Error = err.Error()
		return check
	}
	check.Error = "no registered topic matches"
	return check
}

func newTopicsValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <topic-name>...",
		Short: "Check topic names against the registered topics",
		Long: `Validate concrete topic names such as match.m1.events, or patterns such as
match.{key}.events, against the topics the server registers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := make([]TopicCheck, 0, len(args))
			failed := 0
			for _, name := range args {
				c := checkTopic(name)
				if !c.Valid {
					failed++
				}
				checks = append(checks, c)
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				if err := printJSON(out, checks); err != nil {
					return err
				}
			} else {
				for _, c := range checks {
					switch {
					case !c.Valid:
						fmt.Fprintf(out, "❌ %s: %s\n", c.Name, c.Error)
					case c.Key != "":
						fmt.Fprintf(out, "✅ %s: %s (key %s)\n", c.Name, c.Topic, c.Key)
					default:
						fmt.Fprintf(out, "✅ %s: %s\n", c.Name, c.Topic)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d topic names are invalid", failed, len(args))
			}
			return nil
		},
	}
}
