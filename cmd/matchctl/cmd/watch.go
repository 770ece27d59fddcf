package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nfrund/tabletop/internal/server"
)

type watchOptions struct {
	server  string
	player  string
	count   int
	send    []string
	timeout time.Duration
}

// streamURL turns the server base URL into the websocket URL of a match.
func streamURL(base, matchID, player string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/matches/" + url.PathEscape(matchID) + "/ws"
	if player != "" {
		u.RawQuery = url.Values{"player": {player}}.Encode()
	}
	return u.String(), nil
}

func newWatchCmd(opts *options) *cobra.Command {
	w := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <match-id>",
		Short: "Stream a live match from matchd",
		Long: `Open the websocket stream of a running match and print every frame. The first
frame catches up on everything already played. With --player the stream is
redacted for that player and --send submits commands as them.

Examples:
  matchctl watch 5d0c... --server http://localhost:8080
  matchctl watch 5d0c... --player ann --send '{"type":"rollDice"}' --count 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if w.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, w.timeout)
				defer cancel()
			}
			return watch(ctx, cmd.OutOrStdout(), opts, w, args[0])
		},
	}
	cmd.Flags().StringVar(&w.server, "server", "http://localhost:8080", "matchd base url")
	cmd.Flags().StringVar(&w.player, "player", "", "watch as this player (empty for spectator)")
	cmd.Flags().IntVar(&w.count, "count", 0, "stop after this many frames (0 streams until interrupted)")
	cmd.Flags().StringArrayVar(&w.send, "send", nil, "JSON command to submit after catching up (repeatable)")
	cmd.Flags().DurationVar(&w.timeout, "timeout", 0, "give up after this long")
	return cmd
}

func watch(ctx context.Context, out io.Writer, opts *options, w *watchOptions, matchID string) error {
	commands := make([]server.StreamCommand, 0, len(w.send))
	for _, raw := range w.send {
		var c server.StreamCommand
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return fmt.Errorf("invalid --send command %q: %w", raw, err)
		}
		commands = append(commands, c)
	}
	if len(commands) > 0 && w.player == "" {
		return fmt.Errorf("--send needs --player")
	}

	wsURL, err := streamURL(w.server, matchID, w.player)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4 << 20)

	for seen := 0; w.count == 0 || seen < w.count; seen++ {
		var msg server.StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		if err := printFrame(out, opts, msg); err != nil {
			return err
		}
		// Commands go out once the catch-up frame has arrived.
		if seen == 0 {
			for _, c := range commands {
				if err := wsjson.Write(ctx, conn, c); err != nil {
					return fmt.Errorf("failed to send %s: %w", c.Type, err)
				}
			}
		}
	}
	return nil
}

func printFrame(out io.Writer, opts *options, msg server.StreamMessage) error {
	if opts.output == "json" {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	switch msg.Kind {
	case server.StreamRejection:
		if msg.Rejection == nil {
			_, err := fmt.Fprintln(out, "[rejection]")
			return err
		}
		_, err := fmt.Fprintf(out, "[rejection] %s: %s\n", msg.Rejection.Reason, msg.Rejection.Message)
		return err
	case server.StreamError:
		_, err := fmt.Fprintf(out, "[error] %s\n", msg.Message)
		return err
	}
	types := make([]string, 0, len(msg.Entries))
	for _, e := range msg.Entries {
		types = append(types, fmt.Sprintf("#%d %s", e.ID, e.Event.Type))
	}
	_, err := fmt.Fprintf(out, "[%s] epoch=%d from=%d %s\n", msg.Kind, msg.Epoch, msg.FromID, strings.Join(types, " "))
	return err
}
