package main

import (
	"encoding/json"
	"fmt"
	"io"
	"market-chat/client"
	"market-chat/domain"
	"market-chat/projection"
	"market-chat/protocol"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var (
		server        string
		token         string
		conversations []string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect as a user and print every frame received",
		Long: `Keeps a push connection open, reconnecting with backoff. Conversations given
with --conversation are resynchronized from history after every reconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("a token is required: --token or CHAT_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			c := client.New(logger(), client.Config{
				BaseURL: server,
				Token:   token,
				OnState: func(s client.State) {
					fmt.Fprintln(out, color.Yellow.Sprintf("-- %s", s))
				},
			})
			for _, id := range conversations {
				c.Track(domain.ConversationID(id), 0)
			}

			done := make(chan error, 1)
			go func() { done <- c.Run(ctx) }()
			timelines := make(map[string]*projection.Timeline)
			for frame := range c.Frames() {
				if !fresh(timelines, frame) {
					continue
				}
				printFrame(out, frame)
			}
			return <-done
		},
	}
	cmd.Flags().StringVar(&server, "server", envOr("CHAT_SERVER", "http://localhost:8080"), "base URL of the chat service")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "access token, see chatctl token")
	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "conversation id to resync (repeatable)")
	return cmd
}

// fresh folds timeline frames into their conversation and reports whether the
// frame changed what the user would see. Other frames are always fresh.
func fresh(timelines map[string]*projection.Timeline, frame protocol.Frame) bool {
	var ref struct {
		ConversationID string `json:"conversationId"`
	}
	if frame.Type == protocol.TypeError || json.Unmarshal(frame.Data, &ref) != nil || ref.ConversationID == "" {
		return true
	}
	timeline, ok := timelines[ref.ConversationID]
	if !ok {
		timeline = projection.NewTimeline(ref.ConversationID)
		timelines[ref.ConversationID] = timeline
	}
	switch frame.Type {
	case protocol.TypeMessage, protocol.TypeMessageEdited, protocol.TypeMessageDeleted, protocol.TypeRead:
		changed, err := timeline.Apply(frame)
		return err != nil || changed
	default:
		return true
	}
}

func printFrame(w io.Writer, frame protocol.Frame) {
	at := color.Gray.Sprint(time.Now().Format(time.TimeOnly))
	if frame.Type == protocol.TypeMessage {
		var msg protocol.Message
		if err := json.Unmarshal(frame.Data, &msg); err == nil {
			fmt.Fprintf(w, "%s %s #%d %s: %s\n", at, color.Cyan.Sprint(msg.ConversationID), msg.Sequence,
				color.Green.Sprint(msg.SenderID), msg.Content)
			return
		}
	}
	label := frame.Type
	if frame.Type == protocol.TypeError {
		label = color.Red.Sprint(label)
	} else {
		label = color.Magenta.Sprint(label)
	}
	fmt.Fprintf(w, "%s %s %s\n", at, label, string(frame.Data))
}
