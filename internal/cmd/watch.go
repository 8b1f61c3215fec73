package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/turncast/turncast/internal/client"
	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/tui"
)

var (
	watchPlain bool
	watchFile  string
)

var watchCmd = &cobra.Command{
	Use:   "watch [conversation]",
	Short: "Attach to a conversation's live stream",
	Long: `Attach to a conversation: replay the in-flight turn from the beginning,
then follow it live. Detaching (ctrl+c, q) never disturbs the turn; reattach
any time with the same command.

With --file, tail a turn's JSONL event log directly instead of connecting to
a server.

Examples:
  turncast watch my-conv
  turncast watch my-conv --plain          # line-oriented output, no TUI
  turncast watch --file events.jsonl      # follow an event log mirror`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	watchCmd.Flags().StringVar(&clientAuth, "token", "", "bearer token")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "line-oriented output instead of the TUI")
	watchCmd.Flags().StringVar(&watchFile, "file", "", "tail a JSONL event log instead of a server stream")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if watchFile != "" {
		events, err := client.TailFile(ctx, watchFile)
		if err != nil {
			return err
		}
		frames := make(chan client.Frame, 64)
		go func() {
			defer close(frames)
			for ev := range events {
				frames <- client.Frame{Event: &ev}
			}
		}()
		return watchFrames(ctx, watchFile, frames)
	}

	if len(args) == 0 {
		return fmt.Errorf("conversation required unless --file is set")
	}
	conversationID := args[0]
	c := client.New(serverBaseURL(), clientAuth)

	frames, err := c.Watch(ctx, conversationID)
	if err != nil {
		if errors.Is(err, client.ErrNoSession) {
			// No live session; fall back to the persisted message.
			msg, mErr := c.Message(ctx, conversationID)
			if mErr != nil {
				return fmt.Errorf("no session and no finished message for %s", conversationID)
			}
			printMessage(msg)
			return nil
		}
		return err
	}
	return watchFrames(ctx, conversationID, frames)
}

func watchFrames(ctx context.Context, label string, frames <-chan client.Frame) error {
	if watchPlain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return printFrames(frames)
	}
	return tui.RunWatch(ctx, label, frames)
}

// printFrames renders a frame stream as plain lines, one per event of
// interest. Text deltas stream straight through.
func printFrames(frames <-chan client.Frame) error {
	var inText bool
	for frame := range frames {
		if frame.Final != nil {
			printMessage(frame.Final)
			return nil
		}
		ev := frame.Event
		switch ev.Type {
		case protocol.EventTurnStart:
			fmt.Println("--- turn started ---")
		case protocol.EventBlockStart:
			if inText {
				fmt.Println()
				inText = false
			}
			if ev.Kind == protocol.KindToolUse {
				fmt.Printf("[tool %s started]\n", ev.Name)
			}
		case protocol.EventBlockDelta:
			fmt.Print(ev.Text)
			inText = true
		case protocol.EventBlockStop:
			if inText {
				fmt.Println()
				inText = false
			}
		case protocol.EventToolResult:
			if ev.IsError {
				fmt.Printf("[tool %s failed]\n", ev.ToolID)
			} else {
				fmt.Printf("[tool %s done]\n", ev.ToolID)
			}
		case protocol.EventTurnStop:
			if inText {
				fmt.Println()
			}
			fmt.Printf("--- turn %s ---\n", ev.Status)
			if ev.Reason != "" {
				fmt.Println(ev.Reason)
			}
			if ev.Usage != nil {
				printUsage(*ev.Usage)
			}
			return nil
		}
	}
	return fmt.Errorf("stream ended before the turn completed")
}

func printMessage(msg *protocol.Message) {
	for _, block := range msg.Blocks {
		switch block.Kind {
		case protocol.KindText:
			fmt.Println(block.Text)
		case protocol.KindToolUse:
			fmt.Printf("[tool %s]\n", block.Name)
		}
	}
	fmt.Printf("--- turn %s ---\n", msg.Status)
	printUsage(msg.Usage)
}

// printUsage formats token counts with locale-aware grouping.
func printUsage(u protocol.Usage) {
	p := message.NewPrinter(language.English)
	p.Printf("tokens: %d in, %d out", u.InputTokens, u.OutputTokens)
	if u.CacheReadTokens > 0 {
		p.Printf(" (%d cache reads)", u.CacheReadTokens)
	}
	if u.CostUSD > 0 {
		p.Printf(", $%.4f", u.CostUSD)
	}
	fmt.Println()
}
