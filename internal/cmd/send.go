package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turncast/turncast/internal/client"
)

var sendWait bool

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <prompt>...",
	Short: "Start a new turn for a conversation",
	Long: `Start a new turn: the server spawns the agent subprocess and begins
broadcasting immediately. The turn runs to completion whether or not anyone
watches it.

Examples:
  turncast send my-conv "add tests for the parser"
  turncast send my-conv --wait "fix the flaky test"   # stream until done`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	sendCmd.Flags().StringVar(&clientAuth, "token", "", "bearer token")
	sendCmd.Flags().BoolVarP(&sendWait, "wait", "w", false, "stay attached until the turn completes")
}

func runSend(cmd *cobra.Command, args []string) error {
	conversationID := args[0]
	prompt := strings.Join(args[1:], " ")

	c := client.New(serverBaseURL(), clientAuth)
	ctx := cmd.Context()

	if err := c.SendMessage(ctx, conversationID, prompt); err != nil {
		return err
	}
	if !sendWait {
		fmt.Printf("turn started for %s\n", conversationID)
		return nil
	}

	frames, err := c.Watch(ctx, conversationID)
	if err != nil {
		return err
	}
	return printFrames(frames)
}
