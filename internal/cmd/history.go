package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turncast/turncast/internal/client"
)

var historyCmd = &cobra.Command{
	Use:   "history [conversation]",
	Short: "List conversations or show a finished message",
	Long: `Without arguments, list every conversation the server has persisted.
With a conversation, print its most recent finished message.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	historyCmd.Flags().StringVar(&clientAuth, "token", "", "bearer token")
}

func runHistory(cmd *cobra.Command, args []string) error {
	c := client.New(serverBaseURL(), clientAuth)
	ctx := cmd.Context()

	if len(args) == 1 {
		msg, err := c.Message(ctx, args[0])
		if err != nil {
			return err
		}
		printMessage(msg)
		return nil
	}

	summaries, err := c.ListConversations(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no conversations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tTURNS\tLAST STATUS\tLAST AT")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			s.ConversationID, s.Turns, s.LastStatus, s.LastAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
