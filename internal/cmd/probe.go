package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turncast/turncast/internal/client"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe <conversation>",
	Short: "Ask whether a conversation has a live session",
	Long: `Probe a conversation before deciding how to resume: a live session means
attach (replay plus live); a completed one means fetch the finished message;
neither means there is nothing to resume.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	probeCmd.Flags().StringVar(&clientAuth, "token", "", "bearer token")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "output as JSON")
}

func runProbe(cmd *cobra.Command, args []string) error {
	c := client.New(serverBaseURL(), clientAuth)
	res, err := c.Probe(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if probeJSON {
		return json.NewEncoder(os.Stdout).Encode(res)
	}

	switch {
	case res.Active:
		fmt.Printf("active: %d events so far", res.SeqCount)
		if !res.LastEventAt.IsZero() {
			fmt.Printf(", last at %s", res.LastEventAt.Format("15:04:05"))
		}
		fmt.Println()
	case res.Completed:
		fmt.Println("completed: finished message available")
	default:
		fmt.Println("no session")
	}
	return nil
}
