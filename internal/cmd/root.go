// Package cmd provides the CLI commands for turncast.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turncast/turncast/internal/config"
	"github.com/turncast/turncast/internal/logx"
)

// global flags
var (
	logPath    string
	verbose    bool
	serverURL  string
	clientAuth string
)

// rootCmd is the root command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "turncast",
	Short: "Stream coding-agent turns to any number of observers",
	Long: `turncast runs coding-agent turns server-side and broadcasts each turn as an
ordered event stream. Any number of observers can attach, detach, and
reattach mid-turn without disturbing the running agent.

Commands:
  serve    Run the turncast server
  send     Start a new turn for a conversation
  watch    Attach to a conversation's live stream
  probe    Ask whether a conversation has a live session
  history  List conversations or show a finished message

Examples:
  turncast serve                        # Run the server
  turncast send my-conv "fix the bug"   # Start a turn
  turncast watch my-conv                # Attach, replay, and follow live`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logPath != "" {
			if err := logx.Init(logPath, verbose); err != nil {
				return fmt.Errorf("init log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logx.Log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "write debug log to file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// serverBaseURL resolves the server URL from the --server flag or the
// configuration file.
func serverBaseURL() string {
	if serverURL != "" {
		return serverURL
	}
	cfg, err := config.Load()
	if err != nil {
		return "http://localhost:7461"
	}
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
