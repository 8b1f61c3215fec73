package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turncast/turncast/internal/config"
	"github.com/turncast/turncast/internal/server"
	"github.com/turncast/turncast/internal/session"
	"github.com/turncast/turncast/internal/store"
	"github.com/turncast/turncast/internal/upstream"
)

// serve command flags
var (
	servePort        int
	serveHost        string
	serveToken       string
	serveQuiet       bool
	serveDB          string
	serveNoStore     bool
	serveAgent       string
	serveWorkDir     string
	serveQueueSize   int
	serveLinger      string
	serveEventLogDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the turncast server",
	Long: `Run the turncast server.

The server spawns one coding-agent subprocess per conversation turn, keeps
the turn running regardless of connected observers, and broadcasts each
turn's events to everyone attached. Finished messages are persisted to a
local DuckDB database.

Examples:
  turncast serve                       # Defaults from ~/.turncast/config.toml
  turncast serve -p 8080 --token s3cret
  turncast serve --agent claude --event-log-dir ~/.turncast/events`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "server host (default from config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "bearer token for authentication")
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "suppress request logging")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "DuckDB path (default ~/.turncast/turncast.duckdb)")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "disable message persistence")
	serveCmd.Flags().StringVar(&serveAgent, "agent", "", "agent CLI command (default from config)")
	serveCmd.Flags().StringVar(&serveWorkDir, "work-dir", "", "working directory for agent subprocesses")
	serveCmd.Flags().IntVar(&serveQueueSize, "queue-size", 0, "per-observer event queue bound")
	serveCmd.Flags().StringVar(&serveLinger, "linger", "", `how long completed sessions stay resumable, e.g. "2m"`)
	serveCmd.Flags().StringVar(&serveEventLogDir, "event-log-dir", "", "mirror each turn's events to JSONL files in this directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if serveToken != "" {
		cfg.Server.Token = serveToken
	}
	if serveQuiet {
		cfg.Server.Quiet = true
	}
	if serveAgent != "" {
		cfg.Agent.Command = serveAgent
	}
	if serveWorkDir != "" {
		cfg.Agent.WorkDir = serveWorkDir
	}
	if cmd.Flags().Changed("queue-size") {
		cfg.Session.QueueSize = serveQueueSize
	}
	if serveLinger != "" {
		cfg.Session.Linger = serveLinger
	}
	if serveEventLogDir != "" {
		cfg.Session.EventLogDir = serveEventLogDir
	}

	var messages store.MessageStore
	if !serveNoStore {
		dbPath := serveDB
		if dbPath == "" {
			dbPath = cfg.Store.Path
		}
		if dbPath == "" {
			dir, err := config.Dir()
			if err != nil {
				return fmt.Errorf("resolve config dir: %w", err)
			}
			dbPath = filepath.Join(dir, "turncast.duckdb")
		}
		messages, err = store.NewDuckDBStore(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer messages.Close()
	}

	launcher := &upstream.CLILauncher{
		Config: upstream.Config{
			Command:   cfg.Agent.Command,
			ExtraArgs: cfg.Agent.ExtraArgs,
			WorkDir:   cfg.Agent.WorkDir,
		},
	}

	sessions := session.NewManager(session.Config{
		Launcher:    launcher,
		QueueSize:   cfg.Session.QueueSize,
		Linger:      cfg.Session.LingerDuration(),
		EventLogDir: cfg.Session.EventLogDir,
	}, messages)

	srv := server.New(server.Config{
		Host:  cfg.Server.Host,
		Port:  cfg.Server.Port,
		Token: cfg.Server.Token,
		Quiet: cfg.Server.Quiet,
	}, sessions, messages)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}
