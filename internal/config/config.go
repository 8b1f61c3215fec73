// Package config loads and persists turncast configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration at ~/.turncast/config.toml. CLI flags
// override whatever is loaded here.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Agent   AgentConfig   `toml:"agent"`
	Session SessionConfig `toml:"session"`
	Store   StoreConfig   `toml:"store"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"`
	Token string `toml:"token,omitempty"` // bearer token for auth; empty disables
	Quiet bool   `toml:"quiet,omitempty"`
}

// AgentConfig describes how to spawn the coding-agent CLI.
type AgentConfig struct {
	Command   string   `toml:"command"`
	ExtraArgs []string `toml:"extra_args,omitempty"`
	WorkDir   string   `toml:"work_dir,omitempty"`
}

// SessionConfig tunes the broadcaster.
type SessionConfig struct {
	// QueueSize bounds each observer's outbound event queue.
	QueueSize int `toml:"queue_size"`
	// Linger is how long a completed session stays resumable, e.g. "2m".
	Linger string `toml:"linger"`
	// EventLogDir mirrors each turn's events to JSONL files when set.
	EventLogDir string `toml:"event_log_dir,omitempty"`
}

// LingerDuration returns the parsed linger duration (default: 2m).
func (c SessionConfig) LingerDuration() time.Duration {
	if c.Linger != "" {
		if d, err := time.ParseDuration(c.Linger); err == nil {
			return d
		}
	}
	return 2 * time.Minute
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the DuckDB database file. Empty means <config dir>/turncast.duckdb.
	Path string `toml:"path,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "localhost", Port: 7461},
		Agent:  AgentConfig{Command: "claude"},
		Session: SessionConfig{
			QueueSize: 1024,
			Linger:    "2m",
		},
	}
}

// Dir returns the path to the .turncast directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".turncast"), nil
}

// Path returns the path to the main config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the configuration, creating it with defaults on first run.
// Missing keys keep their default values.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from an explicit path.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if saveErr := save(path, cfg); saveErr != nil {
			return cfg, nil // defaults still usable when save fails
		}
		return cfg, nil
	} else if err != nil {
		return Config{}, err
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration to the default path.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return save(path, cfg)
}

func save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
