// Package logx provides file-based keyval logging. The watch TUI owns the
// terminal, so stdout/stderr are not usable log sinks; everything logs to a
// file that is safe to tail while the program runs.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger writes leveled key-value log lines to a file. The zero value is a
// disabled logger; all methods are no-ops until Init succeeds.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	enabled bool
	debug   bool
}

// Log is the process-wide logger.
var Log = &Logger{}

// Init directs the global logger at path. An empty path leaves logging
// disabled.
func Init(path string, debug bool) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	Log.mu.Lock()
	if Log.file != nil {
		Log.file.Close()
	}
	Log.file = f
	Log.enabled = true
	Log.debug = debug
	Log.mu.Unlock()
	Log.Info("Logger initialized", "path", path)
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Writer exposes the sink for adapters (e.g. HTTP request logging).
func (l *Logger) Writer() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || l.file == nil {
		return io.Discard
	}
	return l.file
}

func (l *Logger) log(level, msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || l.file == nil {
		return
	}

	line := fmt.Sprintf("%s [%s] %s", time.Now().Format("15:04:05.000"), level, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		line += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	fmt.Fprintln(l.file, line)
}

// Debug logs at debug level; suppressed unless Init enabled debug output.
func (l *Logger) Debug(msg string, keyvals ...any) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, keyvals...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...any) { l.log("INFO", msg, keyvals...) }

// Warn logs at warning level.
func (l *Logger) Warn(msg string, keyvals ...any) { l.log("WARN", msg, keyvals...) }

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...any) { l.log("ERROR", msg, keyvals...) }
