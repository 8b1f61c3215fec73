package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrNotStarted is returned when reading from a process that was never started.
var ErrNotStarted = errors.New("upstream: process not started")

// Config describes how to spawn the agent CLI for one turn.
type Config struct {
	// Command is the agent binary, e.g. "claude".
	Command string
	// ExtraArgs are appended after the built-in flags.
	ExtraArgs []string
	// WorkDir is the subprocess working directory.
	WorkDir string
	// Env entries are appended to the inherited environment as KEY=VALUE.
	Env []string
	// Resume, when set, asks the CLI to continue an existing agent session.
	Resume string
}

// Process is the handle the session layer drives: a line-oriented reader over
// the subprocess stdout plus termination control. It is satisfied by the real
// CLI process and by scripted fakes in tests.
type Process interface {
	// ReadLine returns the next stdout line without the trailing newline.
	// io.EOF signals the process closed stdout.
	ReadLine() ([]byte, error)
	// Stop terminates the process group: SIGTERM, a short grace period,
	// then SIGKILL. Safe to call more than once.
	Stop() error
	// Wait blocks until the process exits and reports whether the exit was
	// clean. Must be called after ReadLine returns io.EOF.
	Wait() error
	// StderrTail returns the most recent stderr output for diagnostics.
	StderrTail() string
}

// Launcher spawns one Process per turn. The session manager depends on this
// interface so tests can substitute scripted processes.
type Launcher interface {
	Launch(ctx context.Context, prompt string) (Process, error)
}

// CLILauncher launches the real agent CLI in stream-json print mode.
type CLILauncher struct {
	Config Config
}

// BuildArgs assembles the CLI argument list for a prompt.
func (l *CLILauncher) BuildArgs(prompt string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if l.Config.Resume != "" {
		args = append(args, "--resume", l.Config.Resume)
	}
	args = append(args, l.Config.ExtraArgs...)
	return args
}

// Launch spawns the CLI and returns a running Process.
func (l *CLILauncher) Launch(ctx context.Context, prompt string) (Process, error) {
	command := l.Config.Command
	if command == "" {
		command = "claude"
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Deliberately not CommandContext: the caller's context covers the
	// launch, not the process lifetime. A turn keeps running after the
	// request that started it returns; only Stop kills it.
	cmd := exec.Command(command, l.BuildArgs(prompt)...)
	cmd.Env = append(os.Environ(), l.Config.Env...)
	if l.Config.WorkDir != "" {
		cmd.Dir = l.Config.WorkDir
	}
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("agent CLI %q not found in PATH: %w", command, err)
		}
		return nil, fmt.Errorf("start agent CLI: %w", err)
	}

	p := &cliProcess{
		cmd:    cmd,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		exited: make(chan struct{}),
	}
	go p.drainStderr(stderr)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	reader *bufio.Reader

	// waitErr is written once by the wait goroutine before exited closes.
	waitErr error
	exited  chan struct{}

	mu       sync.Mutex
	stderr   bytes.Buffer
	stopping bool
}

func (p *cliProcess) ReadLine() ([]byte, error) {
	if p.reader == nil {
		return nil, ErrNotStarted
	}
	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				// Final line without trailing newline.
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// drainStderr keeps the last chunk of stderr for error diagnostics.
const stderrTailLimit = 8 << 10

func (p *cliProcess) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.stderr.Write(buf[:n])
			if p.stderr.Len() > stderrTailLimit {
				trimmed := p.stderr.Bytes()[p.stderr.Len()-stderrTailLimit:]
				rest := append([]byte(nil), trimmed...)
				p.stderr.Reset()
				p.stderr.Write(rest)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *cliProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.stderr.String())
}

func (p *cliProcess) Wait() error {
	<-p.exited
	return p.waitErr
}

func (p *cliProcess) Stop() error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if p.cmd.Process == nil {
		return nil
	}

	_ = terminateGroup(p.cmd.Process)

	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	_ = killGroup(p.cmd.Process)

	select {
	case <-p.exited:
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}
