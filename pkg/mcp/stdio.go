package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// stopGrace is how long Close waits for the subprocess to exit after stdin
// is closed before killing its process group.
const stopGrace = 5 * time.Second

// StdioConfig configures a transport that talks to a subprocess over
// newline-delimited JSON on stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env    []string
	Dir    string
	Logger zerolog.Logger
}

// StdioTransport runs an MCP server as a subprocess in its own process group.
// The subprocess starts lazily on first use and is restarted if it exits.
// A single reader goroutine dispatches responses to waiting callers, so
// concurrent Sends are allowed and an abandoned call does not block others.
type StdioTransport struct {
	config StdioConfig
	logger zerolog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	listenDone chan struct{}
	closed     bool

	pending *pendingCalls
}

// NewStdioTransport creates a stdio transport. No process is started yet.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	return &StdioTransport{
		config:  cfg,
		logger:  cfg.Logger,
		pending: newPendingCalls(),
	}
}

// running reports whether the subprocess is alive. Caller must hold t.mu.
func (t *StdioTransport) running() bool {
	if t.cmd == nil {
		return false
	}
	select {
	case <-t.listenDone:
		return false
	default:
		return true
	}
}

// start launches the subprocess unless it is already running. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.closed {
		return ErrClosed
	}
	if t.running() {
		return nil
	}
	if t.cmd != nil {
		// Previous process exited; reap it before starting a new one.
		t.reap()
	}

	t.logger.Info().
		Str("command", t.config.Command).
		Strs("args", t.config.Args).
		Msg("Starting MCP subprocess")

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.listenDone = make(chan struct{})
	t.pending.reset()

	go t.listen(stdout, t.listenDone)
	go t.drainStderr(stderr)

	t.logger.Info().Int("pid", cmd.Process.Pid).Msg("MCP subprocess started")
	return nil
}

// listen reads stdout until EOF and resolves pending calls.
func (t *StdioTransport) listen(stdout io.Reader, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.handleLine(line)
		}
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("subprocess exited")
			}
			t.pending.failAll(fmt.Errorf("read from subprocess stdout: %w", err))
			return
		}
	}
}

func (t *StdioTransport) handleLine(line []byte) {
	resp, ok := decodeResponse(line)
	if !ok {
		t.logger.Debug().Str("line", string(line)).Msg("Skipping non-response line from MCP subprocess")
		return
	}
	if !t.pending.resolve(resp) {
		t.logger.Debug().Int64("id", resp.ID).Msg("Skipping unmatched MCP response")
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug().Str("line", scanner.Text()).Msg("MCP subprocess stderr")
	}
}

// write starts the subprocess if needed and writes one framed message.
func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.start(); err != nil {
		return err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Send writes the request to stdin and waits for the matching response.
// Cancelling ctx abandons the call without disturbing other callers or the
// subprocess; Client follows up with notifications/cancelled.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	ch, err := t.pending.add(req.ID)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := t.write(req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}
	return t.pending.await(ctx, req.ID, ch)
}

// Notify writes a notification to stdin.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	return t.write(notif)
}

// Close terminates the subprocess and its process group.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.cmd == nil {
		return nil
	}

	t.logger.Info().Int("pid", t.cmd.Process.Pid).Msg("Stopping MCP subprocess")

	if t.stdin != nil {
		t.stdin.Close()
	}

	select {
	case <-t.listenDone:
	case <-time.After(stopGrace):
		t.logger.Warn().Int("pid", t.cmd.Process.Pid).Msg("MCP subprocess did not exit gracefully, killing process group")
	}
	t.reap()
	t.pending.failAll(ErrClosed)
	return nil
}

// reap kills whatever is left of the process group and waits for the
// subprocess. Caller must hold t.mu.
func (t *StdioTransport) reap() {
	_ = killProcessGroup(t.cmd)
	_ = t.cmd.Wait()
	t.cmd = nil
	t.stdin = nil
}

// PID returns the subprocess id, or 0 when no process is running.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running() {
		return 0
	}
	return t.cmd.Process.Pid
}
