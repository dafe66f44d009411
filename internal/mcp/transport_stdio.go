package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/zookeeper-run/zoo/internal/engine"
	"github.com/zookeeper-run/zoo/internal/logging"
)

// ErrorHandler is invoked when the transport disconnects unexpectedly
// (EOF or read error) while it still believed itself connected.
type ErrorHandler func(err error)

// StdioTransport spawns a child process and speaks newline-delimited
// JSON over its stdin/stdout, handing each decoded line to an external
// onLine callback (the Router) rather than resolving its own pending
// map. Stderr is captured and forwarded line-by-line to Logger (if set)
// rather than discarded, so a crashing or noisy server leaves a trace.
type StdioTransport struct {
	Command string
	Args    []string
	Env     map[string]string // if non-nil, replaces the default inherited environment
	WorkDir string

	OnError ErrorHandler
	// Logger, if non-nil, receives each stderr line from the subprocess
	// at debug level.
	Logger *logging.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	stderr *bufio.Scanner

	writeMu   sync.Mutex
	connected atomic.Bool

	wg sync.WaitGroup
}

// Connect starts the subprocess and a background reader goroutine that
// extracts LF-terminated lines (CR stripped) and passes each non-empty
// one to onLine.
func (t *StdioTransport) Connect(onLine func(line string)) error {
	if t.Command == "" {
		return engine.New(engine.KindMcpTransportFailed, "command is required for stdio transport")
	}

	t.cmd = exec.Command(t.Command, t.Args...)
	if t.Env != nil {
		env := make([]string, 0, len(t.Env))
		for k, v := range t.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		t.cmd.Env = env
	}
	if t.WorkDir != "" {
		t.cmd.Dir = t.WorkDir
	}

	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return engine.Wrap(engine.KindMcpTransportFailed, "stdin pipe", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return engine.Wrap(engine.KindMcpTransportFailed, "stdout pipe", err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return engine.Wrap(engine.KindMcpTransportFailed, "stderr pipe", err)
	}

	if err := t.cmd.Start(); err != nil {
		return engine.Wrap(engine.KindMcpTransportFailed, "start subprocess", err)
	}

	t.stdin = stdin
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 64*1024), 4*1024*1024)
	t.stderr = bufio.NewScanner(stderr)
	t.connected.Store(true)

	t.wg.Add(1)
	go t.readLoop(onLine)

	t.wg.Add(1)
	go t.logStderr()

	return nil
}

func (t *StdioTransport) readLoop(onLine func(line string)) {
	defer t.wg.Done()

	for t.stdout.Scan() {
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		onLine(line)
	}

	err := t.stdout.Err()
	wasConnected := t.connected.Swap(false)
	if wasConnected && t.OnError != nil {
		if err == nil {
			err = io.EOF
		}
		t.OnError(err)
	}
}

// logStderr forwards each stderr line from the subprocess to Logger at
// debug level, giving a crashing or noisy server a diagnostic trace
// instead of a silently discarded stream.
func (t *StdioTransport) logStderr() {
	defer t.wg.Done()

	for t.stderr.Scan() {
		line := t.stderr.Text()
		if line == "" || t.Logger == nil {
			continue
		}
		t.Logger.Debug(context.Background(), "mcp server stderr", "command", t.Command, "message", line)
	}
}

// Send appends a newline and writes message under the write mutex,
// flushing immediately. A partial write is reported as McpTransportFailed.
func (t *StdioTransport) Send(message []byte) error {
	if !t.connected.Load() {
		return engine.New(engine.KindMcpTransportFailed, "transport not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	payload := append(append([]byte{}, message...), '\n')
	n, err := t.stdin.Write(payload)
	if err != nil {
		return engine.Wrap(engine.KindMcpTransportFailed, "write request", err)
	}
	if n != len(payload) {
		return engine.New(engine.KindMcpTransportFailed, "partial write")
	}
	return nil
}

// Disconnect closes stdin (which the child typically treats as EOF),
// kills the process if still running, and joins the reader goroutine.
func (t *StdioTransport) Disconnect() error {
	t.connected.Store(false)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.wg.Wait()
	return nil
}

func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}
