// Package mcp hosts MCP tool servers across three runtimes: sandboxed WASM
// modules, worker subprocesses, and remote endpoints. A started server owns
// exactly one transport until stopped; tool calls are JSON-RPC over that
// transport with a hard timeout.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport is the communication layer between the host and one server.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// WorkerTransport runs a tool server as a subprocess speaking
// newline-delimited JSON-RPC over stdio.
type WorkerTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	mu      sync.Mutex
	running bool
}

// NewWorkerTransport starts the server subprocess and connects its stdio.
func NewWorkerTransport(command string, args []string, env map[string]string) (*WorkerTransport, error) {
	cmd := exec.Command(command, args...)

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", command, err)
	}

	t := &WorkerTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		running: true,
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("mcp worker stderr", "command", command, "msg", scanner.Text())
		}
	}()

	return t, nil
}

// Send writes one newline-delimited JSON-RPC message.
func (t *WorkerTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive blocks until a message arrives or the context is canceled.
func (t *WorkerTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{line, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

// workerStopGrace is how long a worker gets to exit on its own after the
// shutdown notification before it is force-killed.
const workerStopGrace = 2 * time.Second

// Close asks the worker to exit and force-kills it only if it does not
// within the grace period. The shutdown notification plus stdin EOF is the
// cooperative signal; Kill is the backstop.
func (t *WorkerTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	_, _ = t.stdin.Write([]byte(`{"jsonrpc":"2.0","method":"shutdown"}` + "\n"))
	_ = t.stdin.Close()
	t.mu.Unlock()

	if t.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(workerStopGrace):
		err := t.cmd.Process.Kill()
		<-done
		return err
	}
}

// RemoteTransport speaks JSON-RPC over a WebSocket to an out-of-process
// server.
type RemoteTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
	open bool
}

// DialRemote connects to a remote tool server.
func DialRemote(ctx context.Context, url string) (*RemoteTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial remote server %q: %w", url, err)
	}
	return &RemoteTransport{conn: conn, open: true}, nil
}

// Send writes one JSON-RPC message as a text frame.
func (t *RemoteTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		return fmt.Errorf("transport closed")
	}
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

// Receive blocks until a frame arrives or the context is canceled.
func (t *RemoteTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Close disconnects from the remote server.
func (t *RemoteTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false
	return t.conn.Close(websocket.StatusNormalClosure, "server stopped")
}
