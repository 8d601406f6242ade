package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
)

// transport moves raw JSON-RPC messages to and from the native helper.
type transport interface {
	send(msg []byte) error
	receive() ([]byte, error)
	close() error
}

// nativeTransport spawns the helper binary and frames messages over its
// stdio, the native-messaging wire shape.
type nativeTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu      sync.Mutex
	running bool
}

func newNativeTransport(command string, args []string) (*nativeTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge %q: %w", command, err)
	}
	return &nativeTransport{cmd: cmd, stdin: stdin, stdout: stdout, running: true}, nil
}

func (t *nativeTransport) send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("bridge transport closed")
	}
	return WriteFrame(t.stdin, msg)
}

func (t *nativeTransport) receive() ([]byte, error) {
	return ReadFrame(t.stdout)
}

func (t *nativeTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// longPollTransport is the fallback for platforms without native
// messaging: requests POST to /rpc, responses and events arrive by long
// polling /events.
type longPollTransport struct {
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

func newLongPollTransport(baseURL string, client *http.Client) *longPollTransport {
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &longPollTransport{baseURL: baseURL, client: client, ctx: ctx, cancel: cancel}
}

func (t *longPollTransport) send(msg []byte) error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.baseURL+"/rpc", bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge rpc post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("bridge rpc post: status %d", resp.StatusCode)
	}
	return nil
}

func (t *longPollTransport) receive() ([]byte, error) {
	for {
		req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.baseURL+"/events", nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("bridge event poll: %w", err)
		}
		if resp.StatusCode == http.StatusNoContent {
			// Poll expired with nothing queued; loop.
			resp.Body.Close()
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("bridge event poll: status %d", resp.StatusCode)
		}
		return body, nil
	}
}

func (t *longPollTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	return nil
}
