package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmTransport runs a tool server as a sandboxed WASI module. The module
// speaks newline-delimited JSON-RPC on its stdin/stdout; it gets no
// filesystem or network access beyond those pipes.
type WasmTransport struct {
	runtime wazero.Runtime
	cancel  context.CancelFunc
	stdinW  *io.PipeWriter
	stdout  *bufio.Reader

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewWasmTransport loads the module at modulePath and starts it.
func NewWasmTransport(ctx context.Context, modulePath string, logger *slog.Logger) (*WasmTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := wazero.NewRuntime(runCtx)
	wasi_snapshot_preview1.MustInstantiate(runCtx, r)

	compiled, err := r.CompileModule(runCtx, wasmBytes)
	if err != nil {
		cancel()
		_ = r.Close(context.Background())
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	t := &WasmTransport{
		runtime: r,
		cancel:  cancel,
		stdinW:  stdinW,
		stdout:  bufio.NewReader(stdoutR),
		running: true,
		done:    make(chan struct{}),
	}

	cfg := wazero.NewModuleConfig().
		WithName("server").
		WithStdin(stdinR).
		WithStdout(stdoutW)

	go func() {
		defer close(t.done)
		_, runErr := r.InstantiateModule(runCtx, compiled, cfg)
		if runErr != nil && runCtx.Err() == nil {
			logger.Warn("wasm tool server exited", "module", modulePath, "error", runErr)
		}
		stdoutW.CloseWithError(io.EOF)
	}()

	return t, nil
}

// Send writes one newline-delimited JSON-RPC message to the module's stdin.
func (t *WasmTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return fmt.Errorf("transport closed")
	}
	_, err := t.stdinW.Write(append(msg, '\n'))
	if err != nil {
		return fmt.Errorf("write wasm stdin: %w", err)
	}
	return nil
}

// Receive blocks until the module emits a message or the context is
// canceled.
func (t *WasmTransport) Receive(ctx context.Context) (json.RawMessage, error) {
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

// Close tears the module down and releases the runtime.
func (t *WasmTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	_ = t.stdinW.Close()
	t.cancel()
	<-t.done
	return t.runtime.Close(context.Background())
}
