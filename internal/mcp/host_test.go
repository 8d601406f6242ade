package mcp_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harborhq/harbor/internal/mcp"
	"github.com/harborhq/harbor/internal/storage"
)

// fakeTransport runs an in-process echo tool server. It answers the MCP
// handshake and tools/call; with hang set, tools/call never responds.
type fakeTransport struct {
	out    chan json.RawMessage
	hang   bool
	mu     sync.Mutex
	closed bool
}

func newFakeTransport(hang bool) *fakeTransport {
	return &fakeTransport{out: make(chan json.RawMessage, 16), hang: hang}
}

func (f *fakeTransport) Send(_ context.Context, msg json.RawMessage) error {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     int64           `json:"id"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	switch req.Method {
	case "initialize":
		f.respond(req.ID, map[string]any{"protocolVersion": "2024-11-05"})
	case "notifications/initialized":
		// notification, no response
	case "tools/call":
		if f.hang {
			return nil
		}
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		var args struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(params.Arguments, &args)
		f.respond(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Echo: " + args.Message}},
		})
	}
	return nil
}

func (f *fakeTransport) respond(id int64, result any) {
	b, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	f.out <- json.RawMessage(b)
}

func (f *fakeTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-f.out:
		if !ok {
			return nil, context.Canceled
		}
		return msg, nil
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func echoManifest(id string) *mcp.Manifest {
	return &mcp.Manifest{
		ID:      id,
		Name:    "Echo",
		Runtime: mcp.RuntimeWorker,
		Command: "unused",
		Tools: []mcp.ToolDescriptor{{
			Name:        "echo",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		}},
	}
}

func newTestHost(t *testing.T, hang bool) (*mcp.Host, *atomic.Int32) {
	t.Helper()
	var starts atomic.Int32
	host := mcp.NewHost(mcp.HostConfig{
		Factory: func(context.Context, *mcp.Manifest) (mcp.Transport, error) {
			starts.Add(1)
			return newFakeTransport(hang), nil
		},
	})
	return host, &starts
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	host, starts := newTestHost(t, false)

	if err := host.Register(ctx, echoManifest("echo-js")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := host.Start(ctx, "echo-js"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := host.Start(ctx, "echo-js"); err != nil {
		t.Fatalf("second start should be a no-op success: %v", err)
	}
	if got := starts.Load(); got != 1 {
		t.Fatalf("want exactly one transport, factory ran %d times", got)
	}
	if host.RunningCount() != 1 {
		t.Fatalf("want 1 active transport, got %d", host.RunningCount())
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	ctx := context.Background()
	host, _ := newTestHost(t, false)

	if err := host.Register(ctx, echoManifest("echo-js")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := host.Start(ctx, "echo-js"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := host.CallTool(ctx, "echo-js", "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", res.Error)
	}
	if !strings.Contains(string(res.Result), "Echo: hi") {
		t.Fatalf("unexpected result: %s", res.Result)
	}
}

func TestCallToolTimeoutIsSynthetic(t *testing.T) {
	ctx := context.Background()
	host, _ := newTestHost(t, true)

	if err := host.Register(ctx, echoManifest("slow")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := host.Start(ctx, "slow"); err != nil {
		t.Fatalf("start: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	res, err := host.CallTool(callCtx, "slow", "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("timeout must resolve, not fail the call contract: %v", err)
	}
	if res.Error == nil {
		t.Fatal("timeout must produce an rpc-shaped error")
	}
}

func TestCallToolValidation(t *testing.T) {
	ctx := context.Background()
	host, _ := newTestHost(t, false)

	if err := host.Register(ctx, echoManifest("echo-js")); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Unknown tool fails before any transport exists.
	if _, err := host.CallTool(ctx, "echo-js", "nope", nil); err == nil {
		t.Fatal("unknown tool must be rejected")
	}
	// Registered but not started: terminal error, never a lazy start.
	if _, err := host.CallTool(ctx, "echo-js", "echo", json.RawMessage(`{"message":"x"}`)); err == nil {
		t.Fatal("call on a stopped server must fail")
	}
	if host.RunningCount() != 0 {
		t.Fatal("call must not implicitly start the server")
	}

	// Schema-invalid arguments come back as an rpc-shaped error.
	if err := host.Start(ctx, "echo-js"); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := host.CallTool(ctx, "echo-js", "echo", json.RawMessage(`{"message":7}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Error == nil || res.Error.Code != -32602 {
		t.Fatalf("schema violation should yield -32602, got %+v", res.Error)
	}
}

func TestUnregisterRemovesIndex(t *testing.T) {
	ctx := context.Background()
	host, _ := newTestHost(t, false)

	if err := host.Register(ctx, echoManifest("echo-js")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, ok := host.FindTool("echo-js:echo"); !ok {
		t.Fatal("tool missing from index after register")
	}
	if err := host.Unregister(ctx, "echo-js"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, _, ok := host.FindTool("echo-js:echo"); ok {
		t.Fatal("index entry survived unregister")
	}
}

func TestPersistedManifestsReload(t *testing.T) {
	ctx := context.Background()
	kv, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer kv.Close()

	host := mcp.NewHost(mcp.HostConfig{KV: kv})
	if err := host.Register(ctx, echoManifest("echo-js")); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Simulate a process restart over the same storage.
	host2 := mcp.NewHost(mcp.HostConfig{KV: kv})
	if err := host2.LoadPersisted(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, _, ok := host2.FindTool("echo-js:echo"); !ok {
		t.Fatal("persisted manifest not restored")
	}
}

func TestRuntimeInference(t *testing.T) {
	cases := []struct {
		name string
		m    mcp.Manifest
		want mcp.Runtime
	}{
		{"explicit wins", mcp.Manifest{ID: "a", Runtime: mcp.RuntimeWasm, RemoteURL: "ws://x"}, mcp.RuntimeWasm},
		{"remote inferred", mcp.Manifest{ID: "b", RemoteURL: "ws://x"}, mcp.RuntimeRemote},
		{"worker inferred", mcp.Manifest{ID: "c", Command: "node"}, mcp.RuntimeWorker},
		{"wasm inferred", mcp.Manifest{ID: "d", ModulePath: "/srv.wasm"}, mcp.RuntimeWasm},
	}
	for _, tc := range cases {
		got, err := tc.m.EffectiveRuntime()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: want %s, got %s", tc.name, tc.want, got)
		}
	}

	if _, err := (&mcp.Manifest{ID: "e"}).EffectiveRuntime(); err == nil {
		t.Fatal("manifest with no location must not resolve a runtime")
	}
}
