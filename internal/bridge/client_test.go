package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"llm.chat"}`)
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mangled frame: %s", got)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("oversized frame must be rejected")
	}
}

// scriptedTransport answers bridge calls in-process.
type scriptedTransport struct {
	out    chan []byte
	mu     sync.Mutex
	closed bool
	// handle produces response messages (and optional stream events) for
	// one request.
	handle func(msg rpcMessage) [][]byte
}

func newScriptedTransport(handle func(rpcMessage) [][]byte) *scriptedTransport {
	return &scriptedTransport{out: make(chan []byte, 32), handle: handle}
}

func (s *scriptedTransport) send(msg []byte) error {
	var req rpcMessage
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	for _, resp := range s.handle(req) {
		s.out <- resp
	}
	return nil
}

func (s *scriptedTransport) receive() ([]byte, error) {
	msg, ok := <-s.out
	if !ok {
		return nil, context.Canceled
	}
	return msg, nil
}

func (s *scriptedTransport) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestChatStreamsEventsThenResolves(t *testing.T) {
	tr := newScriptedTransport(nil)
	tr.handle = func(req rpcMessage) [][]byte {
		if req.Method != "llm.chat" {
			t.Fatalf("unexpected method %q", req.Method)
		}
		event := mustJSON(t, map[string]any{
			"jsonrpc": "2.0",
			"method":  "stream.event",
			"params": map[string]any{
				"requestId": req.ID,
				"event":     map[string]any{"type": "status", "text": "thinking"},
			},
		})
		final := mustJSON(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"content": "hello back"},
		})
		return [][]byte{event, final}
	}

	c := newWithTransportFactory(func() (transport, error) { return tr, nil }, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	var events []StreamEvent
	var evMu sync.Mutex
	result, err := c.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, func(ev StreamEvent) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(string(result), "hello back") {
		t.Fatalf("unexpected result: %s", result)
	}
	evMu.Lock()
	defer evMu.Unlock()
	if len(events) != 1 || !strings.Contains(string(events[0].Event), "thinking") {
		t.Fatalf("stream events not delivered: %+v", events)
	}
}

func TestBridgeErrorSurfaces(t *testing.T) {
	tr := newScriptedTransport(func(req rpcMessage) [][]byte {
		return [][]byte{[]byte(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"error":{"code":401,"message":"no provider configured"}}`)}
	})

	c := newWithTransportFactory(func() (transport, error) { return tr, nil }, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.ListProviders(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no provider configured") {
		t.Fatalf("bridge error not surfaced: %v", err)
	}
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestDisconnectFailsInFlightCalls(t *testing.T) {
	tr := newScriptedTransport(func(rpcMessage) [][]byte {
		return nil // never answer
	})

	c := newWithTransportFactory(func() (transport, error) { return tr, nil }, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ListProviders(context.Background())
		errCh <- err
	}()

	// Give the call a moment to register, then kill the transport. Close
	// the client first so no reconnect follows.
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("in-flight call must fail on disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call hung after disconnect")
	}
}

func TestCallWhileDisconnected(t *testing.T) {
	c := New(Config{factory: func() (transport, error) {
		return newScriptedTransport(func(rpcMessage) [][]byte { return nil }), nil
	}})
	if _, err := c.ListProviders(context.Background()); err == nil {
		t.Fatal("calls before Connect must fail fast")
	}
}

func TestToolSyncPayload(t *testing.T) {
	var gotMethod string
	var gotParams json.RawMessage
	tr := newScriptedTransport(nil)
	tr.handle = func(req rpcMessage) [][]byte {
		gotMethod = req.Method
		gotParams = req.Params
		return [][]byte{mustJSON(t, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})}
	}

	c := newWithTransportFactory(func() (transport, error) { return tr, nil }, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.UnregisterTools(context.Background(), "echo-js"); err != nil {
		t.Fatalf("unregister tools: %v", err)
	}
	if gotMethod != "mcp.unregister_tools" {
		t.Fatalf("wrong method: %s", gotMethod)
	}
	if !strings.Contains(string(gotParams), "echo-js") {
		t.Fatalf("server id missing from params: %s", gotParams)
	}
}

func TestOAuthCalls(t *testing.T) {
	var methods []string
	var lastParams json.RawMessage
	tr := newScriptedTransport(nil)
	tr.handle = func(req rpcMessage) [][]byte {
		methods = append(methods, req.Method)
		lastParams = req.Params
		return [][]byte{mustJSON(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"expiresAt": "2026-09-01T00:00:00Z"},
		})}
	}

	c := newWithTransportFactory(func() (transport, error) { return tr, nil }, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, err := c.OAuthStatus(context.Background()); err != nil {
		t.Fatalf("oauth status: %v", err)
	}
	tokens, err := c.GetTokens(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("get tokens: %v", err)
	}
	if !strings.Contains(string(tokens), "expiresAt") {
		t.Fatalf("token payload missing expiry: %s", tokens)
	}

	if len(methods) != 2 || methods[0] != "oauth.status" || methods[1] != "oauth.get_tokens" {
		t.Fatalf("wrong methods: %v", methods)
	}
	if !strings.Contains(string(lastParams), "anthropic") {
		t.Fatalf("provider missing from params: %s", lastParams)
	}
}
