package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/mcp"
)

// Connection states published on the bus. Callers degrade gracefully while
// the bridge is away; requests fail fast rather than queue.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

// StreamEvent is one chunk of a streaming bridge call. Done marks the
// terminal event; Error, when set, is the terminal failure.
type StreamEvent struct {
	Event json.RawMessage `json:"event,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Error string          `json:"error,omitempty"`
}

type streamParams struct {
	RequestID int64           `json:"requestId"`
	Event     json.RawMessage `json:"event,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type pendingCall struct {
	resp    chan rpcMessage
	onEvent func(StreamEvent)
}

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is relayed to the bridge, which owns provider and model
// resolution. Empty Provider/Model mean "bridge default".
type ChatRequest struct {
	SessionID string        `json:"sessionId,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	Model     string        `json:"model,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
	Tools     []string      `json:"tools,omitempty"` // flat "serverId:toolName" refs
}

// Client is the JSON-RPC client for the native helper. It reconnects with
// bounded backoff when the helper dies; in-flight calls fail fast on
// disconnect.
type Client struct {
	factory func() (transport, error)
	bus     *bus.Bus
	logger  *slog.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	transport transport
	pending   map[int64]*pendingCall
	state     string
	closed    bool
}

// Config holds Client dependencies. Command spawns the native helper;
// BaseURL selects the HTTP long-poll fallback instead.
type Config struct {
	Command    string
	Args       []string
	BaseURL    string
	HTTPClient *http.Client
	Bus        *bus.Bus
	Logger     *slog.Logger

	// factory overrides transport creation in tests.
	factory func() (transport, error)
}

// New creates a disconnected bridge client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.factory
	if factory == nil {
		if cfg.Command != "" {
			command, args := cfg.Command, cfg.Args
			factory = func() (transport, error) {
				return newNativeTransport(command, args)
			}
		} else {
			baseURL, httpClient := cfg.BaseURL, cfg.HTTPClient
			factory = func() (transport, error) {
				return newLongPollTransport(baseURL, httpClient), nil
			}
		}
	}
	return &Client{
		factory: factory,
		bus:     cfg.Bus,
		logger:  logger,
		pending: make(map[int64]*pendingCall),
		state:   StateDisconnected,
	}
}

// newWithTransportFactory is the test constructor.
func newWithTransportFactory(factory func() (transport, error), b *bus.Bus, logger *slog.Logger) *Client {
	return New(Config{factory: factory, Bus: b, Logger: logger})
}

// Connect establishes the transport and starts the read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("bridge client closed")
	}
	if c.transport != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	t, err := c.factory()
	if err != nil {
		return fmt.Errorf("connect bridge: %w", err)
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(t)
	return nil
}

// State returns the current connection state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.logger.Info("bridge state changed", "state", state)
	if c.bus != nil {
		c.bus.Publish(bus.TopicBridgeStateChanged, state)
	}
}

func (c *Client) readLoop(t transport) {
	for {
		raw, err := t.receive()
		if err != nil {
			c.handleDisconnect(t, err)
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("bridge sent malformed message", "error", err)
			continue
		}

		if msg.Method == "stream.event" {
			c.routeEvent(msg.Params)
			continue
		}
		if msg.ID == 0 {
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			call.resp <- msg
		}
	}
}

func (c *Client) routeEvent(params json.RawMessage) {
	var ev streamParams
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	c.mu.Lock()
	call, ok := c.pending[ev.RequestID]
	c.mu.Unlock()
	if ok && call.onEvent != nil {
		call.onEvent(StreamEvent{Event: ev.Event, Done: ev.Done, Error: ev.Error})
	}
}

// handleDisconnect fails every in-flight call and starts the reconnect
// loop unless the client was closed deliberately.
func (c *Client) handleDisconnect(t transport, cause error) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	stale := c.pending
	c.pending = make(map[int64]*pendingCall)
	closed := c.closed
	c.mu.Unlock()

	for id, call := range stale {
		call.resp <- rpcMessage{ID: id, Error: &rpcError{Code: -32001, Message: "bridge disconnected"}}
	}

	if closed {
		return
	}
	c.logger.Warn("bridge disconnected", "error", cause)
	c.setState(StateReconnecting)

	delay := reconnectBaseDelay
	for {
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		t, err := c.factory()
		if err == nil {
			c.mu.Lock()
			c.transport = t
			c.mu.Unlock()
			c.setState(StateConnected)
			go c.readLoop(t)
			return
		}

		c.logger.Warn("bridge reconnect failed", "error", err, "next_delay", delay)
		if delay < reconnectMaxDelay {
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

// Close shuts the client down; no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if t != nil {
		return t.close()
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, onEvent func(StreamEvent)) (json.RawMessage, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("bridge is not connected")
	}

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}

	id := c.nextID.Add(1)
	raw, err := json.Marshal(rpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return nil, err
	}

	call := &pendingCall{resp: make(chan rpcMessage, 1), onEvent: onEvent}
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()

	if err := t.send(raw); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge call %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-call.resp:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Chat relays one conversation turn. Stream events fire on onEvent as they
// arrive; the returned result is the terminal response.
func (c *Client) Chat(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (json.RawMessage, error) {
	return c.call(ctx, "llm.chat", req, onEvent)
}

// ListProviders returns the bridge's provider catalog, shape-owned by the
// bridge.
func (c *Client) ListProviders(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "llm.list_providers", nil, nil)
}

// ListConfiguredModels returns the models the user has configured.
func (c *Client) ListConfiguredModels(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "llm.list_configured_models", nil, nil)
}

// OAuthStatus reports the bridge's provider auth state.
func (c *Client) OAuthStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "oauth.status", nil, nil)
}

// GetTokens fetches the bridge's stored OAuth tokens for one provider.
// Token material stays inside the daemon; callers must not relay it to
// pages.
func (c *Client) GetTokens(ctx context.Context, provider string) (json.RawMessage, error) {
	return c.call(ctx, "oauth.get_tokens", map[string]any{"provider": provider}, nil)
}

// RegisterTools mirrors a started server's tools into the bridge index.
// Implements mcp.ToolSyncer.
func (c *Client) RegisterTools(ctx context.Context, serverID string, tools []mcp.ToolDescriptor) error {
	_, err := c.call(ctx, "mcp.register_tools", map[string]any{
		"serverId": serverID,
		"tools":    tools,
	}, nil)
	return err
}

// UnregisterTools removes a stopped server's tools from the bridge index.
// Implements mcp.ToolSyncer.
func (c *Client) UnregisterTools(ctx context.Context, serverID string) error {
	_, err := c.call(ctx, "mcp.unregister_tools", map[string]any{
		"serverId": serverID,
	}, nil)
	return err
}
