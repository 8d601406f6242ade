// Package gateway is the background router: it accepts message envelopes
// from web pages and companion extensions over a long-lived WebSocket port
// or a one-shot external HTTP endpoint, resolves the caller's origin and
// tab context, and dispatches to the permission-gated handler table.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborhq/harbor/internal/agents"
	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/bridge"
	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/consent"
	"github.com/harborhq/harbor/internal/mcp"
	harborotel "github.com/harborhq/harbor/internal/otel"
	"github.com/harborhq/harbor/internal/permissions"
	"github.com/harborhq/harbor/internal/session"
	"github.com/harborhq/harbor/internal/tabs"
)

// Config holds the router's collaborators.
type Config struct {
	Perms        *permissions.Store
	Sessions     *session.Registry
	Validator    *session.Validator
	Agents       *agents.Registry
	Orchestrator *agents.Orchestrator
	Remote       *agents.RemoteRegistry
	Tabs         *tabs.Manager
	Host         *mcp.Host
	Bridge       *bridge.Client
	Consent      *consent.Broker
	Bus          *bus.Bus
	Logger       *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the active config hash exposed in system.status.
	ConfigFingerprint string
}

// Server owns the transports and the connected-client set.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *harborotel.Metrics

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	invokesMu sync.Mutex
	invokes   map[string]chan invokeReply

	nextTabMu sync.Mutex
	nextTabID int
}

type invokeReply struct {
	result json.RawMessage
	errMsg string
}

// client is one connected WS port. Origin and TabID come from the
// system.hello handshake and act as defaults for envelopes that omit them.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	origin string
	tabID  int
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		tracer:    otelapi.Tracer(harborotel.TracerName),
		clients:   map[*client]struct{}{},
		invokes:   map[string]chan invokeReply{},
		nextTabID: 1000,
	}
	// Instrument creation only fails on malformed names; a nil metrics
	// field just skips recording.
	if m, err := harborotel.NewMetrics(otelapi.Meter(harborotel.MeterName)); err == nil {
		s.metrics = m
	} else {
		logger.Warn("metrics init failed", "error", err)
	}
	if cfg.Bus != nil {
		go s.broadcastPrompts()
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/external", s.handleExternal)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":         true,
		"sessions":        s.cfg.Sessions.Count(),
		"agents":          s.cfg.Agents.Count(),
		"servers_running": s.cfg.Host.RunningCount(),
	}
	if s.cfg.Bridge != nil {
		payload["bridge"] = s.cfg.Bridge.State()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var env api.Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			s.logger.Debug("ws: read error, closing", "error", err)
			return
		}
		// Replies to in-flight invocation forwards never get a response
		// of their own; everything else dispatches concurrently so a
		// handler blocked on the consent prompt cannot starve the port.
		if env.Type == "agents.invoke.result" {
			s.resolveInvoke(env)
			continue
		}
		go func(env api.Envelope) {
			resp, stream := s.dispatch(r.Context(), s.sender(c, env), env, func(ev api.StreamEvent) error {
				return c.write(r.Context(), ev)
			})
			if stream {
				return
			}
			if err := c.write(r.Context(), resp); err != nil {
				s.logger.Error("ws: write response error", "type", env.Type, "error", err)
			}
		}(env)
	}
}

// handleExternal is the one-shot request/response endpoint used by other
// extensions. Streaming methods degrade to an error rather than buffering.
func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var env api.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	// External callers carry a forwarded page context in the envelope;
	// absent that, fall back to the transport-level Origin header.
	from := caller{origin: env.Origin, tabID: env.TabID, external: true}
	if from.origin == "" {
		from.origin = r.Header.Get("Origin")
	}
	resp, _ := s.dispatch(r.Context(), from, env, nil)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// sender resolves the effective caller context for one envelope: explicit
// envelope fields win over the connection's handshake defaults.
func (s *Server) sender(c *client, env api.Envelope) caller {
	c.mu.Lock()
	origin, tabID := c.origin, c.tabID
	c.mu.Unlock()
	if env.Origin != "" {
		origin = env.Origin
	}
	if env.TabID != 0 {
		tabID = env.TabID
	}
	return caller{origin: origin, tabID: tabID, client: c}
}

type caller struct {
	origin   string
	tabID    int
	external bool
	client   *client
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	c.mu.Lock()
	tabID := c.tabID
	c.mu.Unlock()
	if tabID != 0 {
		s.cfg.Agents.UnregisterTab(tabID)
		s.cfg.Tabs.Remove(tabID)
	}
}

// broadcastPrompts forwards consent prompt open/close events to every
// connected client so a UI surface can render the modal.
func (s *Server) broadcastPrompts() {
	sub := s.cfg.Bus.Subscribe(bus.TopicPermissionPrompt)
	defer s.cfg.Bus.Unsubscribe(sub)
	for ev := range sub.Ch() {
		pe, ok := ev.Payload.(consent.PromptEvent)
		if !ok {
			continue
		}
		s.clientsMu.RLock()
		targets := make([]*client, 0, len(s.clients))
		for c := range s.clients {
			targets = append(targets, c)
		}
		s.clientsMu.RUnlock()
		for _, c := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.write(ctx, api.StreamEvent{
				ID: "permission.prompt",
				Event: map[string]any{
					"type":   "permission_prompt",
					"prompt": pe,
				},
			})
			cancel()
			if err != nil {
				s.logger.Debug("ws: prompt broadcast failed", "error", err)
			}
		}
	}
}

// allocTabID hands out ids for tabs spawned on behalf of an origin. The
// browser-side client maps these onto real tab ids.
func (s *Server) allocTabID() int {
	s.nextTabMu.Lock()
	defer s.nextTabMu.Unlock()
	s.nextTabID++
	return s.nextTabID
}

func (s *Server) resolveInvoke(env api.Envelope) {
	var p struct {
		InvocationID string          `json:"invocationId"`
		Result       json.RawMessage `json:"result,omitempty"`
		Error        string          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.InvocationID == "" {
		return
	}
	s.invokesMu.Lock()
	ch, ok := s.invokes[p.InvocationID]
	if ok {
		delete(s.invokes, p.InvocationID)
	}
	s.invokesMu.Unlock()
	if ok {
		ch <- invokeReply{result: p.Result, errMsg: p.Error}
	}
}
