package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/storage"
)

// ToolCallTimeout is the hard bound on one tools/call round trip. A
// transport that never answers produces a synthetic RPC error, not a hang.
const ToolCallTimeout = 10 * time.Second

// ToolSyncer mirrors locally hosted tools into the native bridge's own tool
// index. Sync failures are logged, never propagated: a degraded bridge must
// not block local tool availability.
type ToolSyncer interface {
	RegisterTools(ctx context.Context, serverID string, tools []ToolDescriptor) error
	UnregisterTools(ctx context.Context, serverID string) error
}

// ToolResult is the uniform tool-call outcome: exactly one of Result or
// Error is set, regardless of whether the failure was remote or synthetic.
type ToolResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// TransportFactory builds the transport for one manifest. Injectable so
// tests can run servers in-process.
type TransportFactory func(ctx context.Context, m *Manifest) (Transport, error)

type activeServer struct {
	client  *Client
	runtime Runtime
}

type toolLocation struct {
	serverID string
	toolName string
}

// Host owns the manifest table, the flat tool index, and the
// one-transport-per-server invariant.
type Host struct {
	mu        sync.Mutex
	manifests map[string]*Manifest
	index     map[string]toolLocation // "serverId:toolName"
	active    map[string]*activeServer

	factory TransportFactory
	syncer  ToolSyncer
	kv      *storage.Store
	bus     *bus.Bus
	logger  *slog.Logger
}

// HostConfig holds Host dependencies. A nil Factory uses the runtime-based
// default; KV, Syncer, and Bus are optional.
type HostConfig struct {
	Factory TransportFactory
	Syncer  ToolSyncer
	KV      *storage.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
}

// NewHost creates an empty MCP host.
func NewHost(cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		manifests: make(map[string]*Manifest),
		index:     make(map[string]toolLocation),
		active:    make(map[string]*activeServer),
		factory:   cfg.Factory,
		syncer:    cfg.Syncer,
		kv:        cfg.KV,
		bus:       cfg.Bus,
		logger:    logger,
	}
	if h.factory == nil {
		h.factory = h.defaultFactory
	}
	return h
}

func (h *Host) defaultFactory(ctx context.Context, m *Manifest) (Transport, error) {
	runtime, err := m.EffectiveRuntime()
	if err != nil {
		return nil, err
	}
	switch runtime {
	case RuntimeWasm:
		return NewWasmTransport(ctx, m.ModulePath, h.logger)
	case RuntimeWorker:
		return NewWorkerTransport(m.Command, m.Args, m.Env)
	case RuntimeRemote:
		return DialRemote(ctx, m.RemoteURL)
	}
	return nil, fmt.Errorf("unhandled runtime %q", runtime)
}

// LoadPersisted restores the manifest table from storage. Missing data is
// a clean cold start, not an error.
func (h *Host) LoadPersisted(ctx context.Context) error {
	if h.kv == nil {
		return nil
	}
	var stored []*Manifest
	err := h.kv.Get(ctx, storage.KeyMcpServers, &stored)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mcp servers: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range stored {
		if err := m.Validate(); err != nil {
			h.logger.Warn("skipping invalid persisted manifest", "server", m.ID, "error", err)
			continue
		}
		h.manifests[m.ID] = m
		h.rebuildIndexLocked(m.ID)
	}
	return nil
}

func (h *Host) persistLocked(ctx context.Context) {
	if h.kv == nil {
		return
	}
	manifests := make([]*Manifest, 0, len(h.manifests))
	for _, m := range h.manifests {
		manifests = append(manifests, m)
	}
	if err := h.kv.Set(ctx, storage.KeyMcpServers, manifests); err != nil {
		h.logger.Error("persist mcp servers failed", "error", err)
	}
}

// rebuildIndexLocked rebuilds the server's flat index entries wholesale.
// Caller holds mu.
func (h *Host) rebuildIndexLocked(serverID string) {
	for key, loc := range h.index {
		if loc.serverID == serverID {
			delete(h.index, key)
		}
	}
	m, ok := h.manifests[serverID]
	if !ok {
		return
	}
	for _, tool := range m.Tools {
		h.index[serverID+":"+tool.Name] = toolLocation{serverID: serverID, toolName: tool.Name}
	}
}

// Register adds or replaces a server manifest and rebuilds its tool index.
func (h *Host) Register(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manifests[m.ID] = m
	h.rebuildIndexLocked(m.ID)
	h.persistLocked(ctx)
	return nil
}

// Unregister stops the server if running and removes its manifest and
// index entries.
func (h *Host) Unregister(ctx context.Context, serverID string) error {
	if err := h.Stop(ctx, serverID); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.manifests[serverID]; !ok {
		return fmt.Errorf("server %s not registered", serverID)
	}
	delete(h.manifests, serverID)
	h.rebuildIndexLocked(serverID)
	h.persistLocked(ctx)
	return nil
}

// Start brings a registered server up. Starting an already-started server
// is a no-op success: exactly one transport per server id.
func (h *Host) Start(ctx context.Context, serverID string) error {
	h.mu.Lock()
	m, registered := h.manifests[serverID]
	if !registered {
		h.mu.Unlock()
		return api.Errorf(api.CodeNotRegistered, "server %s not registered", serverID)
	}
	if _, running := h.active[serverID]; running {
		h.mu.Unlock()
		return nil
	}
	runtime, err := m.EffectiveRuntime()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	transport, err := h.factory(ctx, m)
	if err != nil {
		return api.Errorf(api.CodeToolFailed, "start server %s: %v", serverID, err)
	}
	client := NewClient(serverID, transport)
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return api.Errorf(api.CodeToolFailed, "initialize server %s: %v", serverID, err)
	}

	h.mu.Lock()
	if _, raced := h.active[serverID]; raced {
		// Another starter won; keep theirs.
		h.mu.Unlock()
		_ = client.Close()
		return nil
	}
	h.active[serverID] = &activeServer{client: client, runtime: runtime}
	h.mu.Unlock()

	h.logger.Info("mcp server started", "server", serverID, "runtime", string(runtime))
	if h.bus != nil {
		h.bus.Publish(bus.TopicServerStarted, serverID)
	}

	// Best-effort bridge sync; degraded bridge must not block local tools.
	if h.syncer != nil {
		if err := h.syncer.RegisterTools(ctx, serverID, m.Tools); err != nil {
			h.logger.Warn("bridge tool sync failed", "server", serverID, "error", err)
		}
	}
	return nil
}

// Stop closes the server's transport and removes it from the active map.
// Stopping a non-running server is a no-op.
func (h *Host) Stop(ctx context.Context, serverID string) error {
	h.mu.Lock()
	srv, running := h.active[serverID]
	if running {
		delete(h.active, serverID)
	}
	h.mu.Unlock()
	if !running {
		return nil
	}

	if err := srv.client.Close(); err != nil {
		h.logger.Warn("mcp server close failed", "server", serverID, "error", err)
	}
	h.logger.Info("mcp server stopped", "server", serverID)
	if h.bus != nil {
		h.bus.Publish(bus.TopicServerStopped, serverID)
	}
	if h.syncer != nil {
		if err := h.syncer.UnregisterTools(ctx, serverID); err != nil {
			h.logger.Warn("bridge tool unsync failed", "server", serverID, "error", err)
		}
	}
	return nil
}

// StopAll stops every running server. Used at shutdown.
func (h *Host) StopAll(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		_ = h.Stop(ctx, id)
	}
}

// CallTool validates the tool against the flat index and the active
// transport, then issues tools/call bounded by ToolCallTimeout. Timeouts
// and remote failures come back as an RPC-shaped error inside the result,
// never as a hang.
func (h *Host) CallTool(ctx context.Context, serverID, toolName string, args json.RawMessage) (ToolResult, error) {
	h.mu.Lock()
	if _, ok := h.index[serverID+":"+toolName]; !ok {
		h.mu.Unlock()
		return ToolResult{}, api.Errorf(api.CodeToolFailed, "unknown tool %s:%s", serverID, toolName)
	}
	srv, running := h.active[serverID]
	m := h.manifests[serverID]
	h.mu.Unlock()
	if !running {
		return ToolResult{}, api.Errorf(api.CodeToolFailed, "server %s is not started", serverID)
	}

	if tool, ok := m.Tool(toolName); ok {
		if err := ValidateArgs(tool, args); err != nil {
			return ToolResult{Error: &RPCError{Code: -32602, Message: err.Error()}}, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, ToolCallTimeout)
	defer cancel()

	result, err := srv.client.CallTool(callCtx, toolName, args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return ToolResult{Error: rpcErr}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ToolResult{Error: &RPCError{
				Code:    -32000,
				Message: fmt.Sprintf("tool call %s:%s timed out after %s", serverID, toolName, ToolCallTimeout),
			}}, nil
		}
		return ToolResult{Error: &RPCError{Code: -32603, Message: err.Error()}}, nil
	}
	return ToolResult{Result: result}, nil
}

// FindTool resolves a flat "serverId:toolName" reference.
func (h *Host) FindTool(ref string) (serverID, toolName string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	loc, ok := h.index[ref]
	if !ok {
		return "", "", false
	}
	return loc.serverID, loc.toolName, true
}

// ListServers returns all registered manifests with their running state.
type ServerStatus struct {
	Manifest *Manifest `json:"manifest"`
	Running  bool      `json:"running"`
	Runtime  Runtime   `json:"runtime"`
}

func (h *Host) ListServers() []ServerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ServerStatus, 0, len(h.manifests))
	for id, m := range h.manifests {
		runtime, _ := m.EffectiveRuntime()
		_, running := h.active[id]
		out = append(out, ServerStatus{Manifest: m, Running: running, Runtime: runtime})
	}
	return out
}

// ListTools flattens every registered server's tools with their
// "serverId:toolName" references.
type ToolRef struct {
	Ref        string         `json:"ref"`
	ServerID   string         `json:"serverId"`
	Descriptor ToolDescriptor `json:"descriptor"`
}

func (h *Host) ListTools() []ToolRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []ToolRef{}
	for id, m := range h.manifests {
		for _, tool := range m.Tools {
			out = append(out, ToolRef{
				Ref:        id + ":" + tool.Name,
				ServerID:   id,
				Descriptor: tool,
			})
		}
	}
	return out
}

// RunningCount returns the number of active transports.
func (h *Host) RunningCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}
