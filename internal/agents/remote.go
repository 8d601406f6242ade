package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RemoteAgent is a handle to an out-of-process agent reached over HTTP.
// Not persisted; reconnect is caller-driven.
type RemoteAgent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Reachable    bool      `json:"reachable"`
	LastPing     time.Time `json:"lastPing"`
}

// RemoteRegistry tracks connected remote agents. Staleness between pings
// is accepted; callers poll explicitly.
type RemoteRegistry struct {
	mu     sync.RWMutex
	agents map[string]*RemoteAgent
	client *http.Client
	logger *slog.Logger
}

// NewRemoteRegistry creates a remote-agent registry. A nil client gets a
// short-timeout default.
func NewRemoteRegistry(client *http.Client, logger *slog.Logger) *RemoteRegistry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteRegistry{
		agents: make(map[string]*RemoteAgent),
		client: client,
		logger: logger,
	}
}

type agentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// Connect probes endpoint's /agent-info and registers the remote agent.
// Any failure returns nil: an unreachable agent is not a hard error.
func (r *RemoteRegistry) Connect(ctx context.Context, endpoint string) *RemoteAgent {
	endpoint = strings.TrimSuffix(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/agent-info", nil)
	if err != nil {
		r.logger.Warn("remote agent connect failed", "endpoint", endpoint, "error", err)
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("remote agent unreachable", "endpoint", endpoint, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("remote agent rejected probe", "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}

	var info agentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		r.logger.Warn("remote agent sent malformed info", "endpoint", endpoint, "error", err)
		return nil
	}
	if info.ID == "" {
		info.ID = endpoint
	}

	agent := &RemoteAgent{
		ID:           info.ID,
		Name:         info.Name,
		Endpoint:     endpoint,
		Capabilities: info.Capabilities,
		Reachable:    true,
		LastPing:     time.Now(),
	}
	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	r.logger.Info("remote agent connected", "agent_id", agent.ID, "endpoint", endpoint)
	snapshot := *agent
	return &snapshot
}

// Ping re-probes the agent's /health and updates its reachable flag.
func (r *RemoteRegistry) Ping(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("remote agent %s not connected", id)
	}

	reachable := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.Endpoint+"/health", nil)
	if err == nil {
		resp, doErr := r.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			reachable = resp.StatusCode == http.StatusOK
		}
	}

	r.mu.Lock()
	agent.Reachable = reachable
	agent.LastPing = time.Now()
	r.mu.Unlock()
	return reachable, nil
}

// PingAll re-probes every connected remote agent. Used by the maintenance
// sweep.
func (r *RemoteRegistry) PingAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if _, err := r.Ping(ctx, id); err != nil {
			r.logger.Debug("remote agent ping failed", "agent_id", id, "error", err)
		}
	}
}

// Get returns a snapshot of one remote agent.
func (r *RemoteRegistry) Get(id string) (RemoteAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return RemoteAgent{}, false
	}
	return *a, true
}

// List returns snapshots of all connected remote agents.
func (r *RemoteRegistry) List() []RemoteAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// Disconnect forgets a remote agent.
func (r *RemoteRegistry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}
