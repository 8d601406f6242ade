// Package agents implements the multi-agent registry: per-origin agent
// identities, discovery with cross-origin visibility gating, fire-and-forget
// messaging, request/response invocation with timeouts, and the
// orchestration primitives composed on top of invocation.
package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/permissions"
)

// DefaultInvocationTimeout bounds an agent invocation when the caller does
// not set one.
const DefaultInvocationTimeout = 30 * time.Second

// Usage counts attempts, not successes: counters are incremented before the
// handler runs.
type Usage struct {
	MessagesSent        int `json:"messagesSent"`
	MessagesReceived    int `json:"messagesReceived"`
	InvocationsMade     int `json:"invocationsMade"`
	InvocationsReceived int `json:"invocationsReceived"`
}

// Agent is one registered identity tied to an origin and tab.
type Agent struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Origin             string    `json:"origin"`
	TabID              int       `json:"tabId,omitempty"`
	Capabilities       []string  `json:"capabilities,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	AcceptsInvocations bool      `json:"acceptsInvocations"`
	AcceptsMessages    bool      `json:"acceptsMessages"`
	Status             string    `json:"status"`
	Usage              Usage     `json:"usage"`
	RegisteredAt       time.Time `json:"registeredAt"`
	LastActiveAt       time.Time `json:"lastActiveAt"`
}

// RegisterRequest is the caller-supplied agent declaration.
type RegisterRequest struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	AcceptsInvocations bool     `json:"acceptsInvocations"`
	AcceptsMessages    bool     `json:"acceptsMessages"`
}

// Message is delivered to a recipient's message handler.
type Message struct {
	FromAgentID string `json:"fromAgentId"`
	FromOrigin  string `json:"fromOrigin"`
	ToAgentID   string `json:"toAgentId"`
	Payload     any    `json:"payload"`
	TraceID     string `json:"traceId,omitempty"`
}

// Invocation is delivered to a target's invocation handler.
type Invocation struct {
	FromAgentID string `json:"fromAgentId"`
	FromOrigin  string `json:"fromOrigin"`
	Task        any    `json:"task"`
	TraceID     string `json:"traceId,omitempty"`
}

// MessageHandler receives fire-and-forget messages. An error is reported
// synchronously to the sender; there is no retry or queueing.
type MessageHandler func(ctx context.Context, msg Message) error

// InvocationHandler serves request/response invocations.
type InvocationHandler func(ctx context.Context, inv Invocation) (any, error)

// ScopeChecker is the slice of the permission store the registry needs for
// cross-origin gating. *permissions.Store satisfies it.
type ScopeChecker interface {
	CheckPermissions(ctx context.Context, origin string, scopes []permissions.Scope, tabID int) (permissions.CheckResult, error)
}

// DiscoverQuery filters discovery results.
type DiscoverQuery struct {
	Capabilities       []string `json:"capabilities,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	IncludeSameOrigin  bool     `json:"includeSameOrigin"`
	IncludeCrossOrigin bool     `json:"includeCrossOrigin"`
}

// Registry is the in-memory agent table.
type Registry struct {
	mu                 sync.RWMutex
	agents             map[string]*Agent
	originAgents       map[string]string // single-agent-per-page fast path
	messageHandlers    map[string]MessageHandler
	invocationHandlers map[string]InvocationHandler
	perms              ScopeChecker
	bus                *bus.Bus
	logger             *slog.Logger
	now                func() time.Time
}

// RegistryConfig holds Registry dependencies.
type RegistryConfig struct {
	Perms  ScopeChecker
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// NewRegistry creates an empty agent registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		agents:             make(map[string]*Agent),
		originAgents:       make(map[string]string),
		messageHandlers:    make(map[string]MessageHandler),
		invocationHandlers: make(map[string]InvocationHandler),
		perms:              cfg.Perms,
		bus:                cfg.Bus,
		logger:             logger,
		now:                now,
	}
}

// Register creates an agent identity for (origin, tab). The latest
// registration becomes the origin's primary agent.
func (r *Registry) Register(req RegisterRequest, origin string, tabID int) Agent {
	now := r.now()
	a := &Agent{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Description:        req.Description,
		Origin:             origin,
		TabID:              tabID,
		Capabilities:       append([]string(nil), req.Capabilities...),
		Tags:               append([]string(nil), req.Tags...),
		AcceptsInvocations: req.AcceptsInvocations,
		AcceptsMessages:    req.AcceptsMessages,
		Status:             "active",
		RegisteredAt:       now,
		LastActiveAt:       now,
	}

	r.mu.Lock()
	r.agents[a.ID] = a
	r.originAgents[origin] = a.ID
	snapshot := *a
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentRegistered, snapshot)
	}
	r.logger.Info("agent registered", "agent_id", a.ID, "origin", origin, "name", req.Name)
	return snapshot
}

// SetMessageHandler installs the delivery callback for an agent.
func (r *Registry) SetMessageHandler(agentID string, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.messageHandlers, agentID)
		return
	}
	r.messageHandlers[agentID] = h
}

// SetInvocationHandler installs the invocation callback for an agent.
func (r *Registry) SetInvocationHandler(agentID string, h InvocationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.invocationHandlers, agentID)
		return
	}
	r.invocationHandlers[agentID] = h
}

// Unregister removes an agent. Requires origin match.
func (r *Registry) Unregister(agentID, origin string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return api.Errorf(api.CodeAgentNotFound, "agent %s not found", agentID)
	}
	if a.Origin != origin {
		r.mu.Unlock()
		return api.Errorf(api.CodePermissionDenied, "agent %s belongs to another origin", agentID)
	}
	r.removeLocked(agentID, a)
	snapshot := *a
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentUnregistered, snapshot)
	}
	return nil
}

// UnregisterTab destroys every agent owned by a closed or navigated tab.
func (r *Registry) UnregisterTab(tabID int) {
	r.mu.Lock()
	var removed []Agent
	for id, a := range r.agents {
		if a.TabID == tabID {
			r.removeLocked(id, a)
			removed = append(removed, *a)
		}
	}
	r.mu.Unlock()

	for _, a := range removed {
		if r.bus != nil {
			r.bus.Publish(bus.TopicAgentUnregistered, a)
		}
	}
}

// removeLocked deletes the agent and its handler entries. Caller holds mu.
func (r *Registry) removeLocked(id string, a *Agent) {
	delete(r.agents, id)
	delete(r.messageHandlers, id)
	delete(r.invocationHandlers, id)
	if r.originAgents[a.Origin] == id {
		delete(r.originAgents, a.Origin)
	}
}

// Get returns an agent snapshot by ID.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// PrimaryForOrigin returns the origin's most recently registered agent.
func (r *Registry) PrimaryForOrigin(origin string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.originAgents[origin]
	if !ok {
		return Agent{}, false
	}
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Discover lists agents visible to queryOrigin. Cross-origin agents are
// included only when the caller holds agents:crossOrigin; visibility is
// never transitive.
func (r *Registry) Discover(ctx context.Context, queryOrigin string, q DiscoverQuery, tabID int) ([]Agent, error) {
	crossAllowed := false
	if q.IncludeCrossOrigin {
		check, err := r.perms.CheckPermissions(ctx, queryOrigin, []permissions.Scope{permissions.ScopeAgentsCrossOrigin}, tabID)
		if err != nil {
			return nil, err
		}
		crossAllowed = check.Granted
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Agent{}
	for _, a := range r.agents {
		same := a.Origin == queryOrigin
		if same && !q.IncludeSameOrigin {
			continue
		}
		if !same && !crossAllowed {
			continue
		}
		if !hasAll(a.Capabilities, q.Capabilities) || !hasAll(a.Tags, q.Tags) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func hasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// requireCrossOrigin gates a cross-origin interaction on the SENDER's
// origin holding agents:crossOrigin. Same-origin interactions pass freely.
func (r *Registry) requireCrossOrigin(ctx context.Context, fromOrigin, toOrigin string, tabID int) error {
	if fromOrigin == toOrigin {
		return nil
	}
	check, err := r.perms.CheckPermissions(ctx, fromOrigin, []permissions.Scope{permissions.ScopeAgentsCrossOrigin}, tabID)
	if err != nil {
		return api.AsError(err)
	}
	if !check.Granted {
		return api.Errorf(api.CodeScopeRequired, "cross-origin agent access requires %s", permissions.ScopeAgentsCrossOrigin)
	}
	return nil
}

// SendMessage delivers a fire-and-forget message. Delivery means "handler
// returned without error"; there is no queueing for offline recipients.
func (r *Registry) SendMessage(ctx context.Context, fromAgentID, toAgentID string, payload any, fromOrigin string, tabID int) error {
	r.mu.Lock()
	to, ok := r.agents[toAgentID]
	if !ok {
		r.mu.Unlock()
		return api.Errorf(api.CodeAgentNotFound, "agent %s not found", toAgentID)
	}
	if !to.AcceptsMessages {
		r.mu.Unlock()
		return api.Errorf(api.CodeNotAccepted, "agent %s does not accept messages", toAgentID)
	}
	handler := r.messageHandlers[toAgentID]
	toOrigin := to.Origin
	r.mu.Unlock()

	if handler == nil {
		return api.Errorf(api.CodeNoHandler, "agent %s has no message handler", toAgentID)
	}
	if err := r.requireCrossOrigin(ctx, fromOrigin, toOrigin, tabID); err != nil {
		return err
	}

	now := r.now()
	r.mu.Lock()
	if from, ok := r.agents[fromAgentID]; ok {
		from.Usage.MessagesSent++
		from.LastActiveAt = now
	}
	to.Usage.MessagesReceived++
	to.LastActiveAt = now
	r.mu.Unlock()

	msg := Message{
		FromAgentID: fromAgentID,
		FromOrigin:  fromOrigin,
		ToAgentID:   toAgentID,
		Payload:     payload,
	}
	if err := handler(ctx, msg); err != nil {
		return api.Errorf(api.CodeInvocationFailed, "message delivery to %s failed: %v", toAgentID, err)
	}
	return nil
}

// InvocationRequest is one request/response invocation.
type InvocationRequest struct {
	TargetAgentID string        `json:"targetAgentId"`
	Task          any           `json:"task"`
	Timeout       time.Duration `json:"-"`
}

// Invoke runs the target's invocation handler with a timeout race. A
// handler that resolves after the timeout is not canceled; its result is
// discarded. Usage counters reflect attempts, incremented before the
// handler runs.
func (r *Registry) Invoke(ctx context.Context, req InvocationRequest, fromAgentID, fromOrigin, traceID string, tabID int) (any, error) {
	r.mu.Lock()
	target, ok := r.agents[req.TargetAgentID]
	if !ok {
		r.mu.Unlock()
		return nil, api.Errorf(api.CodeAgentNotFound, "agent %s not found", req.TargetAgentID)
	}
	if !target.AcceptsInvocations {
		r.mu.Unlock()
		return nil, api.Errorf(api.CodeNotAccepted, "agent %s does not accept invocations", req.TargetAgentID)
	}
	handler := r.invocationHandlers[req.TargetAgentID]
	targetOrigin := target.Origin
	r.mu.Unlock()

	if handler == nil {
		return nil, api.Errorf(api.CodeNoHandler, "agent %s has no invocation handler", req.TargetAgentID)
	}
	if err := r.requireCrossOrigin(ctx, fromOrigin, targetOrigin, tabID); err != nil {
		return nil, err
	}

	now := r.now()
	r.mu.Lock()
	if from, ok := r.agents[fromAgentID]; ok {
		from.Usage.InvocationsMade++
		from.LastActiveAt = now
	}
	target.Usage.InvocationsReceived++
	target.LastActiveAt = now
	r.mu.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultInvocationTimeout
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler(ctx, Invocation{
			FromAgentID: fromAgentID,
			FromOrigin:  fromOrigin,
			Task:        req.Task,
			TraceID:     traceID,
		})
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			return nil, api.Errorf(api.CodeInvocationFailed, "agent %s invocation failed: %v", req.TargetAgentID, out.err)
		}
		return out.result, nil
	case <-timer.C:
		return nil, api.Errorf(api.CodeTimeout, "agent %s invocation timed out after %s", req.TargetAgentID, timeout)
	case <-ctx.Done():
		return nil, api.Errorf(api.CodeTimeout, "agent %s invocation canceled: %v", req.TargetAgentID, ctx.Err())
	}
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
