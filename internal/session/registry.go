package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/bus"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	EventCreated        EventType = "session_created"
	EventTerminated     EventType = "session_terminated"
	EventCapabilityUsed EventType = "session_capability_used"
)

// Event carries one lifecycle transition to listeners.
type Event struct {
	Type       EventType
	SessionID  string
	Origin     string
	Capability string // for capability_used: "llm", "tool", "browser"
	Detail     string // tool name or browser operation, when applicable
}

// Listener receives lifecycle events synchronously. A panicking listener is
// recovered and logged; it never breaks the triggering operation or other
// listeners.
type Listener func(Event)

// Registry is the in-memory session table. It is process-wide but
// constructed explicitly so tests can run isolated instances.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	listeners []Listener
	bus       *bus.Bus
	logger    *slog.Logger
	now       func() time.Time
}

// RegistryConfig holds Registry dependencies.
type RegistryConfig struct {
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time // test clock; nil uses time.Now
}

// NewRegistry creates an empty session registry.
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
		sessions: make(map[string]*Session),
		bus:      cfg.Bus,
		logger:   logger,
		now:      now,
	}
}

// AddListener registers a synchronous lifecycle listener.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// CreateImplicitSession opens a default-capability session: LLM allowed,
// tools and browser denied. No permission check happens here; every
// capability use is gated later.
func (r *Registry) CreateImplicitSession(origin string, opts ImplicitOptions, tabID int) Session {
	now := r.now()
	s := &Session{
		ID:     uuid.NewString(),
		Kind:   Implicit,
		Origin: origin,
		TabID:  tabID,
		Name:   opts.Name,
		Status: StatusActive,
		Capabilities: Capabilities{
			LLM: LLMCapability{Allowed: true, Provider: opts.Provider, Model: opts.Model},
		},
		CreatedAt:    now,
		LastActiveAt: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	snapshot := *s
	r.mu.Unlock()

	r.emit(Event{Type: EventCreated, SessionID: s.ID, Origin: origin})
	return snapshot
}

// CreateExplicitSession opens a session with a caller-shaped envelope. The
// tool list is the intersection of the request and the origin's allow-list,
// never a superset of origin grants.
func (r *Registry) CreateExplicitSession(origin string, req Request, originAllowedTools []string, tabID int) Session {
	now := r.now()
	caps := buildCapabilities(req, originAllowedTools, now)

	s := &Session{
		ID:           uuid.NewString(),
		Kind:         Explicit,
		Origin:       origin,
		TabID:        tabID,
		Name:         req.Name,
		Status:       StatusActive,
		Capabilities: caps,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	snapshot := *s
	r.mu.Unlock()

	r.emit(Event{Type: EventCreated, SessionID: s.ID, Origin: origin})
	return snapshot
}

func buildCapabilities(req Request, originAllowedTools []string, now time.Time) Capabilities {
	caps := Capabilities{
		LLM: LLMCapability{Allowed: req.LLM, Provider: req.Provider, Model: req.Model},
		Browser: BrowserCapability{
			ReadActiveTab: req.ReadActiveTab,
			Interact:      req.Interact,
			Screenshot:    req.Screenshot,
		},
		Limits: Limits{MaxToolCalls: req.MaxToolCalls},
	}
	if len(req.Tools) > 0 {
		caps.Tools = ToolCapability{
			Allowed:      true,
			AllowedTools: intersectTools(req.Tools, originAllowedTools),
		}
	}
	if req.TTLMinutes > 0 {
		caps.Limits.ExpiresAt = now.Add(time.Duration(req.TTLMinutes) * time.Minute)
	}
	return caps
}

func intersectTools(requested, originAllowed []string) []string {
	allowed := make(map[string]struct{}, len(originAllowed))
	for _, t := range originAllowed {
		allowed[t] = struct{}{}
	}
	out := []string{}
	for _, t := range requested {
		if _, ok := allowed[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// GetValidatedSession is the only sanctioned read path for privileged
// operations. It enforces origin isolation and lazily terminates sessions
// whose absolute TTL has passed.
func (r *Registry) GetValidatedSession(id, origin string) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status == StatusTerminated {
		r.mu.Unlock()
		return Session{}, api.Errorf(api.CodeSessionNotFound, "session %s not found", id)
	}
	if s.Origin != origin {
		r.mu.Unlock()
		return Session{}, api.Errorf(api.CodePermissionDenied, "session %s belongs to another origin", id)
	}
	if s.Expired(r.now()) {
		s.Status = StatusTerminated
		s.LastActiveAt = r.now()
		r.mu.Unlock()
		r.emit(Event{Type: EventTerminated, SessionID: id, Origin: s.Origin})
		return Session{}, api.Errorf(api.CodeSessionNotFound, "session %s expired", id)
	}
	snapshot := *s
	r.mu.Unlock()
	return snapshot, nil
}

// Get looks up a session without origin validation. Internal use only.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// RecordPrompt appends a user/assistant exchange to the session history and
// bumps the prompt counter.
func (r *Registry) RecordPrompt(id, userMsg, assistantMsg string) error {
	now := r.now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status == StatusTerminated {
		r.mu.Unlock()
		return api.Errorf(api.CodeSessionNotFound, "session %s not found", id)
	}
	s.History = append(s.History,
		Message{Role: "user", Content: userMsg, Timestamp: now},
		Message{Role: "assistant", Content: assistantMsg, Timestamp: now},
	)
	s.Usage.PromptCount++
	s.LastActiveAt = now
	origin := s.Origin
	r.mu.Unlock()

	r.emit(Event{Type: EventCapabilityUsed, SessionID: id, Origin: origin, Capability: "llm"})
	return nil
}

// RecordToolCall consumes one unit of tool budget. It returns false, without
// incrementing, when the budget is exhausted; callers must treat false as a
// hard stop.
func (r *Registry) RecordToolCall(id, toolName string) bool {
	now := r.now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status == StatusTerminated {
		r.mu.Unlock()
		return false
	}
	if max := s.Capabilities.Limits.MaxToolCalls; max > 0 && s.Usage.ToolCallCount >= max {
		r.mu.Unlock()
		return false
	}
	s.Usage.ToolCallCount++
	s.LastActiveAt = now
	origin := s.Origin
	r.mu.Unlock()

	r.emit(Event{Type: EventCapabilityUsed, SessionID: id, Origin: origin, Capability: "tool", Detail: toolName})
	return true
}

// RecordBrowserAccess marks one browser operation against the session.
func (r *Registry) RecordBrowserAccess(id, operation string) {
	now := r.now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	s.LastActiveAt = now
	origin := s.Origin
	r.mu.Unlock()

	r.emit(Event{Type: EventCapabilityUsed, SessionID: id, Origin: origin, Capability: "browser", Detail: operation})
}

// CanUseLLM is a pure envelope check with no side effects.
func (r *Registry) CanUseLLM(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.Status == StatusActive && s.Capabilities.LLM.Allowed
}

// CanCallTool checks the envelope only; the live origin allow-list and the
// budget are separate gates.
func (r *Registry) CanCallTool(id, toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusActive || !s.Capabilities.Tools.Allowed {
		return false
	}
	for _, t := range s.Capabilities.Tools.AllowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// CanUseBrowser checks the envelope for one browser operation: "read",
// "interact", or "screenshot".
func (r *Registry) CanUseBrowser(id, operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusActive {
		return false
	}
	switch operation {
	case "read":
		return s.Capabilities.Browser.ReadActiveTab
	case "interact":
		return s.Capabilities.Browser.Interact
	case "screenshot":
		return s.Capabilities.Browser.Screenshot
	}
	return false
}

// TerminateSession marks a session terminated but keeps it readable for a
// short retention window. Requires origin match.
func (r *Registry) TerminateSession(id, origin string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return api.Errorf(api.CodeSessionNotFound, "session %s not found", id)
	}
	if s.Origin != origin {
		r.mu.Unlock()
		return api.Errorf(api.CodePermissionDenied, "session %s belongs to another origin", id)
	}
	already := s.Status == StatusTerminated
	s.Status = StatusTerminated
	s.LastActiveAt = r.now()
	r.mu.Unlock()

	if !already {
		r.emit(Event{Type: EventTerminated, SessionID: id, Origin: origin})
	}
	return nil
}

// DestroySession removes a session entirely. Requires origin match.
func (r *Registry) DestroySession(id, origin string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return api.Errorf(api.CodeSessionNotFound, "session %s not found", id)
	}
	if s.Origin != origin {
		r.mu.Unlock()
		return api.Errorf(api.CodePermissionDenied, "session %s belongs to another origin", id)
	}
	wasActive := s.Status == StatusActive
	delete(r.sessions, id)
	r.mu.Unlock()

	if wasActive {
		r.emit(Event{Type: EventTerminated, SessionID: id, Origin: origin})
	}
	return nil
}

// CloneSession creates a fresh session with the same shape but empty
// history, a full TTL, and a reset budget. Requires origin match.
func (r *Registry) CloneSession(id, origin string) (string, error) {
	src, err := r.GetValidatedSession(id, origin)
	if err != nil {
		return "", err
	}

	if src.Kind == Implicit {
		clone := r.CreateImplicitSession(origin, ImplicitOptions{
			Name:     src.Name,
			Provider: src.Capabilities.LLM.Provider,
			Model:    src.Capabilities.LLM.Model,
		}, src.TabID)
		return clone.ID, nil
	}

	// Re-derive the request from the envelope so the clone round-trips
	// through the same build/intersect path as creation.
	req := Request{
		Name:          src.Name,
		LLM:           src.Capabilities.LLM.Allowed,
		Provider:      src.Capabilities.LLM.Provider,
		Model:         src.Capabilities.LLM.Model,
		Tools:         src.Capabilities.Tools.AllowedTools,
		ReadActiveTab: src.Capabilities.Browser.ReadActiveTab,
		Interact:      src.Capabilities.Browser.Interact,
		Screenshot:    src.Capabilities.Browser.Screenshot,
		MaxToolCalls:  src.Capabilities.Limits.MaxToolCalls,
	}
	if exp := src.Capabilities.Limits.ExpiresAt; !exp.IsZero() {
		ttl := exp.Sub(src.CreatedAt)
		req.TTLMinutes = int(ttl / time.Minute)
	}
	clone := r.CreateExplicitSession(origin, req, src.Capabilities.Tools.AllowedTools, src.TabID)
	return clone.ID, nil
}

// ListByOrigin returns snapshots of the origin's sessions.
func (r *Registry) ListByOrigin(origin string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.Origin == origin {
			out = append(out, *s)
		}
	}
	return out
}

// Count returns the number of tracked sessions, active or terminated.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep is the garbage collection pass: terminate sessions idle past
// IdleExpiry, hard-expire sessions past their absolute TTL, and purge
// terminated sessions idle past TerminatedRetention.
func (r *Registry) Sweep() {
	now := r.now()
	var terminated []Event

	r.mu.Lock()
	for id, s := range r.sessions {
		switch s.Status {
		case StatusActive:
			if s.Expired(now) || now.Sub(s.LastActiveAt) > IdleExpiry {
				s.Status = StatusTerminated
				s.LastActiveAt = now
				terminated = append(terminated, Event{Type: EventTerminated, SessionID: id, Origin: s.Origin})
			}
		case StatusTerminated:
			if now.Sub(s.LastActiveAt) > TerminatedRetention {
				delete(r.sessions, id)
			}
		}
	}
	r.mu.Unlock()

	for _, ev := range terminated {
		r.emit(ev)
	}
	if n := len(terminated); n > 0 {
		r.logger.Debug("session sweep terminated sessions", "count", n)
	}
}

// emit notifies listeners synchronously, recovering panics, then publishes
// to the bus.
func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("session listener panicked", "event", string(ev.Type), "panic", rec)
				}
			}()
			l(ev)
		}()
	}

	if r.bus == nil {
		return
	}
	payload := bus.SessionEvent{
		SessionID:  ev.SessionID,
		Origin:     ev.Origin,
		Capability: ev.Capability,
		Detail:     ev.Detail,
	}
	switch ev.Type {
	case EventCreated:
		r.bus.Publish(bus.TopicSessionCreated, payload)
	case EventTerminated:
		r.bus.Publish(bus.TopicSessionTerminated, payload)
	case EventCapabilityUsed:
		r.bus.Publish(bus.TopicSessionCapabilityUsed, payload)
	}
}
