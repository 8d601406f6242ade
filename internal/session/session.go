// Package session tracks ephemeral capability-bounded sessions. A session
// is the unit of LLM, tool, and browser usage for one origin; it carries a
// capability envelope, usage counters, and a prompt history. Sessions are
// deliberately not persisted: a process restart loses them and callers
// recreate.
package session

import (
	"time"
)

// Kind distinguishes how a session was created.
type Kind string

const (
	Implicit Kind = "implicit"
	Explicit Kind = "explicit"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Garbage collection thresholds.
const (
	IdleExpiry          = time.Hour
	TerminatedRetention = 5 * time.Minute
)

// LLMCapability describes the model access a session holds. Provider and
// model are hints resolved by the bridge's provider registry when empty.
type LLMCapability struct {
	Allowed  bool   `json:"allowed"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ToolCapability lists the MCP tools a session may call.
type ToolCapability struct {
	Allowed      bool     `json:"allowed"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// BrowserCapability describes the tab access a session holds.
type BrowserCapability struct {
	ReadActiveTab bool `json:"readActiveTab"`
	Interact      bool `json:"interact"`
	Screenshot    bool `json:"screenshot"`
}

// Limits bounds a session's lifetime and tool usage. Zero values mean
// unbounded.
type Limits struct {
	MaxToolCalls int       `json:"maxToolCalls,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Capabilities is a session's full envelope. It is a snapshot bounded by
// the origin's grants at creation time; live grants are re-checked at use
// time so revocation reaches open sessions.
type Capabilities struct {
	LLM     LLMCapability     `json:"llm"`
	Tools   ToolCapability    `json:"tools"`
	Browser BrowserCapability `json:"browser"`
	Limits  Limits            `json:"limits,omitempty"`
}

// Usage counts consumed budget.
type Usage struct {
	PromptCount   int `json:"promptCount"`
	ToolCallCount int `json:"toolCallCount"`
}

// Message is one history entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one ephemeral capability-bounded unit of work.
type Session struct {
	ID           string       `json:"sessionId"`
	Kind         Kind         `json:"type"`
	Origin       string       `json:"origin"`
	TabID        int          `json:"tabId,omitempty"`
	Name         string       `json:"name,omitempty"`
	Status       Status       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	Usage        Usage        `json:"usage"`
	History      []Message    `json:"history,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
}

// Request is the caller's explicit-session creation payload. The tool list
// is a wish; the registry intersects it with the origin's allow-list.
type Request struct {
	Name          string   `json:"name,omitempty"`
	LLM           bool     `json:"llm"`
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	ReadActiveTab bool     `json:"readActiveTab,omitempty"`
	Interact      bool     `json:"interact,omitempty"`
	Screenshot    bool     `json:"screenshot,omitempty"`
	MaxToolCalls  int      `json:"maxToolCalls,omitempty"`
	TTLMinutes    int      `json:"ttlMinutes,omitempty"`
}

// ImplicitOptions tunes implicit-session creation.
type ImplicitOptions struct {
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ToolCallsRemaining reports remaining budget, or -1 when unbounded.
func (s *Session) ToolCallsRemaining() int {
	if s.Capabilities.Limits.MaxToolCalls <= 0 {
		return -1
	}
	left := s.Capabilities.Limits.MaxToolCalls - s.Usage.ToolCallCount
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the session's absolute TTL has passed.
func (s *Session) Expired(now time.Time) bool {
	exp := s.Capabilities.Limits.ExpiresAt
	return !exp.IsZero() && !now.Before(exp)
}
