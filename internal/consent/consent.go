// Package consent brokers interactive permission prompts. At most one
// prompt is outstanding at a time; a newly arriving prompt force-dismisses
// the previous one so the UI never stacks consent dialogs.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/permissions"
)

// PromptTimeout bounds how long an unanswered prompt stays open before it
// is treated as dismissed.
const PromptTimeout = 120 * time.Second

// PromptEvent is broadcast on the bus when a prompt opens or closes. UI
// clients (popup, terminal modal) render it and answer via Respond.
type PromptEvent struct {
	ID          string   `json:"id"`
	Origin      string   `json:"origin"`
	Scopes      []string `json:"scopes"`
	Reason      string   `json:"reason,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	SessionName string   `json:"sessionName,omitempty"`
	TabID       int      `json:"tabId,omitempty"`
	Closed      bool     `json:"closed,omitempty"`
}

// Answer is a UI client's response to a prompt.
type Answer struct {
	Granted      bool     `json:"granted"`
	GrantType    string   `json:"grantType,omitempty"` // "once" or "always"
	AllowedTools []string `json:"allowedTools,omitempty"`
	// Deny marks a deliberate denial. A prompt closed without choosing
	// leaves this false so the scope stays re-askable.
	Deny bool `json:"deny,omitempty"`
}

type pendingPrompt struct {
	id       string
	req      permissions.PromptRequest
	decision permissions.Decision
	done     chan struct{}
	resolved bool
}

// Broker is the single-slot prompt state machine. It implements
// permissions.Prompter.
type Broker struct {
	mu      sync.Mutex
	pending *pendingPrompt
	bus     *bus.Bus
	logger  *slog.Logger
	timeout time.Duration
}

// NewBroker creates a consent broker publishing prompt events on b.
func NewBroker(b *bus.Bus, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{bus: b, logger: logger, timeout: PromptTimeout}
}

// SetTimeout overrides the prompt timeout. Used by tests.
func (br *Broker) SetTimeout(d time.Duration) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.timeout = d
}

// Prompt opens a consent prompt and blocks until it is answered, dismissed,
// timed out, or the context is canceled. Any previously outstanding prompt
// is force-dismissed first.
func (br *Broker) Prompt(ctx context.Context, req permissions.PromptRequest) (permissions.Decision, error) {
	br.mu.Lock()
	if br.pending != nil {
		br.resolveLocked(br.pending, permissions.Decision{})
	}
	p := &pendingPrompt{
		id:   uuid.NewString(),
		req:  req,
		done: make(chan struct{}),
	}
	br.pending = p
	timeout := br.timeout
	br.mu.Unlock()

	br.publish(p, false)
	br.logger.Info("consent prompt opened",
		"prompt_id", p.id,
		"origin", req.Origin,
		"scopes", scopeNames(req.Scopes))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		br.dismiss(p, "timeout")
	case <-ctx.Done():
		br.dismiss(p, "context_canceled")
	}

	br.mu.Lock()
	decision := p.decision
	if br.pending == p {
		br.pending = nil
	}
	br.mu.Unlock()

	br.publish(p, true)
	return decision, nil
}

// Respond resolves the outstanding prompt by ID. Unknown or stale IDs are
// rejected so a late click cannot answer a different origin's prompt.
func (br *Broker) Respond(id string, ans Answer) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	p := br.pending
	if p == nil || p.id != id {
		return fmt.Errorf("no pending prompt with id %q", id)
	}

	decision := permissions.Decision{
		Granted:      ans.Granted,
		AllowedTools: ans.AllowedTools,
	}
	if ans.Granted {
		switch ans.GrantType {
		case "always":
			decision.GrantType = permissions.GrantedAlways
		default:
			decision.GrantType = permissions.GrantedOnce
		}
	} else {
		decision.ExplicitDeny = ans.Deny
	}
	br.resolveLocked(p, decision)
	return nil
}

// Dismiss closes the outstanding prompt without an answer. The resulting
// decision is a non-sticky denial.
func (br *Broker) Dismiss(id string) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	p := br.pending
	if p == nil || p.id != id {
		return fmt.Errorf("no pending prompt with id %q", id)
	}
	br.resolveLocked(p, permissions.Decision{})
	return nil
}

// Pending returns the outstanding prompt event, or nil when no prompt is
// open. Used by late-connecting UI clients to catch up.
func (br *Broker) Pending() *PromptEvent {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.pending == nil {
		return nil
	}
	ev := br.eventFor(br.pending, false)
	return &ev
}

func (br *Broker) dismiss(p *pendingPrompt, reason string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if !p.resolved {
		br.logger.Info("consent prompt dismissed", "prompt_id", p.id, "reason", reason)
		br.resolveLocked(p, permissions.Decision{})
	}
}

// resolveLocked records the decision and unblocks the waiter. Caller holds mu.
func (br *Broker) resolveLocked(p *pendingPrompt, d permissions.Decision) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.decision = d
	close(p.done)
}

func (br *Broker) publish(p *pendingPrompt, closed bool) {
	if br.bus == nil {
		return
	}
	br.bus.Publish(bus.TopicPermissionPrompt, br.eventFor(p, closed))
}

func (br *Broker) eventFor(p *pendingPrompt, closed bool) PromptEvent {
	return PromptEvent{
		ID:          p.id,
		Origin:      p.req.Origin,
		Scopes:      scopeNames(p.req.Scopes),
		Reason:      p.req.Reason,
		Tools:       p.req.Tools,
		SessionName: p.req.SessionName,
		TabID:       p.req.TabID,
		Closed:      closed,
	}
}

func scopeNames(scopes []permissions.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
