package session

import (
	"context"
	"fmt"

	"github.com/harborhq/harbor/internal/permissions"
)

// CapabilityKind names one checkable session capability.
type CapabilityKind string

const (
	CapabilityLLM               CapabilityKind = "llm"
	CapabilityTools             CapabilityKind = "tools"
	CapabilityBrowserRead       CapabilityKind = "browser.read"
	CapabilityBrowserInteract   CapabilityKind = "browser.interact"
	CapabilityBrowserScreenshot CapabilityKind = "browser.screenshot"
)

// Outcome is the result of a capability check.
type Outcome struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Validator reconciles a session's capability envelope (snapshot) with the
// origin's live grants (authoritative). Both must pass: the envelope bounds
// what the session asked for, the live check makes revocation effective
// against already-open sessions.
type Validator struct {
	Perms *permissions.Store
}

// NewValidator creates a capability validator over the permission store.
func NewValidator(perms *permissions.Store) *Validator {
	return &Validator{Perms: perms}
}

func scopeFor(cap CapabilityKind) (permissions.Scope, bool) {
	switch cap {
	case CapabilityLLM:
		return permissions.ScopeModelPrompt, true
	case CapabilityTools:
		return permissions.ScopeToolsCall, true
	case CapabilityBrowserRead:
		return permissions.ScopeActiveTabRead, true
	case CapabilityBrowserInteract:
		return permissions.ScopeActiveTabInteract, true
	case CapabilityBrowserScreenshot:
		return permissions.ScopeActiveTabScreenshot, true
	}
	return "", false
}

func envelopeAllows(s Session, cap CapabilityKind) bool {
	switch cap {
	case CapabilityLLM:
		return s.Capabilities.LLM.Allowed
	case CapabilityTools:
		return s.Capabilities.Tools.Allowed
	case CapabilityBrowserRead:
		return s.Capabilities.Browser.ReadActiveTab
	case CapabilityBrowserInteract:
		return s.Capabilities.Browser.Interact
	case CapabilityBrowserScreenshot:
		return s.Capabilities.Browser.Screenshot
	}
	return false
}

// CheckCapability is the two-stage check: the session envelope first, then
// the origin's live grant for the corresponding scope.
func (v *Validator) CheckCapability(ctx context.Context, s Session, cap CapabilityKind, tabID int) (Outcome, error) {
	if !envelopeAllows(s, cap) {
		return Outcome{Reason: fmt.Sprintf("session does not include capability %q", cap)}, nil
	}
	scope, ok := scopeFor(cap)
	if !ok {
		return Outcome{Reason: fmt.Sprintf("unknown capability %q", cap)}, nil
	}
	check, err := v.Perms.CheckPermissions(ctx, s.Origin, []permissions.Scope{scope}, tabID)
	if err != nil {
		return Outcome{}, err
	}
	if !check.Granted {
		return Outcome{Reason: fmt.Sprintf("origin grant for %q is no longer valid", scope)}, nil
	}
	return Outcome{Allowed: true}, nil
}

// CheckToolAccess is the three-stage tool gate: the session's own tool
// list, the origin's live allow-list, and the remaining budget. All three
// are independently necessary.
func (v *Validator) CheckToolAccess(ctx context.Context, reg *Registry, s Session, toolName string, tabID int) (Outcome, error) {
	if !reg.CanCallTool(s.ID, toolName) {
		return Outcome{Reason: fmt.Sprintf("tool %q is not in the session envelope", toolName)}, nil
	}
	allowed, err := v.Perms.IsToolAllowed(ctx, s.Origin, toolName, tabID)
	if err != nil {
		return Outcome{}, err
	}
	if !allowed {
		return Outcome{Reason: fmt.Sprintf("origin no longer allows tool %q", toolName)}, nil
	}
	if current, ok := reg.Get(s.ID); ok && current.ToolCallsRemaining() == 0 {
		return Outcome{Reason: "session tool-call budget exhausted"}, nil
	}
	return Outcome{Allowed: true}, nil
}

// RequestPermissions derives the scope list implied by the session's whole
// envelope and funnels it through one consent prompt, so a session's
// capability set is decided as a single coherent question.
func (v *Validator) RequestPermissions(ctx context.Context, s Session, tabID int) (permissions.Result, error) {
	var scopes []permissions.Scope
	if s.Capabilities.LLM.Allowed {
		scopes = append(scopes, permissions.ScopeModelPrompt)
	}
	if s.Capabilities.Tools.Allowed {
		scopes = append(scopes, permissions.ScopeToolsCall)
		if len(s.Capabilities.Tools.AllowedTools) > 0 {
			scopes = append(scopes, permissions.ScopeToolsList)
		}
	}
	if s.Capabilities.Browser.ReadActiveTab {
		scopes = append(scopes, permissions.ScopeActiveTabRead)
	}
	if s.Capabilities.Browser.Interact {
		scopes = append(scopes, permissions.ScopeActiveTabInteract)
	}
	if s.Capabilities.Browser.Screenshot {
		scopes = append(scopes, permissions.ScopeActiveTabScreenshot)
	}
	if len(scopes) == 0 {
		return permissions.Result{Granted: true}, nil
	}
	return v.Perms.RequestPermissions(ctx, s.Origin, permissions.Request{
		Scopes:      scopes,
		Tools:       s.Capabilities.Tools.AllowedTools,
		SessionName: s.Name,
	}, tabID)
}
