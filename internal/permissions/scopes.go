package permissions

import (
	"strings"
	"time"
)

// Scope names one grantable capability. The set is closed and enumerated at
// compile time; the store treats scopes as flat strings.
type Scope string

const (
	ScopeModelPrompt    Scope = "model:prompt"
	ScopeModelProviders Scope = "model:providers.list"

	ScopeToolsCall     Scope = "mcp:tools.call"
	ScopeToolsList     Scope = "mcp:tools.list"
	ScopeServersManage Scope = "mcp:servers.manage"

	ScopeActiveTabRead       Scope = "browser:activeTab.read"
	ScopeActiveTabInteract   Scope = "browser:activeTab.interact"
	ScopeActiveTabScreenshot Scope = "browser:activeTab.screenshot"
	ScopeTabsCreate          Scope = "browser:tabs.create"

	ScopeAgentsRegister    Scope = "agents:register"
	ScopeAgentsDiscover    Scope = "agents:discover"
	ScopeAgentsCrossOrigin Scope = "agents:crossOrigin"
)

// AllScopes lists every known scope, in catalog order.
var AllScopes = []Scope{
	ScopeModelPrompt,
	ScopeModelProviders,
	ScopeToolsCall,
	ScopeToolsList,
	ScopeServersManage,
	ScopeActiveTabRead,
	ScopeActiveTabInteract,
	ScopeActiveTabScreenshot,
	ScopeTabsCreate,
	ScopeAgentsRegister,
	ScopeAgentsDiscover,
	ScopeAgentsCrossOrigin,
}

var knownScopes = func() map[Scope]struct{} {
	m := make(map[Scope]struct{}, len(AllScopes))
	for _, s := range AllScopes {
		m[s] = struct{}{}
	}
	return m
}()

// Known reports whether s is part of the compile-time scope catalog.
func Known(s Scope) bool {
	_, ok := knownScopes[s]
	return ok
}

// CanonicalToolRef rewrites a serverID/toolName reference to the colon
// form serverID:toolName. Both separators are accepted on the wire; grants
// and allow-list checks compare canonical forms only.
func CanonicalToolRef(ref string) string {
	if i := strings.Index(ref, "/"); i >= 0 && !strings.Contains(ref[:i], ":") {
		return ref[:i] + ":" + ref[i+1:]
	}
	return ref
}

// GrantState is the effective decision for one origin+scope.
type GrantState string

const (
	NotGranted    GrantState = "not-granted"
	GrantedOnce   GrantState = "granted-once"
	GrantedAlways GrantState = "granted-always"
	Denied        GrantState = "denied"
)

// GrantRecord is the stored decision for one origin+scope. A granted-once
// record carries an expiry and optionally a tab binding.
type GrantRecord struct {
	Grant     GrantState `json:"grant"`
	GrantedAt time.Time  `json:"grantedAt"`
	ExpiresAt time.Time  `json:"expiresAt,omitempty"`
	TabID     int        `json:"tabId,omitempty"`
}

// EffectiveState applies the lazy-expiry rule: a granted-once record is
// valid only while now < ExpiresAt and, when tab-bound, only for that tab.
// Denied and granted-always are validity-independent. Expired or
// tab-mismatched once-grants read as not-granted; no eager deletion.
func EffectiveState(rec GrantRecord, now time.Time, tabID int) GrantState {
	switch rec.Grant {
	case GrantedAlways, Denied:
		return rec.Grant
	case GrantedOnce:
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			return NotGranted
		}
		if rec.TabID != 0 && tabID != rec.TabID {
			return NotGranted
		}
		return GrantedOnce
	default:
		return NotGranted
	}
}

// Granted reports whether a state allows the scope (either grant kind).
func (s GrantState) Granted() bool {
	return s == GrantedOnce || s == GrantedAlways
}
