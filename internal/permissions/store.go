// Package permissions implements the durable per-origin authorization
// ledger. It is the sole source of truth for "is scope X allowed for
// origin Y", with a second, independent allow-list gate for individual
// MCP tools. Missing storage entries fail closed to not-granted.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harborhq/harbor/internal/audit"
	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/storage"
)

// OnceGrantDuration bounds the validity of a granted-once record.
const OnceGrantDuration = 10 * time.Minute

// OriginPermissions is the stored grant table for one origin.
type OriginPermissions struct {
	Origin       string                `json:"origin"`
	Scopes       map[Scope]GrantRecord `json:"scopes"`
	AllowedTools []string              `json:"allowedTools,omitempty"`
}

// Status is the effective per-scope view for one origin at one instant.
type Status struct {
	Origin       string               `json:"origin"`
	Scopes       map[Scope]GrantState `json:"scopes"`
	AllowedTools []string             `json:"allowedTools,omitempty"`
}

// CheckResult partitions requested scopes into granted, not-yet-decided,
// and explicitly denied. Granted is true only when both slices are empty.
type CheckResult struct {
	Granted       bool    `json:"granted"`
	MissingScopes []Scope `json:"missingScopes"`
	DeniedScopes  []Scope `json:"deniedScopes"`
}

// Request is the caller-facing permission request payload.
type Request struct {
	Scopes      []Scope  `json:"scopes"`
	Reason      string   `json:"reason,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	SessionName string   `json:"sessionName,omitempty"`
}

// Result is returned by the grant/deny/request operations.
type Result struct {
	Granted      bool       `json:"granted"`
	GrantType    GrantState `json:"grantType,omitempty"`
	Scopes       []Scope    `json:"scopes,omitempty"`
	AllowedTools []string   `json:"allowedTools,omitempty"`
}

// PromptRequest describes one interactive consent prompt.
type PromptRequest struct {
	Origin      string
	Scopes      []Scope
	Reason      string
	Tools       []string
	SessionName string
	TabID       int
}

// Decision is the outcome of one consent prompt. ExplicitDeny marks a
// user-chosen denial (sticky); a closed/ignored prompt leaves it false so
// the scope stays re-askable.
type Decision struct {
	Granted      bool
	GrantType    GrantState
	AllowedTools []string
	ExplicitDeny bool
}

// Prompter resolves interactive consent. Implemented by the consent broker.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (Decision, error)
}

// Store is the permission ledger. All reads compute effective states via
// EffectiveState; writes go straight through to storage (no local cache, so
// a storage outage fails closed).
type Store struct {
	mu       sync.Mutex
	kv       *storage.Store
	bus      *bus.Bus
	prompter Prompter
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds Store dependencies.
type Config struct {
	KV       *storage.Store
	Bus      *bus.Bus
	Prompter Prompter
	Logger   *slog.Logger
	Now      func() time.Time // test clock; nil uses time.Now
}

// NewStore creates the permission ledger.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:       cfg.KV,
		bus:      cfg.Bus,
		prompter: cfg.Prompter,
		logger:   logger,
		now:      now,
	}
}

// SetPrompter installs the consent prompter. Wired after construction
// because the broker needs the gateway, which needs the store.
func (s *Store) SetPrompter(p Prompter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompter = p
}

func (s *Store) loadAll(ctx context.Context) (map[string]OriginPermissions, error) {
	all := make(map[string]OriginPermissions)
	err := s.kv.Get(ctx, storage.KeyOriginPermissions, &all)
	if errors.Is(err, storage.ErrNotFound) {
		return all, nil
	}
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (s *Store) saveAll(ctx context.Context, all map[string]OriginPermissions) error {
	return s.kv.Set(ctx, storage.KeyOriginPermissions, all)
}

// GetPermissionStatus computes the effective grant state of every known
// scope for origin. Never errors on missing entries: absent origins report
// every scope as not-granted.
func (s *Store) GetPermissionStatus(ctx context.Context, origin string, tabID int) (Status, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("permission status for %q: %w", origin, err)
	}
	entry := all[origin]
	now := s.now()

	st := Status{
		Origin:       origin,
		Scopes:       make(map[Scope]GrantState, len(AllScopes)),
		AllowedTools: append([]string(nil), entry.AllowedTools...),
	}
	for _, scope := range AllScopes {
		st.Scopes[scope] = EffectiveState(entry.Scopes[scope], now, tabID)
	}
	return st, nil
}

// CheckPermissions partitions requiredScopes by their effective state.
func (s *Store) CheckPermissions(ctx context.Context, origin string, requiredScopes []Scope, tabID int) (CheckResult, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check permissions for %q: %w", origin, err)
	}
	entry := all[origin]
	now := s.now()

	res := CheckResult{MissingScopes: []Scope{}, DeniedScopes: []Scope{}}
	for _, scope := range requiredScopes {
		switch EffectiveState(entry.Scopes[scope], now, tabID) {
		case GrantedOnce, GrantedAlways:
		case Denied:
			res.DeniedScopes = append(res.DeniedScopes, scope)
		default:
			res.MissingScopes = append(res.MissingScopes, scope)
		}
	}
	res.Granted = len(res.MissingScopes) == 0 && len(res.DeniedScopes) == 0
	return res, nil
}

// IsToolAllowed reports whether origin may call toolName. Two independent
// gates: the mcp:tools.call scope must be granted AND the tool must be on
// the origin's allow-list. Granting the scope implies nothing about any
// particular tool.
func (s *Store) IsToolAllowed(ctx context.Context, origin, toolName string, tabID int) (bool, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return false, fmt.Errorf("tool allowance for %q: %w", origin, err)
	}
	entry := all[origin]
	if !EffectiveState(entry.Scopes[ScopeToolsCall], s.now(), tabID).Granted() {
		return false, nil
	}
	want := CanonicalToolRef(toolName)
	for _, t := range entry.AllowedTools {
		if CanonicalToolRef(t) == want {
			return true, nil
		}
	}
	return false, nil
}

// GrantPermissions writes a grant record per scope. granted-once records
// get a 10 minute expiry and, when tabID is non-zero, a tab binding.
// allowedTools union monotonically into the origin's allow-list.
func (s *Store) GrantPermissions(ctx context.Context, origin string, scopes []Scope, grantType GrantState, tabID int, allowedTools []string) (Result, error) {
	if grantType != GrantedOnce && grantType != GrantedAlways {
		return Result{}, fmt.Errorf("invalid grant type %q", grantType)
	}
	for _, scope := range scopes {
		if !Known(scope) {
			return Result{}, fmt.Errorf("unknown scope %q", scope)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("grant for %q: %w", origin, err)
	}
	entry := all[origin]
	if entry.Scopes == nil {
		entry = OriginPermissions{Origin: origin, Scopes: make(map[Scope]GrantRecord)}
	}

	now := s.now()
	for _, scope := range scopes {
		rec := GrantRecord{Grant: grantType, GrantedAt: now}
		if grantType == GrantedOnce {
			rec.ExpiresAt = now.Add(OnceGrantDuration)
			rec.TabID = tabID
		}
		entry.Scopes[scope] = rec
	}
	entry.AllowedTools = unionTools(entry.AllowedTools, allowedTools)
	all[origin] = entry

	if err := s.saveAll(ctx, all); err != nil {
		return Result{}, fmt.Errorf("persist grant for %q: %w", origin, err)
	}

	audit.Record("allow", scopesString(scopes), origin, "granted_"+string(grantType), "")
	s.publishChange(origin, scopes, string(grantType))
	return Result{Granted: true, GrantType: grantType, Scopes: scopes, AllowedTools: entry.AllowedTools}, nil
}

// DenyPermissions writes sticky denied records. Only RevokePermissions
// clears them.
func (s *Store) DenyPermissions(ctx context.Context, origin string, scopes []Scope) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("deny for %q: %w", origin, err)
	}
	entry := all[origin]
	if entry.Scopes == nil {
		entry = OriginPermissions{Origin: origin, Scopes: make(map[Scope]GrantRecord)}
	}
	now := s.now()
	for _, scope := range scopes {
		entry.Scopes[scope] = GrantRecord{Grant: Denied, GrantedAt: now}
	}
	all[origin] = entry

	if err := s.saveAll(ctx, all); err != nil {
		return Result{}, fmt.Errorf("persist deny for %q: %w", origin, err)
	}

	audit.Record("deny", scopesString(scopes), origin, "explicit_deny", "")
	s.publishChange(origin, scopes, string(Denied))
	return Result{Granted: false, Scopes: scopes}, nil
}

// RevokePermissions deletes the entire origin entry: all scopes and the
// whole tool allow-list. This is the only way to clear a denied record.
func (s *Store) RevokePermissions(ctx context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadAll(ctx)
	if err != nil {
		return fmt.Errorf("revoke for %q: %w", origin, err)
	}
	if _, ok := all[origin]; !ok {
		return nil
	}
	delete(all, origin)
	if err := s.saveAll(ctx, all); err != nil {
		return fmt.Errorf("persist revoke for %q: %w", origin, err)
	}

	audit.Record("deny", "*", origin, "revoked", "")
	s.publishChange(origin, nil, "revoked")
	return nil
}

// RequestPermissions is the orchestration entrypoint. Scopes outside the
// catalog are rejected before anything is prompted or stored. Already-granted
// requests short-circuit (unless new tools are being asked for); any
// already-denied scope returns not-granted without prompting; otherwise the
// missing scopes go through the single interactive consent flow and a
// grant decision is persisted.
func (s *Store) RequestPermissions(ctx context.Context, origin string, req Request, tabID int) (Result, error) {
	for _, scope := range req.Scopes {
		if !Known(scope) {
			audit.Record("deny", string(scope), origin, "unknown_scope", "")
			return Result{}, fmt.Errorf("unknown scope %q", scope)
		}
	}

	check, err := s.CheckPermissions(ctx, origin, req.Scopes, tabID)
	if err != nil {
		return Result{}, err
	}

	// Sticky denial: never re-prompt until an explicit revoke.
	if len(check.DeniedScopes) > 0 {
		audit.Record("deny", scopesString(check.DeniedScopes), origin, "sticky_denial", "")
		return Result{Granted: false, Scopes: req.Scopes}, nil
	}

	newTools := s.toolsBeyondAllowList(ctx, origin, req)
	if check.Granted && len(newTools) == 0 {
		return Result{Granted: true, Scopes: req.Scopes}, nil
	}

	promptScopes := check.MissingScopes
	promptTools := req.Tools
	if check.Granted {
		// Scope already held; the prompt covers only the new tools.
		promptScopes = []Scope{ScopeToolsCall}
		promptTools = newTools
	}

	if s.prompter == nil {
		audit.Record("deny", scopesString(promptScopes), origin, "no_prompter", "")
		return Result{Granted: false, Scopes: req.Scopes}, nil
	}

	decision, err := s.prompter.Prompt(ctx, PromptRequest{
		Origin:      origin,
		Scopes:      promptScopes,
		Reason:      req.Reason,
		Tools:       promptTools,
		SessionName: req.SessionName,
		TabID:       tabID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("consent prompt for %q: %w", origin, err)
	}

	if !decision.Granted {
		if decision.ExplicitDeny {
			return s.DenyPermissions(ctx, origin, promptScopes)
		}
		// Closed without answering: not granted, not sticky.
		audit.Record("deny", scopesString(promptScopes), origin, "prompt_dismissed", "")
		return Result{Granted: false, Scopes: req.Scopes}, nil
	}

	grantType := decision.GrantType
	if grantType != GrantedAlways {
		grantType = GrantedOnce
	}
	grantedTools := decision.AllowedTools
	if grantedTools == nil {
		grantedTools = promptTools
	}
	return s.GrantPermissions(ctx, origin, promptScopes, grantType, tabID, grantedTools)
}

// CleanupExpiredGrants converts expired once-grants back to not-granted in
// storage. Idempotent and best-effort; safe to run concurrently with reads.
func (s *Store) CleanupExpiredGrants(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadAll(ctx)
	if err != nil {
		return fmt.Errorf("cleanup grants: %w", err)
	}
	now := s.now()
	changed := false
	for origin, entry := range all {
		for scope, rec := range entry.Scopes {
			if rec.Grant == GrantedOnce && !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
				entry.Scopes[scope] = GrantRecord{Grant: NotGranted}
				changed = true
			}
		}
		all[origin] = entry
	}
	if !changed {
		return nil
	}
	if err := s.saveAll(ctx, all); err != nil {
		return fmt.Errorf("persist grant cleanup: %w", err)
	}
	s.logger.Debug("expired once-grants swept")
	return nil
}

// toolsBeyondAllowList returns the requested tools not already allow-listed,
// or nil when the request does not involve tool calling.
func (s *Store) toolsBeyondAllowList(ctx context.Context, origin string, req Request) []string {
	if len(req.Tools) == 0 {
		return nil
	}
	wantsTools := false
	for _, sc := range req.Scopes {
		if sc == ScopeToolsCall {
			wantsTools = true
			break
		}
	}
	if !wantsTools {
		return nil
	}
	all, err := s.loadAll(ctx)
	if err != nil {
		return req.Tools
	}
	existing := make(map[string]struct{})
	for _, t := range all[origin].AllowedTools {
		existing[CanonicalToolRef(t)] = struct{}{}
	}
	var missing []string
	for _, t := range req.Tools {
		if _, ok := existing[CanonicalToolRef(t)]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

func (s *Store) publishChange(origin string, scopes []Scope, grant string) {
	if s.bus == nil {
		return
	}
	names := make([]string, len(scopes))
	for i, sc := range scopes {
		names[i] = string(sc)
	}
	s.bus.Publish(bus.TopicPermissionChanged, bus.PermissionChangedEvent{
		Origin: origin,
		Scopes: names,
		Grant:  grant,
	})
}

// unionTools merges extra into existing, storing canonical colon-form refs.
func unionTools(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[CanonicalToolRef(t)] = struct{}{}
	}
	for _, t := range extra {
		if t == "" {
			continue
		}
		t = CanonicalToolRef(t)
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func scopesString(scopes []Scope) string {
	if len(scopes) == 0 {
		return ""
	}
	out := string(scopes[0])
	for _, sc := range scopes[1:] {
		out += "," + string(sc)
	}
	return out
}
