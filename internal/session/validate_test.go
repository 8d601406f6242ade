package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/harborhq/harbor/internal/permissions"
	"github.com/harborhq/harbor/internal/session"
	"github.com/harborhq/harbor/internal/storage"
)

func newValidatorFixture(t *testing.T, now *time.Time) (*session.Registry, *session.Validator, *permissions.Store) {
	t.Helper()
	kv, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	perms := permissions.NewStore(permissions.Config{
		KV:  kv,
		Now: func() time.Time { return *now },
	})
	reg := session.NewRegistry(session.RegistryConfig{
		Now: func() time.Time { return *now },
	})
	return reg, session.NewValidator(perms), perms
}

func TestRevocationReachesOpenSessions(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, v, perms := newValidatorFixture(t, &now)
	ctx := context.Background()
	origin := "https://a.example"

	if _, err := perms.GrantPermissions(ctx, origin, []permissions.Scope{permissions.ScopeModelPrompt}, permissions.GrantedAlways, 0, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	s := reg.CreateImplicitSession(origin, session.ImplicitOptions{}, 0)

	out, err := v.CheckCapability(ctx, s, session.CapabilityLLM, 0)
	if err != nil || !out.Allowed {
		t.Fatalf("granted capability rejected: %+v err=%v", out, err)
	}

	if err := perms.RevokePermissions(ctx, origin); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, err = v.CheckCapability(ctx, s, session.CapabilityLLM, 0)
	if err != nil {
		t.Fatalf("check after revoke: %v", err)
	}
	if out.Allowed {
		t.Fatal("revocation must reach already-open sessions")
	}
}

func TestEnvelopeDenialShortCircuits(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, v, perms := newValidatorFixture(t, &now)
	ctx := context.Background()
	origin := "https://a.example"

	// Origin may read tabs, but this session never asked for it.
	if _, err := perms.GrantPermissions(ctx, origin, []permissions.Scope{permissions.ScopeActiveTabRead}, permissions.GrantedAlways, 0, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	s := reg.CreateImplicitSession(origin, session.ImplicitOptions{}, 0)

	out, err := v.CheckCapability(ctx, s, session.CapabilityBrowserRead, 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if out.Allowed {
		t.Fatal("envelope must bound capabilities regardless of origin grants")
	}
}

func TestToolAccessThreeGates(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, v, perms := newValidatorFixture(t, &now)
	ctx := context.Background()
	origin := "https://a.example"

	if _, err := perms.GrantPermissions(ctx, origin, []permissions.Scope{permissions.ScopeToolsCall}, permissions.GrantedAlways, 0, []string{"web:fetch"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	s := reg.CreateExplicitSession(origin, session.Request{
		Tools:        []string{"web:fetch"},
		MaxToolCalls: 1,
	}, []string{"web:fetch"}, 0)

	out, err := v.CheckToolAccess(ctx, reg, s, "web:fetch", 0)
	if err != nil || !out.Allowed {
		t.Fatalf("allowed tool rejected: %+v err=%v", out, err)
	}

	// Gate 1: tool outside the session envelope.
	out, _ = v.CheckToolAccess(ctx, reg, s, "files:read_file", 0)
	if out.Allowed {
		t.Fatal("tool outside the envelope must be rejected")
	}

	// Gate 3: exhausted budget.
	if !reg.RecordToolCall(s.ID, "web:fetch") {
		t.Fatal("budgeted call failed")
	}
	out, _ = v.CheckToolAccess(ctx, reg, s, "web:fetch", 0)
	if out.Allowed {
		t.Fatal("exhausted budget must block further tool access")
	}

	// Gate 2: origin allow-list revoked underneath the session.
	s2 := reg.CreateExplicitSession(origin, session.Request{
		Tools: []string{"web:fetch"},
	}, []string{"web:fetch"}, 0)
	if err := perms.RevokePermissions(ctx, origin); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, _ = v.CheckToolAccess(ctx, reg, s2, "web:fetch", 0)
	if out.Allowed {
		t.Fatal("revoked origin allow-list must block session tool access")
	}
}

func TestRequestPermissionsDerivesScopes(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, v, perms := newValidatorFixture(t, &now)
	ctx := context.Background()
	origin := "https://a.example"

	var prompted []permissions.Scope
	perms.SetPrompter(prompterFunc(func(_ context.Context, req permissions.PromptRequest) (permissions.Decision, error) {
		prompted = req.Scopes
		return permissions.Decision{Granted: true, GrantType: permissions.GrantedAlways, AllowedTools: req.Tools}, nil
	}))

	s := reg.CreateExplicitSession(origin, session.Request{
		LLM:           true,
		Tools:         []string{"web:fetch"},
		ReadActiveTab: true,
	}, []string{"web:fetch"}, 0)

	res, err := v.RequestPermissions(ctx, s, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant, got %+v", res)
	}

	want := map[permissions.Scope]bool{
		permissions.ScopeModelPrompt:   true,
		permissions.ScopeToolsCall:     true,
		permissions.ScopeToolsList:     true,
		permissions.ScopeActiveTabRead: true,
	}
	if len(prompted) != len(want) {
		t.Fatalf("derived scopes: want %d, got %v", len(want), prompted)
	}
	for _, sc := range prompted {
		if !want[sc] {
			t.Fatalf("unexpected derived scope %q", sc)
		}
	}
}

type prompterFunc func(context.Context, permissions.PromptRequest) (permissions.Decision, error)

func (f prompterFunc) Prompt(ctx context.Context, req permissions.PromptRequest) (permissions.Decision, error) {
	return f(ctx, req)
}
