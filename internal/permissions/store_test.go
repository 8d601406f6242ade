package permissions_test

import (
	"context"
	"testing"
	"time"

	"github.com/harborhq/harbor/internal/permissions"
	"github.com/harborhq/harbor/internal/storage"
)

type fakePrompter struct {
	decision permissions.Decision
	err      error
	calls    int
	lastReq  permissions.PromptRequest
}

func (f *fakePrompter) Prompt(_ context.Context, req permissions.PromptRequest) (permissions.Decision, error) {
	f.calls++
	f.lastReq = req
	return f.decision, f.err
}

func newTestStore(t *testing.T, now *time.Time) (*permissions.Store, *fakePrompter) {
	t.Helper()
	kv, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	fp := &fakePrompter{}
	store := permissions.NewStore(permissions.Config{
		KV:       kv,
		Prompter: fp,
		Now:      func() time.Time { return *now },
	})
	return store, fp
}

func TestGrantAlwaysPersistsAcrossChecks(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	scopes := []permissions.Scope{permissions.ScopeModelPrompt}
	if _, err := store.GrantPermissions(ctx, "https://a.example", scopes, permissions.GrantedAlways, 0, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	now = now.Add(48 * time.Hour)
	check, err := store.CheckPermissions(ctx, "https://a.example", scopes, 7)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Granted {
		t.Fatalf("granted-always should survive time and tab changes: %+v", check)
	}
}

func TestOnceGrantExpiresAfterTTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	scopes := []permissions.Scope{permissions.ScopeActiveTabRead}
	if _, err := store.GrantPermissions(ctx, "https://a.example", scopes, permissions.GrantedOnce, 3, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	check, err := store.CheckPermissions(ctx, "https://a.example", scopes, 3)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Granted {
		t.Fatalf("fresh once-grant should be valid: %+v", check)
	}

	now = now.Add(permissions.OnceGrantDuration + time.Second)
	check, err = store.CheckPermissions(ctx, "https://a.example", scopes, 3)
	if err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if check.Granted {
		t.Fatal("once-grant still valid past its TTL")
	}
	if len(check.MissingScopes) != 1 || check.MissingScopes[0] != permissions.ScopeActiveTabRead {
		t.Fatalf("expired once-grant should report as missing, not denied: %+v", check)
	}
}

func TestOnceGrantBoundToTab(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	scopes := []permissions.Scope{permissions.ScopeActiveTabInteract}
	if _, err := store.GrantPermissions(ctx, "https://a.example", scopes, permissions.GrantedOnce, 5, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	check, _ := store.CheckPermissions(ctx, "https://a.example", scopes, 5)
	if !check.Granted {
		t.Fatalf("same tab should pass: %+v", check)
	}
	check, _ = store.CheckPermissions(ctx, "https://a.example", scopes, 9)
	if check.Granted {
		t.Fatal("tab-bound once-grant honored from a different tab")
	}
}

func TestStickyDenialSkipsPrompt(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, fp := newTestStore(t, &now)
	ctx := context.Background()

	scopes := []permissions.Scope{permissions.ScopeModelPrompt}
	if _, err := store.DenyPermissions(ctx, "https://a.example", scopes); err != nil {
		t.Fatalf("deny: %v", err)
	}

	res, err := store.RequestPermissions(ctx, "https://a.example", permissions.Request{Scopes: scopes}, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Granted {
		t.Fatal("denied scope granted without revoke")
	}
	if fp.calls != 0 {
		t.Fatalf("prompt shown for sticky denial: %d calls", fp.calls)
	}

	// Revoke clears the denial; the next request prompts again.
	if err := store.RevokePermissions(ctx, "https://a.example"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	fp.decision = permissions.Decision{Granted: true, GrantType: permissions.GrantedAlways}
	res, err = store.RequestPermissions(ctx, "https://a.example", permissions.Request{Scopes: scopes}, 1)
	if err != nil {
		t.Fatalf("request after revoke: %v", err)
	}
	if !res.Granted || fp.calls != 1 {
		t.Fatalf("expected one prompt and a grant after revoke, got granted=%v calls=%d", res.Granted, fp.calls)
	}
}

func TestDismissedPromptIsNotSticky(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, fp := newTestStore(t, &now)
	ctx := context.Background()

	scopes := []permissions.Scope{permissions.ScopeAgentsRegister}
	fp.decision = permissions.Decision{Granted: false, ExplicitDeny: false}

	res, err := store.RequestPermissions(ctx, "https://a.example", permissions.Request{Scopes: scopes}, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Granted {
		t.Fatal("dismissed prompt reported as granted")
	}

	// A second request must prompt again rather than hitting a stored denial.
	fp.decision = permissions.Decision{Granted: true, GrantType: permissions.GrantedOnce}
	res, err = store.RequestPermissions(ctx, "https://a.example", permissions.Request{Scopes: scopes}, 1)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if !res.Granted || fp.calls != 2 {
		t.Fatalf("expected re-prompt after dismissal, granted=%v calls=%d", res.Granted, fp.calls)
	}
}

func TestToolAllowListIndependentOfScope(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	origin := "https://a.example"
	scopes := []permissions.Scope{permissions.ScopeToolsCall}
	if _, err := store.GrantPermissions(ctx, origin, scopes, permissions.GrantedAlways, 0, []string{"files:read_file"}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ok, err := store.IsToolAllowed(ctx, origin, "files:read_file", 0)
	if err != nil || !ok {
		t.Fatalf("allow-listed tool rejected: ok=%v err=%v", ok, err)
	}
	ok, err = store.IsToolAllowed(ctx, origin, "files:delete_file", 0)
	if err != nil || ok {
		t.Fatalf("non-allow-listed tool accepted despite granted scope: ok=%v err=%v", ok, err)
	}
}

func TestToolAllowListGrowsMonotonically(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, fp := newTestStore(t, &now)
	ctx := context.Background()

	origin := "https://a.example"
	scopes := []permissions.Scope{permissions.ScopeToolsCall}
	if _, err := store.GrantPermissions(ctx, origin, scopes, permissions.GrantedAlways, 0, []string{"files:read_file"}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// Scope already held; asking for a new tool prompts for the tool only.
	fp.decision = permissions.Decision{Granted: true, GrantType: permissions.GrantedAlways}
	res, err := store.RequestPermissions(ctx, origin, permissions.Request{
		Scopes: scopes,
		Tools:  []string{"files:read_file", "web:fetch"},
	}, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !res.Granted {
		t.Fatalf("tool extension not granted: %+v", res)
	}
	if fp.calls != 1 {
		t.Fatalf("expected exactly one prompt, got %d", fp.calls)
	}
	if len(fp.lastReq.Tools) != 1 || fp.lastReq.Tools[0] != "web:fetch" {
		t.Fatalf("prompt should cover only the new tool, got %v", fp.lastReq.Tools)
	}

	for _, tool := range []string{"files:read_file", "web:fetch"} {
		if ok, _ := store.IsToolAllowed(ctx, origin, tool, 0); !ok {
			t.Fatalf("tool %q missing from allow-list after extension", tool)
		}
	}
}

func TestToolRefSeparatorsInterchangeable(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, fp := newTestStore(t, &now)
	ctx := context.Background()

	origin := "https://a.example"
	scopes := []permissions.Scope{permissions.ScopeToolsCall}

	// Grant in the page-facing slash form; checks in either form must pass.
	if _, err := store.GrantPermissions(ctx, origin, scopes, permissions.GrantedAlways, 0, []string{"echo-js/echo"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for _, ref := range []string{"echo-js/echo", "echo-js:echo"} {
		if ok, err := store.IsToolAllowed(ctx, origin, ref, 0); err != nil || !ok {
			t.Fatalf("tool %q rejected after slash-form grant: ok=%v err=%v", ref, ok, err)
		}
	}

	// Re-requesting the same tool in colon form is not a new tool and must
	// short-circuit without a prompt.
	res, err := store.RequestPermissions(ctx, origin, permissions.Request{
		Scopes: scopes,
		Tools:  []string{"echo-js:echo"},
	}, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !res.Granted || fp.calls != 0 {
		t.Fatalf("colon form re-prompted after slash-form grant: granted=%v calls=%d", res.Granted, fp.calls)
	}
}

func TestUnknownScopeRejectedWithoutPrompt(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, fp := newTestStore(t, &now)
	ctx := context.Background()

	origin := "https://a.example"
	bogus := []permissions.Scope{permissions.Scope("totally:made-up")}

	if _, err := store.RequestPermissions(ctx, origin, permissions.Request{Scopes: bogus}, 1); err == nil {
		t.Fatal("off-catalog scope accepted by request flow")
	}
	if fp.calls != 0 {
		t.Fatalf("prompt shown for off-catalog scope: %d calls", fp.calls)
	}
	if _, err := store.GrantPermissions(ctx, origin, bogus, permissions.GrantedAlways, 0, nil); err == nil {
		t.Fatal("off-catalog scope accepted by direct grant")
	}

	check, err := store.CheckPermissions(ctx, origin, bogus, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Granted || len(check.MissingScopes) != 1 {
		t.Fatalf("off-catalog scope left a stored record: %+v", check)
	}
}

func TestCleanupExpiredGrants(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	scopes := []permissions.Scope{permissions.ScopeActiveTabRead}
	if _, err := store.GrantPermissions(ctx, "https://a.example", scopes, permissions.GrantedOnce, 1, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	now = now.Add(permissions.OnceGrantDuration + time.Minute)
	if err := store.CleanupExpiredGrants(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	status, err := store.GetPermissionStatus(ctx, "https://a.example", 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := status.Scopes[permissions.ScopeActiveTabRead]; got != permissions.NotGranted {
		t.Fatalf("swept grant should read not-granted, got %q", got)
	}
}

func TestStatusForUnknownOrigin(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)

	status, err := store.GetPermissionStatus(context.Background(), "https://never-seen.example", 0)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for scope, state := range status.Scopes {
		if state != permissions.NotGranted {
			t.Fatalf("scope %q reported %q for unknown origin", scope, state)
		}
	}
	if len(status.Scopes) != len(permissions.AllScopes) {
		t.Fatalf("status should cover the whole catalog, got %d scopes", len(status.Scopes))
	}
}
