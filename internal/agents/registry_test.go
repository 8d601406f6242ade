package agents_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborhq/harbor/internal/agents"
	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/permissions"
)

// grantChecker treats the listed origins as holding agents:crossOrigin.
type grantChecker struct {
	crossOrigin map[string]bool
}

func (g *grantChecker) CheckPermissions(_ context.Context, origin string, scopes []permissions.Scope, _ int) (permissions.CheckResult, error) {
	res := permissions.CheckResult{MissingScopes: []permissions.Scope{}, DeniedScopes: []permissions.Scope{}}
	for _, s := range scopes {
		if s == permissions.ScopeAgentsCrossOrigin && g.crossOrigin[origin] {
			continue
		}
		res.MissingScopes = append(res.MissingScopes, s)
	}
	res.Granted = len(res.MissingScopes) == 0
	return res, nil
}

func newTestRegistry(cross map[string]bool) *agents.Registry {
	return agents.NewRegistry(agents.RegistryConfig{
		Perms: &grantChecker{crossOrigin: cross},
	})
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *api.Error, got %T: %v", err, err)
	}
	return apiErr.Code
}

func TestCrossOriginMessagingGatesOnSender(t *testing.T) {
	ctx := context.Background()
	// Only origin B holds agents:crossOrigin.
	reg := newTestRegistry(map[string]bool{"https://b.example": true})

	a := reg.Register(agents.RegisterRequest{Name: "a", AcceptsMessages: true}, "https://a.example", 1)
	b := reg.Register(agents.RegisterRequest{Name: "b", AcceptsMessages: true}, "https://b.example", 2)
	reg.SetMessageHandler(a.ID, func(context.Context, agents.Message) error { return nil })
	reg.SetMessageHandler(b.ID, func(context.Context, agents.Message) error { return nil })

	// A → B must fail: the SENDER's origin lacks the scope. The recipient
	// holding it is irrelevant.
	err := reg.SendMessage(ctx, a.ID, b.ID, "hi", "https://a.example", 1)
	if codeOf(t, err) != api.CodeScopeRequired {
		t.Fatalf("want %s, got %v", api.CodeScopeRequired, err)
	}

	// B → A succeeds: the sender holds the scope.
	if err := reg.SendMessage(ctx, b.ID, a.ID, "hi", "https://b.example", 2); err != nil {
		t.Fatalf("sender-side grant should suffice: %v", err)
	}
}

func TestSameOriginMessagingNeedsNoScope(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(nil)

	a := reg.Register(agents.RegisterRequest{Name: "a", AcceptsMessages: true}, "https://a.example", 1)
	b := reg.Register(agents.RegisterRequest{Name: "b", AcceptsMessages: true}, "https://a.example", 2)

	var got agents.Message
	reg.SetMessageHandler(b.ID, func(_ context.Context, msg agents.Message) error {
		got = msg
		return nil
	})

	if err := reg.SendMessage(ctx, a.ID, b.ID, map[string]any{"k": "v"}, "https://a.example", 1); err != nil {
		t.Fatalf("same-origin delivery failed: %v", err)
	}
	if got.FromAgentID != a.ID {
		t.Fatalf("handler saw wrong sender: %+v", got)
	}
}

func TestMessageDeliveryFailures(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(nil)
	origin := "https://a.example"

	sender := reg.Register(agents.RegisterRequest{Name: "s", AcceptsMessages: true}, origin, 1)

	if err := reg.SendMessage(ctx, sender.ID, "missing", "hi", origin, 1); codeOf(t, err) != api.CodeAgentNotFound {
		t.Fatalf("unknown recipient: want %s, got %v", api.CodeAgentNotFound, err)
	}

	deaf := reg.Register(agents.RegisterRequest{Name: "deaf", AcceptsMessages: false}, origin, 2)
	if err := reg.SendMessage(ctx, sender.ID, deaf.ID, "hi", origin, 1); codeOf(t, err) != api.CodeNotAccepted {
		t.Fatalf("acceptsMessages=false: want %s, got %v", api.CodeNotAccepted, err)
	}

	mute := reg.Register(agents.RegisterRequest{Name: "mute", AcceptsMessages: true}, origin, 3)
	if err := reg.SendMessage(ctx, sender.ID, mute.ID, "hi", origin, 1); codeOf(t, err) != api.CodeNoHandler {
		t.Fatalf("missing handler: want %s, got %v", api.CodeNoHandler, err)
	}

	failing := reg.Register(agents.RegisterRequest{Name: "f", AcceptsMessages: true}, origin, 4)
	reg.SetMessageHandler(failing.ID, func(context.Context, agents.Message) error {
		return errors.New("handler exploded")
	})
	if err := reg.SendMessage(ctx, sender.ID, failing.ID, "hi", origin, 1); codeOf(t, err) != api.CodeInvocationFailed {
		t.Fatalf("handler error: want %s, got %v", api.CodeInvocationFailed, err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(nil)
	origin := "https://a.example"

	slow := reg.Register(agents.RegisterRequest{Name: "slow", AcceptsInvocations: true}, origin, 1)
	reg.SetInvocationHandler(slow.ID, func(ctx context.Context, _ agents.Invocation) (any, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return "late", nil
	})

	_, err := reg.Invoke(ctx, agents.InvocationRequest{
		TargetAgentID: slow.ID,
		Task:          "work",
		Timeout:       50 * time.Millisecond,
	}, "", origin, "", 1)
	if codeOf(t, err) != api.CodeTimeout {
		t.Fatalf("want %s, got %v", api.CodeTimeout, err)
	}
}

func TestInvokeCountsAttempts(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(nil)
	origin := "https://a.example"

	caller := reg.Register(agents.RegisterRequest{Name: "c", AcceptsInvocations: true}, origin, 1)
	target := reg.Register(agents.RegisterRequest{Name: "t", AcceptsInvocations: true}, origin, 2)
	reg.SetInvocationHandler(target.ID, func(context.Context, agents.Invocation) (any, error) {
		return nil, errors.New("boom")
	})

	if _, err := reg.Invoke(ctx, agents.InvocationRequest{TargetAgentID: target.ID, Task: "x"}, caller.ID, origin, "", 1); err == nil {
		t.Fatal("expected invocation failure")
	}

	// Counters reflect the attempt despite the failure.
	gotCaller, _ := reg.Get(caller.ID)
	gotTarget, _ := reg.Get(target.ID)
	if gotCaller.Usage.InvocationsMade != 1 || gotTarget.Usage.InvocationsReceived != 1 {
		t.Fatalf("attempt counters not incremented: made=%d received=%d",
			gotCaller.Usage.InvocationsMade, gotTarget.Usage.InvocationsReceived)
	}
}

func TestDiscoverCrossOriginVisibility(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(map[string]bool{"https://privileged.example": true})

	reg.Register(agents.RegisterRequest{Name: "same"}, "https://plain.example", 1)
	reg.Register(agents.RegisterRequest{Name: "other"}, "https://other.example", 2)

	query := agents.DiscoverQuery{IncludeSameOrigin: true, IncludeCrossOrigin: true}

	// Without the scope, cross-origin agents stay invisible.
	got, err := reg.Discover(ctx, "https://plain.example", query, 1)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Name != "same" {
		t.Fatalf("unprivileged discovery should see only same-origin agents: %+v", got)
	}

	// With the scope, both are visible.
	got, err = reg.Discover(ctx, "https://privileged.example", query, 3)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("privileged discovery should see both agents, got %d", len(got))
	}
}

func TestDiscoverFilters(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(nil)
	origin := "https://a.example"

	reg.Register(agents.RegisterRequest{Name: "summarizer", Capabilities: []string{"summarize", "translate"}}, origin, 1)
	reg.Register(agents.RegisterRequest{Name: "coder", Capabilities: []string{"code"}}, origin, 2)

	got, err := reg.Discover(ctx, origin, agents.DiscoverQuery{
		IncludeSameOrigin: true,
		Capabilities:      []string{"summarize"},
	}, 1)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Name != "summarizer" {
		t.Fatalf("capability filter failed: %+v", got)
	}
}

func TestUnregisterTabDestroysAgents(t *testing.T) {
	reg := newTestRegistry(nil)

	a := reg.Register(agents.RegisterRequest{Name: "a"}, "https://a.example", 7)
	b := reg.Register(agents.RegisterRequest{Name: "b"}, "https://b.example", 8)

	reg.UnregisterTab(7)
	if _, ok := reg.Get(a.ID); ok {
		t.Fatal("agent on closed tab should be destroyed")
	}
	if _, ok := reg.Get(b.ID); !ok {
		t.Fatal("agent on another tab should survive")
	}
	if _, ok := reg.PrimaryForOrigin("https://a.example"); ok {
		t.Fatal("origin mapping should be cleared with the agent")
	}
}
