package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborhq/harbor/internal/agents"
	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/audit"
	"github.com/harborhq/harbor/internal/bridge"
	"github.com/harborhq/harbor/internal/consent"
	"github.com/harborhq/harbor/internal/mcp"
	harborotel "github.com/harborhq/harbor/internal/otel"
	"github.com/harborhq/harbor/internal/permissions"
	"github.com/harborhq/harbor/internal/session"
	"github.com/harborhq/harbor/internal/shared"
)

// dispatch routes one envelope to its handler. The second return is true
// when the handler streamed its own events (terminal done already sent),
// in which case the response must not be written.
func (s *Server) dispatch(ctx context.Context, from caller, env api.Envelope, emit func(api.StreamEvent) error) (resp api.Response, streamed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "type", env.Type, "panic", r)
			resp = api.Fail(env.ID, api.Errorf(api.CodeInternal, "internal error in %s", env.Type))
			streamed = false
		}
	}()

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	s.logger.Debug("dispatch", "type", env.Type, "origin", from.origin, "tab", from.tabID, "trace_id", traceID)

	ctx, span := harborotel.StartServerSpan(ctx, s.tracer, env.Type,
		harborotel.AttrMsgType.String(env.Type),
		harborotel.AttrOrigin.String(from.origin))
	defer span.End()
	if s.metrics != nil {
		start := time.Now()
		defer func() {
			s.metrics.MessageDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	if env.Type == "agent.run" {
		if emit == nil {
			return api.Fail(env.ID, api.Errorf(api.CodeNotImplemented, "streaming not supported for external messages")), false
		}
		s.handleAgentRun(ctx, from, env, emit)
		return api.Response{}, true
	}

	result, err := s.handle(ctx, from, env)
	if err != nil {
		return api.Fail(env.ID, err), false
	}
	return api.OK(env.ID, result), false
}

// requirePermission is the gate every privileged handler calls first. A
// missing or denied scope produces the same error shape so callers cannot
// fingerprint prior consent decisions from the failure alone.
func (s *Server) requirePermission(ctx context.Context, from caller, scopes ...permissions.Scope) *api.Error {
	check, err := s.cfg.Perms.CheckPermissions(ctx, from.origin, scopes, from.tabID)
	if err != nil {
		return api.AsError(err)
	}
	if !check.Granted {
		audit.Record("deny", scopesJoin(scopes), from.origin, "scope_not_granted", "")
		if s.metrics != nil {
			s.metrics.PermissionDenials.Add(ctx, 1)
		}
		return api.Errorf(api.CodeScopeRequired, "origin %s lacks required scopes", from.origin)
	}
	return nil
}

func scopesJoin(scopes []permissions.Scope) string {
	parts := make([]string, len(scopes))
	for i, sc := range scopes {
		parts[i] = string(sc)
	}
	return strings.Join(parts, ",")
}

// normalizeToolRef maps the page-facing "serverId/toolName" form onto the
// host index's "serverId:toolName" keys. The permission store applies the
// same rewrite when it persists and checks allow-lists, so both separators
// are accepted everywhere a tool ref crosses the wire.
func normalizeToolRef(ref string) string {
	return permissions.CanonicalToolRef(ref)
}

func (s *Server) handle(ctx context.Context, from caller, env api.Envelope) (any, error) {
	switch env.Type {

	case "system.hello":
		var p struct {
			Origin string `json:"origin,omitempty"`
			TabID  int    `json:"tabId,omitempty"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		if from.client != nil {
			from.client.mu.Lock()
			if p.Origin != "" {
				from.client.origin = p.Origin
			}
			if p.TabID != 0 {
				from.client.tabID = p.TabID
			}
			from.client.mu.Unlock()
		}
		return map[string]any{"protocol": "web-agent-transport", "version": "1.0"}, nil

	case "system.status":
		status := map[string]any{
			"sessions":        s.cfg.Sessions.Count(),
			"agents":          s.cfg.Agents.Count(),
			"servers_running": s.cfg.Host.RunningCount(),
			"config":          s.cfg.ConfigFingerprint,
		}
		if s.cfg.Bridge != nil {
			status["bridge"] = s.cfg.Bridge.State()
		}
		return status, nil

	case "agent.requestPermissions":
		var p permissions.Request
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		return s.cfg.Perms.RequestPermissions(ctx, from.origin, p, from.tabID)

	case "agent.permissions.status":
		return s.cfg.Perms.GetPermissionStatus(ctx, from.origin, from.tabID)

	case "agent.permissions.revoke":
		if err := s.cfg.Perms.RevokePermissions(ctx, from.origin); err != nil {
			return nil, err
		}
		return map[string]any{"revoked": true}, nil

	case "agent.tools.list", "mcp.tools.list":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeToolsList); apiErr != nil {
			return nil, apiErr
		}
		all := s.cfg.Host.ListTools()
		allowed := make([]mcp.ToolRef, 0, len(all))
		for _, t := range all {
			ok, err := s.cfg.Perms.IsToolAllowed(ctx, from.origin, t.Ref, from.tabID)
			if err != nil {
				return nil, err
			}
			if ok {
				allowed = append(allowed, t)
			}
		}
		return map[string]any{"tools": allowed}, nil

	case "agent.tools.call", "mcp.tools.call":
		return s.handleToolCall(ctx, from, env)

	case "ai.prompt":
		return s.handleAIPrompt(ctx, from, env)

	case "ai.providers.list":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeModelProviders); apiErr != nil {
			return nil, apiErr
		}
		if s.cfg.Bridge == nil {
			return nil, api.Errorf(api.CodeInternal, "bridge unavailable")
		}
		return s.cfg.Bridge.ListProviders(ctx)

	case "ai.models.list":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeModelProviders); apiErr != nil {
			return nil, apiErr
		}
		if s.cfg.Bridge == nil {
			return nil, api.Errorf(api.CodeInternal, "bridge unavailable")
		}
		return s.cfg.Bridge.ListConfiguredModels(ctx)

	case "ai.oauth.status":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeModelProviders); apiErr != nil {
			return nil, apiErr
		}
		if s.cfg.Bridge == nil {
			return nil, api.Errorf(api.CodeInternal, "bridge unavailable")
		}
		return s.handleOAuthStatus(ctx, env)

	case "session.create":
		var p session.ImplicitOptions
		_ = json.Unmarshal(env.Payload, &p)
		sess := s.cfg.Sessions.CreateImplicitSession(from.origin, p, from.tabID)
		return map[string]any{"sessionId": sess.ID, "capabilities": sess.Capabilities}, nil

	case "session.createExplicit":
		return s.handleCreateExplicit(ctx, from, env)

	case "session.prompt":
		return s.handleSessionPrompt(ctx, from, env)

	case "session.status":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		return s.cfg.Sessions.GetValidatedSession(p.SessionID, from.origin)

	case "session.terminate":
		var p struct {
			SessionID string `json:"sessionId"`
			Destroy   bool   `json:"destroy,omitempty"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		var err error
		if p.Destroy {
			err = s.cfg.Sessions.DestroySession(p.SessionID, from.origin)
		} else {
			err = s.cfg.Sessions.TerminateSession(p.SessionID, from.origin)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"terminated": true}, nil

	case "session.clone":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		id, err := s.cfg.Sessions.CloneSession(p.SessionID, from.origin)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": id}, nil

	case "agents.register":
		return s.handleAgentRegister(ctx, from, env)

	case "agents.unregister":
		var p struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		if err := s.cfg.Agents.Unregister(p.AgentID, from.origin); err != nil {
			return nil, err
		}
		return map[string]any{"unregistered": true}, nil

	case "agents.discover":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeAgentsDiscover); apiErr != nil {
			return nil, apiErr
		}
		var p agents.DiscoverQuery
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		found, err := s.cfg.Agents.Discover(ctx, from.origin, p, from.tabID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agents": found}, nil

	case "agents.sendMessage":
		var p struct {
			FromAgentID string          `json:"fromAgentId"`
			ToAgentID   string          `json:"toAgentId"`
			Payload     json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		if err := s.cfg.Agents.SendMessage(ctx, p.FromAgentID, p.ToAgentID, p.Payload, from.origin, from.tabID); err != nil {
			return nil, err
		}
		return map[string]any{"delivered": true}, nil

	case "agents.invoke":
		var p struct {
			FromAgentID string          `json:"fromAgentId"`
			TargetID    string          `json:"targetAgentId"`
			Task        json.RawMessage `json:"task"`
			TimeoutMS   int             `json:"timeoutMs,omitempty"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		req := agents.InvocationRequest{
			TargetAgentID: p.TargetID,
			Task:          p.Task,
			Timeout:       time.Duration(p.TimeoutMS) * time.Millisecond,
		}
		out, err := s.cfg.Agents.Invoke(ctx, req, p.FromAgentID, from.origin, shared.TraceID(ctx), from.tabID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": out}, nil

	case "agents.pipeline":
		var p struct {
			FromAgentID string                `json:"fromAgentId,omitempty"`
			Steps       []agents.PipelineStep `json:"steps"`
			Input       any                   `json:"input"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		return s.cfg.Orchestrator.Pipeline(ctx, p.Steps, p.Input, p.FromAgentID, from.origin, shared.TraceID(ctx), from.tabID), nil

	case "agents.parallel":
		var p struct {
			FromAgentID     string                `json:"fromAgentId,omitempty"`
			Tasks           []agents.ParallelTask `json:"tasks"`
			CombineStrategy string                `json:"combineStrategy,omitempty"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		return s.cfg.Orchestrator.Parallel(ctx, p.Tasks, p.CombineStrategy, p.FromAgentID, from.origin, shared.TraceID(ctx), from.tabID), nil

	case "agents.route":
		var p struct {
			FromAgentID    string         `json:"fromAgentId,omitempty"`
			Routes         []agents.Route `json:"routes"`
			DefaultAgentID string         `json:"defaultAgentId,omitempty"`
			Input          any            `json:"input"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		out, err := s.cfg.Orchestrator.RouteTo(ctx, p.Routes, p.DefaultAgentID, p.Input, p.FromAgentID, from.origin, shared.TraceID(ctx), from.tabID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": out}, nil

	case "agents.supervisor":
		var p struct {
			FromAgentID string                  `json:"fromAgentId,omitempty"`
			Supervisor  agents.SupervisorConfig `json:"supervisor"`
			Tasks       []agents.SupervisorTask `json:"tasks"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		results := make([]map[string]any, len(p.Tasks))
		for i, task := range p.Tasks {
			out, err := s.cfg.Orchestrator.Supervise(ctx, p.Supervisor, task, p.FromAgentID, from.origin, shared.TraceID(ctx), from.tabID)
			if err != nil {
				results[i] = map[string]any{"success": false, "error": api.AsError(err)}
				continue
			}
			results[i] = map[string]any{"success": true, "result": out}
		}
		return map[string]any{"taskResults": results}, nil

	case "agents.remote.connect":
		var p struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		ra := s.cfg.Remote.Connect(ctx, p.Endpoint)
		if ra == nil {
			return map[string]any{"connected": false}, nil
		}
		return map[string]any{"connected": true, "agent": ra}, nil

	case "agents.remote.ping":
		var p struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		reachable, err := s.cfg.Remote.Ping(ctx, p.AgentID)
		if err != nil {
			return nil, api.Errorf(api.CodeAgentNotFound, "remote agent %s not connected", p.AgentID)
		}
		return map[string]any{"reachable": reachable}, nil

	case "browser.tabs.create":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeTabsCreate); apiErr != nil {
			return nil, apiErr
		}
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		tabID := s.allocTabID()
		s.cfg.Tabs.Register(tabID, from.origin, p.URL, from.tabID)
		return map[string]any{"tabId": tabID, "url": p.URL}, nil

	case "browser.tabs.navigate", "browser.tabs.close":
		var p struct {
			TabID int    `json:"tabId"`
			URL   string `json:"url,omitempty"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		if !s.cfg.Tabs.CanOriginControlTab(from.origin, p.TabID) {
			audit.Record("deny", "tabs.control", from.origin, "tab_not_spawned_by_origin", fmt.Sprint(p.TabID))
			return nil, api.Errorf(api.CodePermissionDenied, "origin does not control tab %d", p.TabID)
		}
		if env.Type == "browser.tabs.close" {
			s.cfg.Tabs.Remove(p.TabID)
			return map[string]any{"closed": true}, nil
		}
		return map[string]any{"tabId": p.TabID, "url": p.URL, "navigated": true}, nil

	case "browser.activeTab.read":
		return s.handleBrowserOp(ctx, from, env, permissions.ScopeActiveTabRead, session.CapabilityBrowserRead, "read")

	case "browser.activeTab.interact":
		return s.handleBrowserOp(ctx, from, env, permissions.ScopeActiveTabInteract, session.CapabilityBrowserInteract, "interact")

	case "browser.activeTab.screenshot":
		return s.handleBrowserOp(ctx, from, env, permissions.ScopeActiveTabScreenshot, session.CapabilityBrowserScreenshot, "screenshot")

	case "mcp.servers.register":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeServersManage); apiErr != nil {
			return nil, apiErr
		}
		var m mcp.Manifest
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid manifest: %v", err)
		}
		if err := s.cfg.Host.Register(ctx, &m); err != nil {
			return nil, err
		}
		return map[string]any{"registered": true, "serverId": m.ID}, nil

	case "mcp.servers.unregister":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeServersManage); apiErr != nil {
			return nil, apiErr
		}
		var p struct {
			ServerID string `json:"serverId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		if err := s.cfg.Host.Unregister(ctx, p.ServerID); err != nil {
			return nil, err
		}
		return map[string]any{"unregistered": true}, nil

	case "mcp.servers.start", "mcp.servers.stop":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeServersManage); apiErr != nil {
			return nil, apiErr
		}
		var p struct {
			ServerID string `json:"serverId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		var err error
		if env.Type == "mcp.servers.start" {
			err = s.cfg.Host.Start(ctx, p.ServerID)
		} else {
			err = s.cfg.Host.Stop(ctx, p.ServerID)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"serverId": p.ServerID, "ok": true}, nil

	case "mcp.servers.list":
		if apiErr := s.requirePermission(ctx, from, permissions.ScopeServersManage); apiErr != nil {
			return nil, apiErr
		}
		return map[string]any{"servers": s.cfg.Host.ListServers()}, nil

	case "permission.prompt.respond":
		var p struct {
			PromptID string         `json:"promptId"`
			Response consent.Answer `json:"response"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
		}
		if err := s.cfg.Consent.Respond(p.PromptID, p.Response); err != nil {
			return nil, api.Errorf(api.CodeInternal, "%v", err)
		}
		return map[string]any{"resolved": true}, nil

	case "abort":
		// In-flight handlers are not cancelled; timeouts bound them.
		s.logger.Info("abort requested", "id", env.ID, "origin", from.origin)
		return map[string]any{"acknowledged": true}, nil

	default:
		return nil, api.Errorf(api.CodeNotImplemented, "unknown message type %q", env.Type)
	}
}

// handleOAuthStatus reports the bridge's provider auth state. Naming a
// provider additionally fetches its stored token to report expiry; the
// token material itself never leaves the daemon.
func (s *Server) handleOAuthStatus(ctx context.Context, env api.Envelope) (any, error) {
	var p struct {
		Provider string `json:"provider,omitempty"`
	}
	_ = json.Unmarshal(env.Payload, &p)

	status, err := s.cfg.Bridge.OAuthStatus(ctx)
	if err != nil {
		return nil, api.Errorf(api.CodeInternal, "oauth status: %v", err)
	}
	out := map[string]any{"status": status}
	if p.Provider != "" {
		tokens, err := s.cfg.Bridge.GetTokens(ctx, p.Provider)
		if err != nil {
			return nil, api.Errorf(api.CodeInternal, "oauth tokens for %q: %v", p.Provider, err)
		}
		var tok struct {
			ExpiresAt string `json:"expiresAt"`
		}
		_ = json.Unmarshal(tokens, &tok)
		out["provider"] = p.Provider
		out["authenticated"] = len(tokens) > 0 && string(tokens) != "null"
		out["tokenExpiresAt"] = tok.ExpiresAt
	}
	return out, nil
}

// handleToolCall is the gated tool path shared by agent.tools.call and
// mcp.tools.call. The scope gate runs before the allow-list gate, and both
// run before the host is touched, so an unauthorized call never reaches a
// tool server. An optional sessionId additionally applies the session's
// envelope and budget.
func (s *Server) handleToolCall(ctx context.Context, from caller, env api.Envelope) (any, error) {
	var p struct {
		Tool      string          `json:"tool"`
		Args      json.RawMessage `json:"args,omitempty"`
		SessionID string          `json:"sessionId,omitempty"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Tool == "" {
		return nil, api.Errorf(api.CodeInternal, "invalid payload")
	}
	ref := normalizeToolRef(p.Tool)

	if apiErr := s.requirePermission(ctx, from, permissions.ScopeToolsCall); apiErr != nil {
		return nil, apiErr
	}
	allowed, err := s.cfg.Perms.IsToolAllowed(ctx, from.origin, ref, from.tabID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		audit.Record("deny", string(permissions.ScopeToolsCall), from.origin, "tool_not_allow_listed", ref)
		return nil, api.Errorf(api.CodeToolNotAllowed, "tool %s is not allow-listed for %s", p.Tool, from.origin)
	}

	if p.SessionID != "" {
		sess, err := s.cfg.Sessions.GetValidatedSession(p.SessionID, from.origin)
		if err != nil {
			return nil, err
		}
		out, err := s.cfg.Validator.CheckToolAccess(ctx, s.cfg.Sessions, sess, ref, from.tabID)
		if err != nil {
			return nil, err
		}
		if !out.Allowed {
			return nil, api.Errorf(api.CodeToolNotAllowed, "%s", out.Reason)
		}
		if !s.cfg.Sessions.RecordToolCall(p.SessionID, ref) {
			return nil, api.Errorf(api.CodeToolNotAllowed, "session tool-call budget exhausted")
		}
	}

	serverID, toolName, ok := s.cfg.Host.FindTool(ref)
	if !ok {
		return nil, api.Errorf(api.CodeToolFailed, "unknown tool %s", p.Tool)
	}
	callStart := time.Now()
	res, err := s.cfg.Host.CallTool(ctx, serverID, toolName, p.Args)
	if s.metrics != nil {
		s.metrics.ToolCallDuration.Record(ctx, time.Since(callStart).Seconds())
		if err != nil || res.Error != nil {
			s.metrics.ToolCallErrors.Add(ctx, 1)
		}
	}
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &api.Error{Code: api.CodeToolFailed, Message: res.Error.Message, Details: res.Error}
	}
	var raw any
	if err := json.Unmarshal(res.Result, &raw); err != nil {
		raw = string(res.Result)
	}
	return raw, nil
}

func (s *Server) handleAIPrompt(ctx context.Context, from caller, env api.Envelope) (any, error) {
	if apiErr := s.requirePermission(ctx, from, permissions.ScopeModelPrompt); apiErr != nil {
		return nil, apiErr
	}
	if s.cfg.Bridge == nil {
		return nil, api.Errorf(api.CodeInternal, "bridge unavailable")
	}
	var p struct {
		Prompt   string `json:"prompt"`
		System   string `json:"system,omitempty"`
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Prompt == "" {
		return nil, api.Errorf(api.CodeInternal, "invalid payload")
	}
	raw, err := s.cfg.Bridge.Chat(ctx, bridge.ChatRequest{
		Provider: p.Provider,
		Model:    p.Model,
		System:   p.System,
		Messages: []bridge.ChatMessage{{Role: "user", Content: p.Prompt}},
	}, nil)
	if err != nil {
		return nil, api.Errorf(api.CodeInternal, "bridge chat: %v", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		out = string(raw)
	}
	return out, nil
}

// handleCreateExplicit builds the bounded session and then funnels the
// envelope's implied scopes through a single consent flow, so the caller
// sees one coherent prompt rather than scope-by-scope nagging.
func (s *Server) handleCreateExplicit(ctx context.Context, from caller, env api.Envelope) (any, error) {
	var p session.Request
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
	}
	status, err := s.cfg.Perms.GetPermissionStatus(ctx, from.origin, from.tabID)
	if err != nil {
		return nil, err
	}
	sess := s.cfg.Sessions.CreateExplicitSession(from.origin, p, status.AllowedTools, from.tabID)
	res, err := s.cfg.Validator.RequestPermissions(ctx, sess, from.tabID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId":    sess.ID,
		"capabilities": sess.Capabilities,
		"granted":      res.Granted,
	}, nil
}

func (s *Server) handleSessionPrompt(ctx context.Context, from caller, env api.Envelope) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Prompt    string `json:"prompt"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" || p.Prompt == "" {
		return nil, api.Errorf(api.CodeInternal, "invalid payload")
	}
	sess, err := s.cfg.Sessions.GetValidatedSession(p.SessionID, from.origin)
	if err != nil {
		return nil, err
	}
	out, err := s.cfg.Validator.CheckCapability(ctx, sess, session.CapabilityLLM, from.tabID)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		return nil, api.Errorf(api.CodeScopeRequired, "%s", out.Reason)
	}
	if s.cfg.Bridge == nil {
		return nil, api.Errorf(api.CodeInternal, "bridge unavailable")
	}

	messages := make([]bridge.ChatMessage, 0, len(sess.History)+1)
	for _, m := range sess.History {
		messages = append(messages, bridge.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, bridge.ChatMessage{Role: "user", Content: p.Prompt})

	raw, err := s.cfg.Bridge.Chat(ctx, bridge.ChatRequest{
		SessionID: sess.ID,
		Provider:  sess.Capabilities.LLM.Provider,
		Model:     sess.Capabilities.LLM.Model,
		Messages:  messages,
	}, nil)
	if err != nil {
		return nil, api.Errorf(api.CodeInternal, "bridge chat: %v", err)
	}
	reply := extractContent(raw)
	if err := s.cfg.Sessions.RecordPrompt(sess.ID, p.Prompt, reply); err != nil {
		return nil, err
	}
	return map[string]any{"reply": reply}, nil
}

func (s *Server) handleBrowserOp(ctx context.Context, from caller, env api.Envelope, scope permissions.Scope, cap session.CapabilityKind, op string) (any, error) {
	if apiErr := s.requirePermission(ctx, from, scope); apiErr != nil {
		return nil, apiErr
	}
	var p struct {
		SessionID string          `json:"sessionId,omitempty"`
		Action    json.RawMessage `json:"action,omitempty"`
	}
	_ = json.Unmarshal(env.Payload, &p)
	if p.SessionID != "" {
		sess, err := s.cfg.Sessions.GetValidatedSession(p.SessionID, from.origin)
		if err != nil {
			return nil, err
		}
		out, err := s.cfg.Validator.CheckCapability(ctx, sess, cap, from.tabID)
		if err != nil {
			return nil, err
		}
		if !out.Allowed {
			return nil, api.Errorf(api.CodeScopeRequired, "%s", out.Reason)
		}
		s.cfg.Sessions.RecordBrowserAccess(p.SessionID, op)
	}
	// The browser-side client executes the DOM operation; the router's job
	// is authorization and accounting.
	return map[string]any{"operation": op, "authorized": true}, nil
}

// handleAgentRegister wires a page's agent identity to its WS port: message
// and invocation deliveries become events on the registering connection.
func (s *Server) handleAgentRegister(ctx context.Context, from caller, env api.Envelope) (any, error) {
	if apiErr := s.requirePermission(ctx, from, permissions.ScopeAgentsRegister); apiErr != nil {
		return nil, apiErr
	}
	var p agents.RegisterRequest
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, api.Errorf(api.CodeInternal, "invalid payload: %v", err)
	}
	a := s.cfg.Agents.Register(p, from.origin, from.tabID)

	if c := from.client; c != nil {
		if p.AcceptsMessages {
			s.cfg.Agents.SetMessageHandler(a.ID, func(_ context.Context, msg agents.Message) error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return c.write(ctx, api.StreamEvent{
					ID:    "agents.message",
					Event: map[string]any{"type": "agent_message", "agentId": a.ID, "message": msg},
				})
			})
		}
		if p.AcceptsInvocations {
			s.cfg.Agents.SetInvocationHandler(a.ID, func(_ context.Context, inv agents.Invocation) (any, error) {
				return s.forwardInvocation(c, a.ID, inv)
			})
		}
	}
	return a, nil
}

// forwardInvocation relays an invocation to the owning page and waits for
// its agents.invoke.result reply. The invoke timeout race in the agent
// registry bounds the wait.
func (s *Server) forwardInvocation(c *client, agentID string, inv agents.Invocation) (any, error) {
	invocationID := uuid.NewString()
	ch := make(chan invokeReply, 1)
	s.invokesMu.Lock()
	s.invokes[invocationID] = ch
	s.invokesMu.Unlock()
	defer func() {
		s.invokesMu.Lock()
		delete(s.invokes, invocationID)
		s.invokesMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), agents.DefaultInvocationTimeout)
	defer cancel()
	err := c.write(ctx, api.StreamEvent{
		ID: "agents.invocation",
		Event: map[string]any{
			"type":         "agent_invocation",
			"agentId":      agentID,
			"invocationId": invocationID,
			"invocation":   inv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deliver invocation: %w", err)
	}
	select {
	case reply := <-ch:
		if reply.errMsg != "" {
			return nil, fmt.Errorf("%s", reply.errMsg)
		}
		var out any
		if len(reply.result) > 0 {
			if err := json.Unmarshal(reply.result, &out); err != nil {
				out = string(reply.result)
			}
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// extractContent pulls a text reply out of a bridge chat result, falling
// back to the raw JSON when the shape is unfamiliar.
func extractContent(raw json.RawMessage) string {
	var shaped struct {
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil {
		if shaped.Content != "" {
			return shaped.Content
		}
		if shaped.Text != "" {
			return shaped.Text
		}
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return string(raw)
}
