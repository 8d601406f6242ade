package gateway

import (
	"context"
	"encoding/json"

	"github.com/harborhq/harbor/internal/api"
	"github.com/harborhq/harbor/internal/bridge"
	"github.com/harborhq/harbor/internal/permissions"
	"github.com/harborhq/harbor/internal/session"
)

// maxRunIterations bounds the agent-run tool loop: a model that keeps
// requesting tools is cut off rather than looping forever.
const maxRunIterations = 8

type runPayload struct {
	Task      string   `json:"task"`
	SessionID string   `json:"sessionId,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	System    string   `json:"system,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// chatTurn is the shape the bridge resolves a chat round to: final content,
// or a batch of tool calls to execute before the next round.
type chatTurn struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args,omitempty"`
	} `json:"toolCalls,omitempty"`
}

// handleAgentRun is the streaming tool loop. It emits status, tool_call,
// tool_result, and final events, always ending with exactly one terminal
// done:true event even on failure.
func (s *Server) handleAgentRun(ctx context.Context, from caller, env api.Envelope, emit func(api.StreamEvent) error) {
	fail := func(err error) {
		apiErr := api.AsError(err)
		_ = emit(api.StreamEvent{
			ID:    env.ID,
			Event: map[string]any{"type": api.EventError, "error": apiErr},
			Done:  true,
		})
	}

	var p runPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Task == "" {
		fail(api.Errorf(api.CodeInternal, "invalid payload"))
		return
	}
	if s.cfg.Bridge == nil {
		fail(api.Errorf(api.CodeInternal, "bridge unavailable"))
		return
	}

	var sess session.Session
	if p.SessionID != "" {
		got, err := s.cfg.Sessions.GetValidatedSession(p.SessionID, from.origin)
		if err != nil {
			fail(err)
			return
		}
		sess = got
	} else {
		sess = s.cfg.Sessions.CreateImplicitSession(from.origin, session.ImplicitOptions{
			Provider: p.Provider,
			Model:    p.Model,
		}, from.tabID)
	}

	out, err := s.cfg.Validator.CheckCapability(ctx, sess, session.CapabilityLLM, from.tabID)
	if err != nil {
		fail(err)
		return
	}
	if !out.Allowed {
		fail(api.Errorf(api.CodeScopeRequired, "%s", out.Reason))
		return
	}

	_ = emit(api.StreamEvent{
		ID:    env.ID,
		Event: map[string]any{"type": api.EventStatus, "status": "started", "sessionId": sess.ID},
	})

	messages := make([]bridge.ChatMessage, 0, len(sess.History)+1)
	for _, m := range sess.History {
		messages = append(messages, bridge.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, bridge.ChatMessage{Role: "user", Content: p.Task})

	toolRefs := make([]string, len(p.Tools))
	for i, t := range p.Tools {
		toolRefs[i] = normalizeToolRef(t)
	}

	for iter := 0; iter < maxRunIterations; iter++ {
		raw, err := s.cfg.Bridge.Chat(ctx, bridge.ChatRequest{
			SessionID: sess.ID,
			Provider:  sess.Capabilities.LLM.Provider,
			Model:     sess.Capabilities.LLM.Model,
			System:    p.System,
			Messages:  messages,
			Tools:     toolRefs,
		}, func(ev bridge.StreamEvent) {
			if len(ev.Event) > 0 {
				var shaped any
				if json.Unmarshal(ev.Event, &shaped) != nil {
					shaped = string(ev.Event)
				}
				_ = emit(api.StreamEvent{
					ID:    env.ID,
					Event: map[string]any{"type": api.EventStatus, "detail": shaped},
				})
			}
		})
		if err != nil {
			fail(api.Errorf(api.CodeInternal, "bridge chat: %v", err))
			return
		}

		var turn chatTurn
		if err := json.Unmarshal(raw, &turn); err != nil {
			turn.Content = string(raw)
		}

		if len(turn.ToolCalls) == 0 {
			if err := s.cfg.Sessions.RecordPrompt(sess.ID, p.Task, turn.Content); err != nil {
				s.logger.Warn("record prompt failed", "session", sess.ID, "error", err)
			}
			_ = emit(api.StreamEvent{
				ID:    env.ID,
				Event: map[string]any{"type": api.EventFinal, "content": turn.Content, "sessionId": sess.ID},
				Done:  true,
			})
			return
		}

		for _, tc := range turn.ToolCalls {
			ref := normalizeToolRef(tc.Tool)
			_ = emit(api.StreamEvent{
				ID:    env.ID,
				Event: map[string]any{"type": api.EventToolCall, "tool": tc.Tool},
			})
			result, toolErr := s.runToolCall(ctx, from, sess, ref, tc.Args)
			ev := map[string]any{"type": api.EventToolResult, "tool": tc.Tool}
			var feedback string
			if toolErr != nil {
				ev["error"] = api.AsError(toolErr)
				feedback = "tool " + tc.Tool + " failed: " + api.AsError(toolErr).Message
			} else {
				ev["result"] = result
				feedback = stringifyResult(result)
			}
			_ = emit(api.StreamEvent{ID: env.ID, Event: ev})
			messages = append(messages, bridge.ChatMessage{Role: "tool", Content: feedback})
		}
	}

	fail(api.Errorf(api.CodeInternal, "tool loop exceeded %d iterations", maxRunIterations))
}

// runToolCall applies the same three gates as the request/response tool
// path before touching the host.
func (s *Server) runToolCall(ctx context.Context, from caller, sess session.Session, ref string, args json.RawMessage) (any, error) {
	if apiErr := s.requirePermission(ctx, from, permissions.ScopeToolsCall); apiErr != nil {
		return nil, apiErr
	}
	allowed, err := s.cfg.Perms.IsToolAllowed(ctx, from.origin, ref, from.tabID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, api.Errorf(api.CodeToolNotAllowed, "tool %s is not allow-listed", ref)
	}
	if sess.Kind == session.Explicit {
		out, err := s.cfg.Validator.CheckToolAccess(ctx, s.cfg.Sessions, sess, ref, from.tabID)
		if err != nil {
			return nil, err
		}
		if !out.Allowed {
			return nil, api.Errorf(api.CodeToolNotAllowed, "%s", out.Reason)
		}
		if !s.cfg.Sessions.RecordToolCall(sess.ID, ref) {
			return nil, api.Errorf(api.CodeToolNotAllowed, "session tool-call budget exhausted")
		}
	}
	serverID, toolName, ok := s.cfg.Host.FindTool(ref)
	if !ok {
		return nil, api.Errorf(api.CodeToolFailed, "unknown tool %s", ref)
	}
	res, err := s.cfg.Host.CallTool(ctx, serverID, toolName, args)
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

func stringifyResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
