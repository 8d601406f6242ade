// Package api defines the wire contract between Harbor and its callers:
// the inbound message envelope, the response and stream-event shapes, and
// the closed error-code taxonomy consumed by web pages and companion
// extensions. Handlers return *Error values; the router converts anything
// else to ERR_INTERNAL.
package api

import (
	"encoding/json"
	"fmt"
)

// Envelope is the inbound message shape shared by the long-lived port and
// the one-shot external endpoint. Origin and TabID are optional overrides
// used by companion extensions forwarding a page's context.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	TabID   int             `json:"tabId,omitempty"`
}

// Response is the terminal reply for one envelope id. Exactly one Response
// (or one terminal stream event) is emitted per inbound id.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// StreamEvent is one event of a streaming method. Done=true is terminal:
// no further events follow for that id.
type StreamEvent struct {
	ID    string         `json:"id"`
	Event map[string]any `json:"event"`
	Done  bool           `json:"done,omitempty"`
}

// Stream event types emitted by the agent run loop.
const (
	EventStatus     = "status"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventFinal      = "final"
	EventError      = "error"
)

// Error codes form a closed enum; callers branch on Code, not Message.
const (
	CodeScopeRequired    = "ERR_SCOPE_REQUIRED"
	CodePermissionDenied = "ERR_PERMISSION_DENIED"
	CodeSessionNotFound  = "ERR_SESSION_NOT_FOUND"
	CodeToolNotAllowed   = "ERR_TOOL_NOT_ALLOWED"
	CodeToolFailed       = "ERR_TOOL_FAILED"
	CodeNotRegistered    = "ERR_NOT_REGISTERED"
	CodeAgentNotFound    = "ERR_AGENT_NOT_FOUND"
	CodeNotAccepted      = "ERR_NOT_ACCEPTED"
	CodeNoHandler        = "ERR_NO_HANDLER"
	CodeInvocationFailed = "ERR_INVOCATION_FAILED"
	CodeTimeout          = "ERR_TIMEOUT"
	CodeNoRoute          = "ERR_NO_ROUTE"
	CodeNotImplemented   = "ERR_NOT_IMPLEMENTED"
	CodeInternal         = "ERR_INTERNAL"
)

// Error is the typed failure carried in responses and returned by handlers.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err unchanged when it already is an *Error, and wraps it
// as ERR_INTERNAL otherwise. Authorization failures deliberately share the
// same shape whether a scope was never requested or explicitly denied.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// OK builds a success response for the given id.
func OK(id string, result any) Response {
	return Response{ID: id, OK: true, Result: result}
}

// Fail builds an error response for the given id.
func Fail(id string, err error) Response {
	return Response{ID: id, OK: false, Error: AsError(err)}
}
