package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Harbor metrics instruments.
type Metrics struct {
	MessageDuration   metric.Float64Histogram
	PromptDuration    metric.Float64Histogram
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	PermissionPrompts metric.Int64Counter
	PermissionDenials metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
	AgentInvocations  metric.Int64Counter
	BridgeReconnects  metric.Int64Counter
	StreamEvents      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessageDuration, err = meter.Float64Histogram("harbor.message.duration",
		metric.WithDescription("Router message dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptDuration, err = meter.Float64Histogram("harbor.prompt.duration",
		metric.WithDescription("Bridge prompt round trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("harbor.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("harbor.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionPrompts, err = meter.Int64Counter("harbor.permission.prompts",
		metric.WithDescription("Consent prompts shown to the user"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDenials, err = meter.Int64Counter("harbor.permission.denials",
		metric.WithDescription("Permission checks that resolved to a denial"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("harbor.session.active",
		metric.WithDescription("Number of currently active sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentInvocations, err = meter.Int64Counter("harbor.agent.invocations",
		metric.WithDescription("Agent invocation attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeReconnects, err = meter.Int64Counter("harbor.bridge.reconnects",
		metric.WithDescription("Bridge reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEvents, err = meter.Int64Counter("harbor.stream.events",
		metric.WithDescription("Streaming events delivered to clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
