package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Harbor spans.
var (
	AttrOrigin    = attribute.Key("harbor.origin")
	AttrScope     = attribute.Key("harbor.scope")
	AttrSessionID = attribute.Key("harbor.session.id")
	AttrAgentID   = attribute.Key("harbor.agent.id")
	AttrServerID  = attribute.Key("harbor.mcp.server")
	AttrToolName  = attribute.Key("harbor.tool.name")
	AttrProvider  = attribute.Key("harbor.llm.provider")
	AttrModel     = attribute.Key("harbor.llm.model")
	AttrTabID     = attribute.Key("harbor.tab.id")
	AttrMsgType   = attribute.Key("harbor.message.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound message (gateway dispatch).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (bridge RPC, tool server).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
