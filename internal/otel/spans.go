package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrAgentID   = attribute.Key("hive.agent.id")
	AttrArchetype = attribute.Key("hive.agent.archetype")
	AttrTaskID    = attribute.Key("hive.task.id")
	AttrRound     = attribute.Key("hive.task.round")
	AttrStage     = attribute.Key("hive.kernel.stage")
	AttrToolName  = attribute.Key("hive.tool.name")
	AttrStep      = attribute.Key("hive.plan.step")
	AttrOutcome   = attribute.Key("hive.task.outcome")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
