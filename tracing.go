package offsync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Prismer-AI/offsync"

// Span attribute keys.
const (
	AttrQueue     = attribute.Key("offsync.queue")
	AttrItemID    = attribute.Key("offsync.item.id")
	AttrSucceeded = attribute.Key("offsync.sweep.succeeded")
	AttrFailed    = attribute.Key("offsync.sweep.failed")
	AttrTopic     = attribute.Key("offsync.topic")
)

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// recordError keeps the status description generic; the error itself goes into a span event.
func recordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
