package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the shared instrumentation scope for pipeline-stage spans
// started outside the LLM Adapter (which names its own scope).
const tracerName = "propmatchd"

// StartSpan starts a span under the shared pipeline tracer. Callers must
// call span.End() (typically via defer) when the stage completes.
func StartSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, operation)
}
