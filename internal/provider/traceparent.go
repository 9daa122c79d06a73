package provider

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kursadbilgin/delivery-engine/internal/observability"
)

// Traceparent renders a W3C traceparent header for the stored trace and span
// ids. Invalid ids yield an empty string.
func Traceparent(traceID, spanID string) string {
	sc, ok := observability.RemoteSpanContext(traceID, spanID)
	if !ok {
		return ""
	}

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(trace.ContextWithRemoteSpanContext(context.Background(), sc), carrier)
	return carrier.Get("traceparent")
}
