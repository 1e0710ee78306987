package log

import (
	"context"
	"strconv"

	"github.com/go-kit/log"
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	"go.opentelemetry.io/otel/trace"
)

// WithQueryID returns a Logger that has information about the query whose
// fragments are being worked on in its details.
func WithQueryID(queryID uint64, l log.Logger) log.Logger {
	return log.With(l, "query_id", strconv.FormatUint(queryID, 10))
}

// WithTraceID returns a Logger that has information about the traceID in
// its details.
func WithTraceID(traceID string, l log.Logger) log.Logger {
	return log.With(l, "traceID", traceID)
}

// WithContext returns a Logger that has information about the current trace
// in its details.
//
// e.g.
//
//	log := util.WithContext(ctx)
//	log.Errorf("Could not start fragment: %v", err)
func WithContext(ctx context.Context, l log.Logger) log.Logger {
	traceID, ok := ExtractSampledTraceID(ctx)
	if !ok {
		return l
	}

	return WithTraceID(traceID, l)
}

// WithSourceIPs returns a Logger that has information about the source IPs in
// its details.
func WithSourceIPs(sourceIPs string, l log.Logger) log.Logger {
	return log.With(l, "sourceIPs", sourceIPs)
}

// ExtractSampledTraceID gets traceID and whether the trace is samples or not.
func ExtractSampledTraceID(ctx context.Context) (string, bool) {
	sp := opentracing.SpanFromContext(ctx)
	if sp == nil {
		return "", false
	}
	sctx, ok := sp.Context().(jaeger.SpanContext)
	if !ok {
		// If OpenTracing span not found, try OTEL.
		span := trace.SpanFromContext(ctx)
		if span != nil {
			return span.SpanContext().TraceID().String(), span.SpanContext().IsSampled()
		}
		return "", false
	}

	return sctx.TraceID().String(), sctx.IsSampled()
}
