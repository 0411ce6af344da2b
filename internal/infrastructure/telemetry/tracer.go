package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartArchiveSpan starts a span for an archive provider call.
func StartArchiveSpan(ctx context.Context, tracer trace.Tracer, provider, domain string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("archive.%s query", provider),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("archive.provider", provider),
			attribute.String("archive.domain", domain),
		))
}

// StartQuerySpan starts a span for a routed analytical or transactional query.
func StartQuerySpan(ctx context.Context, tracer trace.Tracer, engine, queryType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("query.%s", engine),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", engine),
			attribute.String("query.type", queryType),
		))
}

// StartExtractionSpan starts a span for a content extraction attempt.
func StartExtractionSpan(ctx context.Context, tracer trace.Tracer, tier, url string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("extract.%s", tier),
		trace.WithAttributes(
			attribute.String("extract.tier", tier),
			attribute.String("extract.url", url),
		))
}

// StartSyncSpan starts a span for one change-stream batch application.
func StartSyncSpan(ctx context.Context, tracer trace.Tracer, table string, batchSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sync.apply_batch",
		trace.WithAttributes(
			attribute.String("sync.table", table),
			attribute.Int("sync.batch_size", batchSize),
		))
}

// WithSpanError records err on the span and marks it failed.
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
