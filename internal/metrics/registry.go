package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the application.
type Registry struct {
	meter metric.Meter

	// Archive metrics
	ArchiveQueryDuration  metric.Float64Histogram
	ArchiveSuccessCounter metric.Int64Counter
	ArchiveFailureCounter metric.Int64Counter
	ArchiveExhausted      metric.Int64Counter
	ArchiveRecordsFetched metric.Int64Counter

	// Extraction metrics
	ExtractionDuration    metric.Float64Histogram
	ExtractionTierCounter metric.Int64Counter
	ExtractionDeadLetters metric.Int64Counter
	FetchCacheHitRate     metric.Float64ObservableGauge

	// Query routing metrics
	QueryDuration       metric.Float64Histogram
	QueryCounter        metric.Int64Counter
	QueryDegraded       metric.Int64Counter
	QueryRejected       metric.Int64Counter
	AdmissionQueueDepth metric.Int64ObservableGauge

	// Sync metrics
	SyncEventsApplied  metric.Int64Counter
	SyncBatchDuration  metric.Float64Histogram
	SyncLagSeconds     metric.Float64ObservableGauge
	SyncQueueDepth     metric.Int64ObservableGauge
	SyncConflictsWon   metric.Int64Counter

	// State for observable metrics
	mu             sync.RWMutex
	cacheHits      int64
	cacheMisses    int64
	admissionDepth int64
	syncQueueDepth int64
	syncLag        time.Duration
}

// NewRegistry creates a metrics registry with all domain metrics.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initArchiveMetrics(); err != nil {
		return nil, err
	}
	if err := r.initExtractionMetrics(); err != nil {
		return nil, err
	}
	if err := r.initQueryMetrics(); err != nil {
		return nil, err
	}
	if err := r.initSyncMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initArchiveMetrics() error {
	var err error

	r.ArchiveQueryDuration, err = r.meter.Float64Histogram(
		"chronicle.archive.query_duration",
		metric.WithDescription("Duration of archive strategy queries in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 500, 1000, 5000, 15000, 30000, 60000, 120000),
	)
	if err != nil {
		return err
	}

	r.ArchiveSuccessCounter, err = r.meter.Int64Counter(
		"chronicle.archive.query_success_total",
		metric.WithDescription("Successful archive queries by strategy"),
	)
	if err != nil {
		return err
	}

	r.ArchiveFailureCounter, err = r.meter.Int64Counter(
		"chronicle.archive.query_failure_total",
		metric.WithDescription("Failed archive strategy attempts by strategy and error kind"),
	)
	if err != nil {
		return err
	}

	r.ArchiveExhausted, err = r.meter.Int64Counter(
		"chronicle.archive.all_sources_failed_total",
		metric.WithDescription("Unified queries that exhausted every strategy"),
	)
	if err != nil {
		return err
	}

	r.ArchiveRecordsFetched, err = r.meter.Int64Counter(
		"chronicle.archive.records_fetched_total",
		metric.WithDescription("Capture records returned after filtering"),
	)
	return err
}

func (r *Registry) initExtractionMetrics() error {
	var err error

	r.ExtractionDuration, err = r.meter.Float64Histogram(
		"chronicle.extraction.duration",
		metric.WithDescription("Duration of extraction cascade runs in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 15000, 60000),
	)
	if err != nil {
		return err
	}

	r.ExtractionTierCounter, err = r.meter.Int64Counter(
		"chronicle.extraction.tier_total",
		metric.WithDescription("Extraction outcomes by winning tier"),
	)
	if err != nil {
		return err
	}

	r.ExtractionDeadLetters, err = r.meter.Int64Counter(
		"chronicle.extraction.dead_letter_total",
		metric.WithDescription("Captures dead-lettered after all tiers failed"),
	)
	if err != nil {
		return err
	}

	r.FetchCacheHitRate, err = r.meter.Float64ObservableGauge(
		"chronicle.fetch_cache.hit_rate",
		metric.WithDescription("Fetch cache hit ratio"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			total := r.cacheHits + r.cacheMisses
			if total > 0 {
				o.Observe(float64(r.cacheHits) / float64(total))
			}
			return nil
		}),
	)
	return err
}

func (r *Registry) initQueryMetrics() error {
	var err error

	r.QueryDuration, err = r.meter.Float64Histogram(
		"chronicle.query.duration",
		metric.WithDescription("Duration of routed queries in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000, 30000),
	)
	if err != nil {
		return err
	}

	r.QueryCounter, err = r.meter.Int64Counter(
		"chronicle.query.total",
		metric.WithDescription("Routed queries by engine and type"),
	)
	if err != nil {
		return err
	}

	r.QueryDegraded, err = r.meter.Int64Counter(
		"chronicle.query.degraded_total",
		metric.WithDescription("Analytical queries degraded to the transactional engine"),
	)
	if err != nil {
		return err
	}

	r.QueryRejected, err = r.meter.Int64Counter(
		"chronicle.query.rejected_total",
		metric.WithDescription("Queries rejected by admission control"),
	)
	if err != nil {
		return err
	}

	r.AdmissionQueueDepth, err = r.meter.Int64ObservableGauge(
		"chronicle.query.admission_queue_depth",
		metric.WithDescription("Queries waiting for an admission slot"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.admissionDepth)
			return nil
		}),
	)
	return err
}

func (r *Registry) initSyncMetrics() error {
	var err error

	r.SyncEventsApplied, err = r.meter.Int64Counter(
		"chronicle.sync.events_applied_total",
		metric.WithDescription("Change-stream events applied to the analytical store"),
	)
	if err != nil {
		return err
	}

	r.SyncBatchDuration, err = r.meter.Float64Histogram(
		"chronicle.sync.batch_duration",
		metric.WithDescription("Duration of sync batch application in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	r.SyncLagSeconds, err = r.meter.Float64ObservableGauge(
		"chronicle.sync.lag_seconds",
		metric.WithDescription("Replication lag from commit to analytical visibility"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.syncLag.Seconds())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.SyncQueueDepth, err = r.meter.Int64ObservableGauge(
		"chronicle.sync.queue_depth",
		metric.WithDescription("Events buffered ahead of the analytical writer"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.syncQueueDepth)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.SyncConflictsWon, err = r.meter.Int64Counter(
		"chronicle.sync.conflicts_resolved_total",
		metric.WithDescription("Last-writer-wins conflicts resolved during application"),
	)
	return err
}

// ArchiveQuerySuccess records a successful unified query.
func (r *Registry) ArchiveQuerySuccess(strategy string, records int) {
	ctx := context.Background()
	r.ArchiveSuccessCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy)))
	r.ArchiveRecordsFetched.Add(ctx, int64(records), metric.WithAttributes(
		attribute.String("strategy", strategy)))
}

// ArchiveQueryFailure records one failed strategy attempt.
func (r *Registry) ArchiveQueryFailure(strategy, kind string) {
	r.ArchiveFailureCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("kind", kind)))
}

// ArchiveQueryExhausted records a query for which every source failed.
func (r *Registry) ArchiveQueryExhausted(domain string) {
	r.ArchiveExhausted.Add(context.Background(), 1)
}

// ExtractionOutcome records a cascade result by winning tier, or "none"
// for dead letters.
func (r *Registry) ExtractionOutcome(tier string, elapsed time.Duration) {
	ctx := context.Background()
	r.ExtractionTierCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier)))
	r.ExtractionDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("tier", tier)))
}

// ExtractionDeadLetter records a capture dead-lettered by the cascade.
func (r *Registry) ExtractionDeadLetter() {
	r.ExtractionDeadLetters.Add(context.Background(), 1)
}

// RecordFetchCache feeds the observed hit ratio gauge.
func (r *Registry) RecordFetchCache(hits, misses int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheHits = hits
	r.cacheMisses = misses
}

// QueryRouted records a routed query's engine, type, and latency.
func (r *Registry) QueryRouted(engine, queryType string, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("type", queryType))
	r.QueryCounter.Add(ctx, 1, attrs)
	r.QueryDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// QueryDegradedToOLTP records a degradation event.
func (r *Registry) QueryDegradedToOLTP(queryType string) {
	r.QueryDegraded.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", queryType)))
}

// QueryRejectedByQuota records an admission rejection.
func (r *Registry) QueryRejectedByQuota(priority string) {
	r.QueryRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("priority", priority)))
}

// SetAdmissionDepth feeds the admission queue depth gauge.
func (r *Registry) SetAdmissionDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admissionDepth = depth
}

// SyncBatchApplied records one applied batch.
func (r *Registry) SyncBatchApplied(table string, events int, elapsed time.Duration) {
	ctx := context.Background()
	r.SyncEventsApplied.Add(ctx, int64(events), metric.WithAttributes(
		attribute.String("table", table)))
	r.SyncBatchDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}

// SetSyncLag feeds the replication lag gauge.
func (r *Registry) SetSyncLag(lag time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncLag = lag
}

// SetSyncQueueDepth feeds the writer queue depth gauge.
func (r *Registry) SetSyncQueueDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncQueueDepth = depth
}

// SyncConflictResolved records a last-writer-wins resolution.
func (r *Registry) SyncConflictResolved(table string) {
	r.SyncConflictsWon.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("table", table)))
}
