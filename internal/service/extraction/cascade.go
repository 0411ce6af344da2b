package extraction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/fetchcache"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/telemetry"
	"github.com/chronicle-archive/chronicle-backend/internal/metrics"
)

// Fetcher obtains the raw bytes for a capture.
type Fetcher interface {
	Fetch(ctx context.Context, c capture.Capture) (body []byte, contentType string, err error)
}

// Result is one cascade outcome.
type Result struct {
	Text     string
	TierUsed string
	Cached   bool
	Failed   bool
}

// Config tunes the cascade.
type Config struct {
	MinTextLength    int
	ExtractorVersion string
	// Reach-through limiter settings.
	ReachthroughPerMinute   int
	ReachthroughMinInterval time.Duration
}

// DefaultConfig returns the cascade defaults.
func DefaultConfig() Config {
	return Config{
		MinTextLength:           200,
		ExtractorVersion:        "v4",
		ReachthroughPerMinute:   15,
		ReachthroughMinInterval: 4 * time.Second,
	}
}

// tierSlot pairs one tier with its breaker.
type tierSlot struct {
	tier    Tier
	breaker *breaker.Breaker
}

// Cascade runs the four extraction tiers in order until one produces
// text above the configured minimum. Below-minimum text is not a
// failure; only real errors feed the per-tier breakers. A capture for
// which every tier fails is dead-lettered and marked, never raised.
type Cascade struct {
	cfg     Config
	tiers   []tierSlot
	fetcher Fetcher
	cache   *fetchcache.Cache
	dlq     *DeadLetterQueue
	limiter *TicketLimiter
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Registry
}

// tierBreakerConfig returns each tier's breaker tuning. Thresholds
// reflect how trustworthy a tier failure is as a signal: the generic
// parser failing three times means the input is hostile; readability
// failing is routine.
func tierBreakerConfig() map[string]breaker.Config {
	return map[string]breaker.Config{
		"T1": {FailureThreshold: 10, RecoveryTimeout: 30 * time.Second},
		"T2": {FailureThreshold: 8, RecoveryTimeout: 45 * time.Second},
		"T3": {FailureThreshold: 3, RecoveryTimeout: 20 * time.Second},
		"T4": {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
	}
}

// NewCascade builds the cascade with its four tiers, per-tier breakers,
// and the shared reach-through limiter.
func NewCascade(cfg Config, fetcher Fetcher, cache *fetchcache.Cache, dlq *DeadLetterQueue, reg *metrics.Registry, logger *zap.Logger) *Cascade {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = DefaultConfig().MinTextLength
	}
	if cfg.ExtractorVersion == "" {
		cfg.ExtractorVersion = DefaultConfig().ExtractorVersion
	}
	if cfg.ReachthroughPerMinute <= 0 {
		cfg.ReachthroughPerMinute = DefaultConfig().ReachthroughPerMinute
	}
	if cfg.ReachthroughMinInterval <= 0 {
		cfg.ReachthroughMinInterval = DefaultConfig().ReachthroughMinInterval
	}

	limiter := NewTicketLimiter(cfg.ReachthroughPerMinute, cfg.ReachthroughMinInterval)
	breakerCfgs := tierBreakerConfig()

	tiers := []Tier{
		readabilityTier{},
		newsTier{},
		genericTier{},
		newReachthroughTier(limiter, 60*time.Second),
	}
	slots := make([]tierSlot, 0, len(tiers))
	for _, t := range tiers {
		slots = append(slots, tierSlot{
			tier:    t,
			breaker: breaker.New("extractor-"+t.Name(), breakerCfgs[t.Name()], logger),
		})
	}

	return &Cascade{
		cfg:     cfg,
		tiers:   slots,
		fetcher: fetcher,
		cache:   cache,
		dlq:     dlq,
		limiter: limiter,
		logger:  logger,
		tracer:  telemetry.Tracer("extraction.cascade"),
		metrics: reg,
	}
}

// Extract runs the cascade for one capture, consulting the fetch cache
// first. Cache hits short-circuit everything.
func (c *Cascade) Extract(ctx context.Context, rec capture.Capture) (Result, error) {
	key := fetchcache.KeyFor(rec, c.cfg.ExtractorVersion)

	entry, cached, err := c.cache.GetOrBuild(ctx, key, func(buildCtx context.Context) (fetchcache.Entry, error) {
		return c.build(buildCtx, rec)
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Text:     entry.Text,
		TierUsed: entry.TierUsed,
		Cached:   cached,
		Failed:   entry.TierUsed == "",
	}, nil
}

// build fetches the capture body and runs the tiers. It returns an
// entry even when extraction fails so the failure is cached and the
// capture is not re-fetched on every touch.
func (c *Cascade) build(ctx context.Context, rec capture.Capture) (fetchcache.Entry, error) {
	start := time.Now()

	body, contentType, err := c.fetcher.Fetch(ctx, rec)
	if err != nil {
		return fetchcache.Entry{}, err
	}
	doc := Document{Capture: rec, Body: body, ContentType: contentType}

	var attempted []string
	for _, slot := range c.tiers {
		name := slot.tier.Name()

		if err := slot.breaker.Allow(); err != nil {
			c.logger.Debug("extraction tier skipped, breaker open",
				zap.String("tier", name),
				zap.String("url", rec.OriginalURL))
			continue
		}
		attempted = append(attempted, name)

		tierCtx, span := telemetry.StartExtractionSpan(ctx, c.tracer, name, rec.OriginalURL)
		text, err := slot.tier.Extract(tierCtx, doc)
		if err != nil {
			telemetry.WithSpanError(span, err)
			span.End()
			slot.breaker.RecordFailure(err)
			c.logger.Debug("extraction tier failed",
				zap.String("tier", name),
				zap.String("url", rec.OriginalURL),
				zap.Error(err))
			continue
		}
		span.End()
		slot.breaker.RecordSuccess()

		// Short text is a miss, not a failure: the tier worked, the
		// page just has little prose for it.
		if len(text) < c.cfg.MinTextLength {
			c.logger.Debug("extraction below minimum length",
				zap.String("tier", name),
				zap.String("url", rec.OriginalURL),
				zap.Int("length", len(text)))
			continue
		}

		if c.metrics != nil {
			c.metrics.ExtractionOutcome(name, time.Since(start))
		}
		return fetchcache.Entry{
			Status:      rec.StatusCode,
			Mime:        contentType,
			Text:        text,
			ExtractedAt: time.Now(),
			TierUsed:    name,
		}, nil
	}

	// Every tier failed or came up short: mark the capture, dead-letter
	// it, and cache the empty entry so the pipeline continues.
	rec.ExtractionFailed = true
	c.dlq.Add(rec, errors.NewExtractionFailedError(rec.OriginalURL).Message, attempted)
	if c.metrics != nil {
		c.metrics.ExtractionDeadLetter()
		c.metrics.ExtractionOutcome("none", time.Since(start))
	}
	return fetchcache.Entry{
		Status:      rec.StatusCode,
		Mime:        contentType,
		ExtractedAt: time.Now(),
	}, nil
}

// TierHealth reports every tier's breaker state.
func (c *Cascade) TierHealth() map[string]breaker.State {
	out := make(map[string]breaker.State, len(c.tiers))
	for _, slot := range c.tiers {
		out[slot.tier.Name()] = slot.breaker.State()
	}
	return out
}

// Close stops the reach-through limiter.
func (c *Cascade) Close() {
	c.limiter.Close()
}
