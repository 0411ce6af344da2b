package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/telemetry"
	"github.com/chronicle-archive/chronicle-backend/internal/metrics"
)

// Preference selects which archive family leads the fallback chain.
type Preference string

const (
	PreferenceWayback     Preference = "WAYBACK"
	PreferenceCommonCrawl Preference = "COMMON_CRAWL"
	PreferenceHybrid      Preference = "HYBRID"
)

// StrategyOutcome records one strategy attempt inside a unified query.
type StrategyOutcome struct {
	Kind    ProviderKind  `json:"kind"`
	Skipped bool          `json:"skipped"`
	Err     string        `json:"error,omitempty"`
	ErrKind errors.Kind   `json:"error_kind,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Records int           `json:"records"`
}

// Stats summarizes a unified query.
type Stats struct {
	SuccessfulStrategy ProviderKind      `json:"successful_strategy"`
	Attempts           int               `json:"attempts"`
	Outcomes           []StrategyOutcome `json:"outcomes"`
	FilteredOut        int               `json:"filtered_out"`
}

// AllSourcesFailed reports that every strategy in the fallback chain
// failed or was skipped, with per-strategy outcomes.
type AllSourcesFailed struct {
	Domain   string
	Outcomes []StrategyOutcome
}

func (e *AllSourcesFailed) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for _, o := range e.Outcomes {
		if o.Skipped {
			parts = append(parts, fmt.Sprintf("%s: skipped (breaker open)", o.Kind))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", o.Kind, o.Err))
	}
	return fmt.Sprintf("all archive sources failed for %s: %s", e.Domain, strings.Join(parts, "; "))
}

// Config tunes the router.
type Config struct {
	FallbackEnabled     bool
	FallbackDelay       time.Duration
	MaxFallbackAttempts int
	StrategyTimeouts    map[ProviderKind]time.Duration
	// Minimum budget a strategy needs to be worth attempting; strategies
	// are short-circuited when less remains on the deadline.
	MinMeaningfulBudget time.Duration
}

// DefaultConfig returns router defaults.
func DefaultConfig() Config {
	return Config{
		FallbackEnabled:     true,
		FallbackDelay:       2 * time.Second,
		MaxFallbackAttempts: 5,
		StrategyTimeouts: map[ProviderKind]time.Duration{
			ProviderWaybackCDX:         45 * time.Second,
			ProviderCommonCrawl:        30 * time.Second,
			ProviderProxiedCommonCrawl: 60 * time.Second,
			ProviderDirectIndex:        90 * time.Second,
			ProviderSecondary:          45 * time.Second,
		},
		MinMeaningfulBudget: 2 * time.Second,
	}
}

// Router orders strategies per preference, drives fallback, enforces
// the end-to-end deadline, and applies the capture filter pipeline to
// whatever the winning strategy returns. It is stateless across calls;
// concurrent calls interact only through the shared breakers and the
// proxy pool.
type Router struct {
	cfg        Config
	strategies map[ProviderKind]*guardedStrategy
	filters    *capture.Pipeline
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *metrics.Registry
}

// NewRouter creates the router and one breaker per strategy. Breakers
// are owned here; strategies see them only through the guarded wrapper.
func NewRouter(cfg Config, strategies []QueryStrategy, breakerCfg breaker.Config, filters *capture.Pipeline, reg *metrics.Registry, logger *zap.Logger) *Router {
	guarded := make(map[ProviderKind]*guardedStrategy, len(strategies))
	for _, s := range strategies {
		guarded[s.Kind()] = &guardedStrategy{
			strategy: s,
			breaker:  breaker.New(string(s.Kind()), breakerCfg, logger),
		}
	}
	return &Router{
		cfg:        cfg,
		strategies: guarded,
		filters:    filters,
		logger:     logger,
		tracer:     telemetry.Tracer("archive.router"),
		metrics:    reg,
	}
}

// orderFor maps a preference to its strategy chain.
func orderFor(pref Preference) []ProviderKind {
	switch pref {
	case PreferenceWayback:
		return []ProviderKind{ProviderWaybackCDX, ProviderSecondary}
	case PreferenceCommonCrawl:
		return []ProviderKind{
			ProviderCommonCrawl, ProviderProxiedCommonCrawl, ProviderDirectIndex,
			ProviderWaybackCDX, ProviderSecondary,
		}
	default:
		return []ProviderKind{
			ProviderWaybackCDX, ProviderCommonCrawl, ProviderProxiedCommonCrawl,
			ProviderDirectIndex, ProviderSecondary,
		}
	}
}

// QueryUnified tries each strategy in preference order until one
// succeeds, then filters and returns its captures. Client errors are
// definitive and terminate the chain; transient and upstream failures
// fall through to the next strategy.
func (r *Router) QueryUnified(ctx context.Context, req Request, pref Preference) ([]capture.Capture, Stats, error) {
	ctx, span := telemetry.StartArchiveSpan(ctx, r.tracer, "unified", req.Domain)
	defer span.End()

	var stats Stats
	attempts := 0

	for _, kind := range orderFor(pref) {
		gs, ok := r.strategies[kind]
		if !ok {
			continue
		}
		if r.cfg.MaxFallbackAttempts > 0 && attempts >= r.cfg.MaxFallbackAttempts {
			break
		}

		// Skip an open breaker that has not yet earned a probe.
		if gs.breaker.State() == breaker.StateOpen && !gs.breaker.ProbeEligible() {
			stats.Outcomes = append(stats.Outcomes, StrategyOutcome{Kind: kind, Skipped: true})
			r.logger.Debug("skipping strategy, breaker open",
				zap.String("strategy", string(kind)),
				zap.String("domain", req.Domain))
			continue
		}

		// Short-circuit when the remaining deadline cannot fund a
		// meaningful attempt.
		if deadline, ok := ctx.Deadline(); ok {
			if time.Until(deadline) < r.cfg.MinMeaningfulBudget {
				stats.Outcomes = append(stats.Outcomes, StrategyOutcome{
					Kind: kind, Skipped: true, Err: "insufficient deadline budget",
				})
				continue
			}
		}

		if attempts > 0 && r.cfg.FallbackDelay > 0 {
			select {
			case <-time.After(r.cfg.FallbackDelay):
			case <-ctx.Done():
				stats.Attempts = attempts
				return nil, stats, errors.NewDeadlineError("archive query deadline exceeded during fallback").WithCause(ctx.Err())
			}
		}

		attempts++
		captures, outcome, err := r.attempt(ctx, gs, req)
		stats.Outcomes = append(stats.Outcomes, outcome)

		if err == nil {
			stats.Attempts = attempts
			stats.SuccessfulStrategy = kind

			kept, dropped := r.applyFilters(captures)
			stats.FilteredOut = dropped
			if r.metrics != nil {
				r.metrics.ArchiveQuerySuccess(string(kind), len(kept))
			}
			return kept, stats, nil
		}

		switch errors.Classify(err) {
		case errors.KindClient:
			// Definitive: the domain genuinely has nothing here. Do not
			// burn the remaining strategies.
			stats.Attempts = attempts
			if !r.cfg.FallbackEnabled {
				telemetry.WithSpanError(span, err)
				return nil, stats, err
			}
			// With fallback enabled a 404 from one archive does not
			// prove absence in another; keep going but remember it.
			continue
		case errors.KindDeadline:
			stats.Attempts = attempts
			telemetry.WithSpanError(span, err)
			return nil, stats, err
		default:
			if !r.cfg.FallbackEnabled {
				stats.Attempts = attempts
				telemetry.WithSpanError(span, err)
				return nil, stats, err
			}
			continue
		}
	}

	stats.Attempts = attempts
	failed := &AllSourcesFailed{Domain: req.Domain, Outcomes: stats.Outcomes}
	telemetry.WithSpanError(span, failed)
	if r.metrics != nil {
		r.metrics.ArchiveQueryExhausted(req.Domain)
	}
	return nil, stats, failed
}

// attempt runs one strategy under its per-strategy timeout with breaker
// accounting.
func (r *Router) attempt(ctx context.Context, gs *guardedStrategy, req Request) ([]capture.Capture, StrategyOutcome, error) {
	kind := gs.strategy.Kind()
	outcome := StrategyOutcome{Kind: kind}

	if err := gs.breaker.Allow(); err != nil {
		outcome.Skipped = true
		outcome.Err = err.Error()
		outcome.ErrKind = errors.Classify(err)
		return nil, outcome, err
	}

	attemptCtx := ctx
	if timeout, ok := r.cfg.StrategyTimeouts[kind]; ok && timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	captures, err := gs.strategy.Query(attemptCtx, req)
	outcome.Elapsed = time.Since(start)

	if err != nil {
		outcome.Err = err.Error()
		outcome.ErrKind = errors.Classify(err)
		gs.breaker.RecordFailure(err)
		gs.observe(outcome.Elapsed, string(outcome.ErrKind))
		if r.metrics != nil {
			r.metrics.ArchiveQueryFailure(string(kind), string(outcome.ErrKind))
		}
		r.logger.Warn("archive strategy failed",
			zap.String("strategy", string(kind)),
			zap.String("domain", req.Domain),
			zap.String("kind", string(outcome.ErrKind)),
			zap.Duration("elapsed", outcome.Elapsed),
			zap.Error(err))
		return nil, outcome, err
	}

	gs.breaker.RecordSuccess()
	gs.observe(outcome.Elapsed, "ok")
	outcome.Records = len(captures)
	r.logger.Info("archive strategy succeeded",
		zap.String("strategy", string(kind)),
		zap.String("domain", req.Domain),
		zap.Int("records", len(captures)),
		zap.Duration("elapsed", outcome.Elapsed))
	return captures, outcome, nil
}

func (r *Router) applyFilters(captures []capture.Capture) ([]capture.Capture, int) {
	if r.filters == nil {
		return captures, 0
	}
	decisions := r.filters.Apply(captures)
	kept := capture.Keep(captures, decisions)
	return kept, len(captures) - len(kept)
}

// Health reports every strategy's condition, keyed by provider kind.
func (r *Router) Health() map[ProviderKind]Health {
	out := make(map[ProviderKind]Health, len(r.strategies))
	for kind, gs := range r.strategies {
		out[kind] = gs.health()
	}
	return out
}
