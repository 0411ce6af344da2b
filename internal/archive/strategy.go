package archive

import (
	"context"
	"sync"
	"time"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
)

// ProviderKind identifies one archive access path. The set is closed;
// the router never branches on concrete strategy types.
type ProviderKind string

const (
	ProviderWaybackCDX         ProviderKind = "WAYBACK_CDX"
	ProviderCommonCrawl        ProviderKind = "COMMON_CRAWL"
	ProviderProxiedCommonCrawl ProviderKind = "PROXIED_COMMON_CRAWL"
	ProviderDirectIndex        ProviderKind = "DIRECT_INDEX"
	ProviderSecondary          ProviderKind = "SECONDARY_ARCHIVE"
)

// Request is one capture-index lookup. Dates use the packed YYYYMMDD
// form the archive indexes understand.
type Request struct {
	Domain string
	From   string
	To     string
	Limit  int
}

// QueryStrategy is a single named path to obtain captures. Strategies
// wrap network access, auth, and per-source rate limits; they never
// retry more than once per call. Retries across strategies belong to
// the router.
type QueryStrategy interface {
	Kind() ProviderKind
	Query(ctx context.Context, req Request) ([]capture.Capture, error)
}

// Health is one strategy's observable condition.
type Health struct {
	Kind         ProviderKind  `json:"kind"`
	Healthy      bool          `json:"healthy"`
	BreakerState breaker.State `json:"breaker_state"`
	AvgLatencyMS float64       `json:"avg_latency_ms"`
	LastOutcome  string        `json:"last_outcome"`
}

// guardedStrategy pairs a strategy with its breaker and rolling latency.
// Created at router init and never destroyed; all state mutation goes
// through the breaker or the stats lock.
type guardedStrategy struct {
	strategy QueryStrategy
	breaker  *breaker.Breaker

	mu          sync.Mutex
	avgLatency  time.Duration
	lastOutcome string
}

const latencyEWMAAlpha = 0.2

func (g *guardedStrategy) observe(elapsed time.Duration, outcome string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.avgLatency == 0 {
		g.avgLatency = elapsed
	} else {
		g.avgLatency = time.Duration(float64(g.avgLatency)*(1-latencyEWMAAlpha) + float64(elapsed)*latencyEWMAAlpha)
	}
	g.lastOutcome = outcome
}

func (g *guardedStrategy) health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.breaker.State()
	return Health{
		Kind:         g.strategy.Kind(),
		Healthy:      state == breaker.StateClosed,
		BreakerState: state,
		AvgLatencyMS: float64(g.avgLatency) / float64(time.Millisecond),
		LastOutcome:  g.lastOutcome,
	}
}
