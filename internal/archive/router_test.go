package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
)

// stubStrategy scripts a sequence of results for one provider kind.
type stubStrategy struct {
	kind    ProviderKind
	results []stubResult
	calls   int
}

type stubResult struct {
	captures []capture.Capture
	err      error
}

func (s *stubStrategy) Kind() ProviderKind { return s.kind }

func (s *stubStrategy) Query(ctx context.Context, req Request) ([]capture.Capture, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	r := s.results[idx]
	return r.captures, r.err
}

func always(kind ProviderKind, err error) *stubStrategy {
	return &stubStrategy{kind: kind, results: []stubResult{{err: err}}}
}

func succeeding(kind ProviderKind, n int) *stubStrategy {
	caps := make([]capture.Capture, n)
	for i := range caps {
		caps[i] = capture.Capture{
			RawTimestamp: "20240601120000",
			OriginalURL:  "https://example.test/page",
			MimeType:     "text/html",
			StatusCode:   200,
			Length:       1000,
			Digest:       "D" + string(rune('A'+i%26)),
		}
	}
	return &stubStrategy{kind: kind, results: []stubResult{{captures: caps}}}
}

func newTestRouter(t *testing.T, strategies []QueryStrategy, cfg Config) *Router {
	t.Helper()
	return NewRouter(cfg, strategies, breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}, nil, nil, zaptest.NewLogger(t))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.FallbackDelay = 0
	return cfg
}

func TestAllSourcesFailWithClientErrors(t *testing.T) {
	notFound := func() error {
		return errors.NewClientError("NO_CAPTURES", "no captures indexed for example-nodata.test")
	}
	strategies := []QueryStrategy{
		always(ProviderWaybackCDX, notFound()),
		always(ProviderCommonCrawl, notFound()),
		always(ProviderProxiedCommonCrawl, notFound()),
		always(ProviderDirectIndex, notFound()),
		always(ProviderSecondary, notFound()),
	}
	r := newTestRouter(t, strategies, fastConfig())

	_, stats, err := r.QueryUnified(context.Background(),
		Request{Domain: "example-nodata.test", From: "20240101", To: "20241231"},
		PreferenceHybrid)

	var asf *AllSourcesFailed
	require.ErrorAs(t, err, &asf)
	assert.Len(t, asf.Outcomes, 5)
	assert.Equal(t, 5, stats.Attempts)
	for _, o := range asf.Outcomes {
		assert.Equal(t, errors.KindClient, o.ErrKind)
	}

	// Definitive refusals never open breakers.
	for kind, h := range r.Health() {
		assert.Equal(t, breaker.StateClosed, h.BreakerState, "breaker for %s", kind)
	}
}

func TestPrimaryThrottledProxySucceeds(t *testing.T) {
	primary := &stubStrategy{kind: ProviderWaybackCDX, results: []stubResult{
		{err: errors.NewTransientError("CDX_TIMEOUT", "timed out")},
	}}
	strategies := []QueryStrategy{
		primary,
		always(ProviderCommonCrawl, errors.NewUpstreamUnavailableError("commoncrawl-index", "api access blocked")),
		succeeding(ProviderProxiedCommonCrawl, 120),
		succeeding(ProviderDirectIndex, 5),
		succeeding(ProviderSecondary, 5),
	}
	r := newTestRouter(t, strategies, fastConfig())

	// Drive the primary breaker open with five counting failures.
	req := Request{Domain: "example.test", From: "20240101", To: "20241231"}
	for i := 0; i < 5; i++ {
		caps, stats, err := r.QueryUnified(context.Background(), req, PreferenceHybrid)
		require.NoError(t, err)
		assert.Len(t, caps, 120)
		assert.Equal(t, ProviderProxiedCommonCrawl, stats.SuccessfulStrategy)
	}

	assert.Equal(t, breaker.StateOpen, r.Health()[ProviderWaybackCDX].BreakerState)
	primaryCallsBefore := primary.calls

	// Within the recovery window the primary is skipped without a call.
	caps, stats, err := r.QueryUnified(context.Background(), req, PreferenceHybrid)
	require.NoError(t, err)
	assert.Len(t, caps, 120)
	assert.Equal(t, ProviderProxiedCommonCrawl, stats.SuccessfulStrategy)
	assert.Equal(t, primaryCallsBefore, primary.calls)
	assert.True(t, stats.Outcomes[0].Skipped)
}

func TestPreferenceOrdering(t *testing.T) {
	assert.Equal(t, []ProviderKind{ProviderWaybackCDX, ProviderSecondary}, orderFor(PreferenceWayback))
	assert.Equal(t, []ProviderKind{
		ProviderCommonCrawl, ProviderProxiedCommonCrawl, ProviderDirectIndex,
		ProviderWaybackCDX, ProviderSecondary,
	}, orderFor(PreferenceCommonCrawl))
	assert.Equal(t, []ProviderKind{
		ProviderWaybackCDX, ProviderCommonCrawl, ProviderProxiedCommonCrawl,
		ProviderDirectIndex, ProviderSecondary,
	}, orderFor(PreferenceHybrid))
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	second := succeeding(ProviderCommonCrawl, 10)
	third := succeeding(ProviderProxiedCommonCrawl, 10)
	strategies := []QueryStrategy{
		always(ProviderWaybackCDX, errors.NewTransientError("CDX_TIMEOUT", "timed out")),
		second,
		third,
	}
	r := newTestRouter(t, strategies, fastConfig())

	caps, stats, err := r.QueryUnified(context.Background(),
		Request{Domain: "example.test"}, PreferenceHybrid)
	require.NoError(t, err)
	assert.Len(t, caps, 10)
	assert.Equal(t, ProviderCommonCrawl, stats.SuccessfulStrategy)
	assert.Equal(t, 0, third.calls, "later strategies must not be invoked after a success")
}

func TestDeadlineShortCircuitsRemainingStrategies(t *testing.T) {
	slow := &stubStrategy{kind: ProviderWaybackCDX, results: []stubResult{
		{err: errors.NewTransientError("CDX_TIMEOUT", "timed out")},
	}}
	next := succeeding(ProviderCommonCrawl, 10)
	cfg := fastConfig()
	cfg.MinMeaningfulBudget = time.Hour // nothing can fund an attempt

	r := newTestRouter(t, []QueryStrategy{slow, next}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, stats, err := r.QueryUnified(ctx, Request{Domain: "example.test"}, PreferenceHybrid)
	require.Error(t, err)
	assert.Equal(t, 0, stats.Attempts)
	assert.Equal(t, 0, next.calls)
}

func TestFiltersAppliedToWinningStrategy(t *testing.T) {
	caps := []capture.Capture{
		{RawTimestamp: "20240601120000", OriginalURL: "https://example.test/article", MimeType: "text/html", StatusCode: 200, Length: 5000, Digest: "AAA"},
		{RawTimestamp: "20240601120001", OriginalURL: "https://example.test/logo.png", MimeType: "image/png", StatusCode: 200, Length: 5000, Digest: "BBB"},
	}
	s := &stubStrategy{kind: ProviderWaybackCDX, results: []stubResult{{captures: caps}}}

	pipeline := capture.NewPipeline(capture.DefaultFilterConfig())
	r := NewRouter(fastConfig(), []QueryStrategy{s}, breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute},
		pipeline, nil, zaptest.NewLogger(t))

	kept, stats, err := r.QueryUnified(context.Background(), Request{Domain: "example.test"}, PreferenceWayback)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "https://example.test/article", kept[0].OriginalURL)
	assert.Equal(t, 1, stats.FilteredOut)
}

func TestStartQueryStreamsCaptures(t *testing.T) {
	r := newTestRouter(t, []QueryStrategy{succeeding(ProviderWaybackCDX, 7)}, fastConfig())

	h := r.StartQuery(context.Background(), Request{Domain: "example.test"}, PreferenceWayback, 10*time.Second)

	var streamed int
	for range h.Stream() {
		streamed++
	}
	assert.Equal(t, 7, streamed)
	assert.NoError(t, h.Err())
	assert.Equal(t, ProviderWaybackCDX, h.Stats().SuccessfulStrategy)
}

func TestStartQueryFailureSurfacesOutcomes(t *testing.T) {
	r := newTestRouter(t, []QueryStrategy{
		always(ProviderWaybackCDX, errors.NewClientError("NO_CAPTURES", "nothing archived")),
		always(ProviderSecondary, errors.NewClientError("NO_CAPTURES", "nothing archived")),
	}, fastConfig())

	h := r.StartQuery(context.Background(), Request{Domain: "gone.test"}, PreferenceWayback, 10*time.Second)
	for range h.Stream() {
	}

	var asf *AllSourcesFailed
	require.ErrorAs(t, h.Err(), &asf)
	assert.Len(t, asf.Outcomes, 2)
}
