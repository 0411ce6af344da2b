package extraction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/fetchcache"
)

// stubTier returns scripted text or errors.
type stubTier struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) Extract(ctx context.Context, doc Document) (string, error) {
	s.calls++
	return s.text, s.err
}

type stubFetcher struct {
	body  []byte
	err   error
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, rec capture.Capture) ([]byte, string, error) {
	s.calls++
	return s.body, "text/html", s.err
}

func testCapture() capture.Capture {
	c := capture.Capture{
		RawTimestamp: "20240601120000",
		OriginalURL:  "https://example.com/article",
		MimeType:     "text/html",
		StatusCode:   200,
		Source:       capture.SourceWayback,
	}
	c.Timestamp, _ = capture.ParseTimestamp(c.RawTimestamp)
	return c
}

func newTestCascade(t *testing.T, fetcher Fetcher, tiers ...Tier) *Cascade {
	t.Helper()
	logger := zaptest.NewLogger(t)
	c := NewCascade(Config{
		MinTextLength:           200,
		ReachthroughPerMinute:   6000,
		ReachthroughMinInterval: time.Millisecond,
	}, fetcher, fetchcache.New(fetchcache.Config{MaxEntries: 100, TTL: time.Minute}, logger),
		NewDeadLetterQueue(100, logger), nil, logger)
	t.Cleanup(c.Close)

	if len(tiers) > 0 {
		cfgs := tierBreakerConfig()
		slots := make([]tierSlot, 0, len(tiers))
		for _, tier := range tiers {
			cfg, ok := cfgs[tier.Name()]
			if !ok {
				cfg = breaker.DefaultConfig()
			}
			slots = append(slots, tierSlot{
				tier:    tier,
				breaker: breaker.New("extractor-"+tier.Name(), cfg, logger),
			})
		}
		c.tiers = slots
	}
	return c
}

func TestTierFallbackOnShortText(t *testing.T) {
	t1 := &stubTier{name: "T1", text: strings.Repeat("a", 120)}
	t2 := &stubTier{name: "T2", text: strings.Repeat("b", 120)}
	t3 := &stubTier{name: "T3", text: strings.Repeat("c", 2400)}
	fetcher := &stubFetcher{body: []byte("<html></html>")}

	c := newTestCascade(t, fetcher, t1, t2, t3)
	res, err := c.Extract(context.Background(), testCapture())
	require.NoError(t, err)

	assert.Equal(t, "T3", res.TierUsed)
	assert.False(t, res.Failed)
	assert.Len(t, res.Text, 2400)

	// Below-minimum output is not a failure: T1/T2 breakers stay closed
	// with a clean streak.
	health := c.TierHealth()
	assert.Equal(t, breaker.StateClosed, health["T1"])
	assert.Equal(t, breaker.StateClosed, health["T2"])
}

func TestAllTiersExhaustedDeadLetters(t *testing.T) {
	t1 := &stubTier{name: "T1", err: errors.NewTransientError("PARSE_FAILED", "parsing document")}
	t2 := &stubTier{name: "T2", text: "tiny"}
	fetcher := &stubFetcher{body: []byte("<html></html>")}

	c := newTestCascade(t, fetcher, t1, t2)
	res, err := c.Extract(context.Background(), testCapture())
	require.NoError(t, err, "extraction failure must not raise")

	assert.True(t, res.Failed)
	assert.Empty(t, res.TierUsed)
	assert.Equal(t, 1, c.dlq.Len())

	letters := c.dlq.Drain(10)
	require.Len(t, letters, 1)
	assert.ElementsMatch(t, []string{"T1", "T2"}, letters[0].Tiers)
	assert.True(t, letters[0].Capture.ExtractionFailed, "dead-lettered capture carries the mark")
}

func TestExtractBatchMarksFailedCaptures(t *testing.T) {
	t1 := &stubTier{name: "T1", err: errors.NewTransientError("PARSE_FAILED", "parsing document")}
	fetcher := &stubFetcher{body: []byte("<html></html>")}

	c := newTestCascade(t, fetcher, t1)
	results, err := c.ExtractBatch(context.Background(), []capture.Capture{testCapture()}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Result.Failed)
	assert.True(t, results[0].Capture.ExtractionFailed)
}

func TestCacheHitShortCircuitsCascade(t *testing.T) {
	t1 := &stubTier{name: "T1", text: strings.Repeat("x", 500)}
	fetcher := &stubFetcher{body: []byte("<html></html>")}

	c := newTestCascade(t, fetcher, t1)
	rec := testCapture()

	res, err := c.Extract(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	res, err = c.Extract(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, t1.calls)
	assert.Equal(t, 1, fetcher.calls)
}

func TestOpenTierBreakerSkipsTier(t *testing.T) {
	t3 := &stubTier{name: "T3", err: errors.NewTransientError("PARSE_FAILED", "parsing document")}
	winner := &stubTier{name: "T4", text: strings.Repeat("y", 300)}
	fetcher := &stubFetcher{body: []byte("<html></html>")}

	c := newTestCascade(t, fetcher, t3, winner)

	// T3's threshold is 3: three distinct captures open its breaker.
	for i := 0; i < 3; i++ {
		rec := testCapture()
		rec.OriginalURL = rec.OriginalURL + string(rune('a'+i))
		_, err := c.Extract(context.Background(), rec)
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, c.TierHealth()["T3"])

	callsBefore := t3.calls
	rec := testCapture()
	rec.OriginalURL = rec.OriginalURL + "-final"
	res, err := c.Extract(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "T4", res.TierUsed)
	assert.Equal(t, callsBefore, t3.calls, "open breaker must skip the tier")
}

func TestFetchErrorPropagates(t *testing.T) {
	fetcher := &stubFetcher{err: errors.NewUpstreamUnavailableError("archive-fetch", "refused")}
	c := newTestCascade(t, fetcher, &stubTier{name: "T1", text: strings.Repeat("x", 500)})

	_, err := c.Extract(context.Background(), testCapture())
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamUnavailable, errors.Classify(err))
}

func TestExtractBatchBoundedPool(t *testing.T) {
	t1 := &stubTier{name: "T1", text: strings.Repeat("x", 500)}
	fetcher := &stubFetcher{body: []byte("<html></html>")}
	c := newTestCascade(t, fetcher, t1)

	batch := make([]capture.Capture, 20)
	for i := range batch {
		rec := testCapture()
		rec.OriginalURL = rec.OriginalURL + string(rune('a'+i))
		batch[i] = rec
	}

	results, err := c.ExtractBatch(context.Background(), batch, 4)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, "T1", r.Result.TierUsed)
	}
}
