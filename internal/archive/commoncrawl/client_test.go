package commoncrawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/proxy"
)

const indexLine = `{"timestamp":"20240601120000","url":"https://example.com/a","filename":"crawl-data/CC-MAIN-2024-26/segments/warc/part-00001.warc.gz","offset":"4521","length":"8842","status":"200","mime":"text/html","digest":"AAA"}`

func newIndexClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	return NewClient(Config{
		Endpoint:          endpoint,
		CrawlID:           "CC-MAIN-2024-26",
		RequestsPerMinute: 6000,
	}, zaptest.NewLogger(t))
}

func TestQueryParsesLocators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/CC-MAIN-2024-26-index", r.URL.Path)
		assert.Equal(t, "example.com/*", r.URL.Query().Get("url"))
		fmt.Fprintln(w, indexLine)
	}))
	defer srv.Close()

	c := newIndexClient(t, srv.URL)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, caps, 1)

	rec := caps[0]
	assert.Equal(t, capture.SourceCommonCrawl, rec.Source)
	require.NotNil(t, rec.Locator)
	assert.Equal(t, int64(4521), rec.Locator.Offset)
	assert.Equal(t, int64(8842), rec.Locator.Length)
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, indexLine)
		fmt.Fprintln(w, "{not json")
		fmt.Fprintln(w, indexLine)
	}))
	defer srv.Close()

	c := newIndexClient(t, srv.URL)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	assert.Len(t, caps, 2)
}

func TestQueryClassifiesBlockedAsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newIndexClient(t, srv.URL)
	_, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamUnavailable, errors.Classify(err))
}

func TestProxiedQueryTagsSourceAndRotatesOnFailure(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprintln(w, indexLine)
	}))
	defer srv.Close()

	// The test proxies are the target server itself; absolute-URI
	// requests still land on the handler.
	pool, err := proxy.NewPool(proxy.Config{
		Endpoints:      []string{srv.URL, srv.URL},
		RotationPolicy: proxy.RotationRoundRobin,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	p := NewProxiedClient(Config{
		Endpoint:          srv.URL,
		CrawlID:           "CC-MAIN-2024-26",
		RequestsPerMinute: 6000,
	}, pool, zaptest.NewLogger(t))

	caps, err := p.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, capture.SourceProxiedCommonCrawl, caps[0].Source)
	assert.Equal(t, archive.ProviderProxiedCommonCrawl, p.Kind())
	assert.Equal(t, 1, hits)
}
