package commoncrawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

func shardLine(ts, url string) string {
	return fmt.Sprintf(`{"timestamp":%q,"url":%q,"filename":"warc/part-0.warc.gz","offset":"10","length":"20","status":"200","mime":"text/html","digest":"X"}`, ts, url)
}

// directIndexServer serves a manifest at /manifest and a range-readable
// shard at /shard.ndjson.
func directIndexServer(t *testing.T, shard string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crawl-data/CC-TEST/manifest":
			fmt.Fprintln(w, "shard.ndjson")
		case "/shard.ndjson":
			serveRange(w, r, shard)
		default:
			http.NotFound(w, r)
		}
	}))
}

func serveRange(w http.ResponseWriter, r *http.Request, body string) {
	rng := r.Header.Get("Range")
	if rng == "" {
		fmt.Fprint(w, body)
		return
	}
	var start, end int64
	fmt.Sscanf(strings.TrimPrefix(rng, "bytes="), "%d-%d", &start, &end)
	if start >= int64(len(body)) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= int64(len(body)) {
		end = int64(len(body)) - 1
	}
	w.Header().Set("Content-Range",
		"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	fmt.Fprint(w, body[start:end+1])
}

func newDirectClient(t *testing.T, baseURL string, chunk int64) *DirectIndexClient {
	t.Helper()
	return NewDirectIndexClient(DirectIndexConfig{
		BaseURL:           baseURL,
		ManifestPath:      "crawl-data/%s/manifest",
		CrawlID:           "CC-TEST",
		RequestsPerMinute: 6000,
		ChunkSize:         chunk,
	}, zaptest.NewLogger(t))
}

func TestDirectIndexScansAndFilters(t *testing.T) {
	shard := strings.Join([]string{
		shardLine("20240601120000", "https://example.com/a"),
		shardLine("20240701120000", "https://other.org/x"),
		shardLine("20240801120000", "https://example.com/b"),
	}, "\n") + "\n"
	srv := directIndexServer(t, shard)
	defer srv.Close()

	c := newDirectClient(t, srv.URL, 1<<20)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, capture.SourceDirectIndex, caps[0].Source)
	assert.Equal(t, "https://example.com/a", caps[0].OriginalURL)
}

func TestDirectIndexCarriesPartialLinesAcrossChunks(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, shardLine("20240601120000", fmt.Sprintf("https://example.com/page-%02d", i)))
	}
	shard := strings.Join(lines, "\n") + "\n"
	srv := directIndexServer(t, shard)
	defer srv.Close()

	// A chunk size smaller than one line forces carries on every fetch.
	c := newDirectClient(t, srv.URL, 97)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	assert.Len(t, caps, 20)
}

func TestDirectIndexDateFiltering(t *testing.T) {
	shard := strings.Join([]string{
		shardLine("20230101000000", "https://example.com/old"),
		shardLine("20240601120000", "https://example.com/in-range"),
		shardLine("20250101000000", "https://example.com/future"),
	}, "\n") + "\n"
	srv := directIndexServer(t, shard)
	defer srv.Close()

	c := newDirectClient(t, srv.URL, 1<<20)
	caps, err := c.Query(context.Background(), archive.Request{
		Domain: "example.com", From: "20240101", To: "20241231",
	})
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "https://example.com/in-range", caps[0].OriginalURL)
}

func TestDirectIndexMissingManifestIsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	c := newDirectClient(t, srv.URL, 1<<20)
	_, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.KindClient, errors.Classify(err))
}
