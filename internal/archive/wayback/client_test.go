package wayback

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
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	return NewClient(Config{
		Endpoint:          endpoint,
		RequestsPerMinute: 6000, // effectively unlimited in tests
		PageSize:          2,
	}, zaptest.NewLogger(t))
}

func TestQueryParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "*.example.com", r.URL.Query().Get("url"))
		assert.Equal(t, "20240101", r.URL.Query().Get("from"))
		fmt.Fprintln(w, "20240601120000 https://example.com/a text/html 200 AAA 1234")
		fmt.Fprintln(w, "20240602130000 https://example.com/b text/html 200 BBB 5678")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	caps, err := c.Query(context.Background(), archive.Request{
		Domain: "example.com", From: "20240101", To: "20241231",
	})
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "https://example.com/a", caps[0].OriginalURL)
	assert.Equal(t, capture.SourceWayback, caps[0].Source)
	assert.Equal(t, int64(5678), caps[1].Length)
}

func TestQueryFollowsResumeKeys(t *testing.T) {
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("resumeKey")
		requests = append(requests, key)
		switch key {
		case "":
			fmt.Fprintln(w, "20240601120000 https://example.com/a text/html 200 AAA 100")
			fmt.Fprintln(w, "20240601120001 https://example.com/b text/html 200 BBB 100")
			fmt.Fprintln(w, "")
			fmt.Fprintln(w, "page-2-key")
		case "page-2-key":
			fmt.Fprintln(w, "20240601120002 https://example.com/c text/html 200 CCC 100")
		default:
			t.Errorf("unexpected resume key %q", key)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	assert.Len(t, caps, 3)
	assert.Equal(t, []string{"", "page-2-key"}, requests)
}

func TestQueryHonorsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "2024060112000%d https://example.com/p%d text/html 200 D%d 100\n", i, i, i)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, caps, 3)
}

func TestQueryClassifies404AsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.KindClient, errors.Classify(err))
}

func TestQueryClassifies429AsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamUnavailable, errors.Classify(err))
}

func TestQueryRetries5xxOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintln(w, "20240601120000 https://example.com/a text/html 200 AAA 100")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	assert.Len(t, caps, 1)
	assert.Equal(t, 2, calls)
}

func TestQueryRejectsUnparseableDomain(t *testing.T) {
	c := newTestClient(t, "http://unused")
	_, err := c.Query(context.Background(), archive.Request{Domain: "localhost"})
	require.Error(t, err)
	assert.Equal(t, errors.KindClient, errors.Classify(err))
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"https://playground.sub.example.com/path", "example.com"},
		{"deep.nested.example.co.uk", "example.co.uk"},
		{"Example.COM.", "example.com"},
	}
	for _, tc := range tests {
		got, err := normalizeDomain(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
