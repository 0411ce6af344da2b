package secondary

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

func TestQueryTagsSecondarySource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "example.com", r.URL.Query().Get("url"))
		assert.Equal(t, "domain", r.URL.Query().Get("matchType"))
		fmt.Fprintln(w, "20240601120000 https://example.com/a text/html 200 AAA 1234")
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	caps, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, capture.SourceSecondary, caps[0].Source)
	assert.Equal(t, archive.ProviderSecondary, c.Kind())
}

func TestQuery404IsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Query(context.Background(), archive.Request{Domain: "gone.example"})
	require.Error(t, err)
	assert.Equal(t, errors.KindClient, errors.Classify(err))
}

func TestQuery500IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Query(context.Background(), archive.Request{Domain: "example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.Classify(err))
}
