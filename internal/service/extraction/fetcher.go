package extraction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// maxBodyBytes bounds a single fetched document.
const maxBodyBytes = 10 << 20

// HTTPFetcher fetches capture bodies from their archive URLs.
type HTTPFetcher struct {
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher with the given timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{httpClient: &http.Client{Timeout: timeout}}
}

// Fetch downloads the capture's archived bytes. Common Crawl captures
// use a ranged WARC read via the locator; others use the replay URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, rec capture.Capture) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.ArchiveURL(), nil)
	if err != nil {
		return nil, "", errors.NewInternalError("building fetch request").WithCause(err)
	}
	if rec.Locator != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d",
			rec.Locator.Offset, rec.Locator.Offset+rec.Locator.Length-1))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.NewUpstreamUnavailableError("archive-fetch", "fetching capture body").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", errors.NewClientError("BODY_NOT_FOUND", "archived body not available")
	case resp.StatusCode >= 500:
		return nil, "", errors.NewTransientError("BODY_FETCH_FAILED",
			fmt.Sprintf("archive returned %d", resp.StatusCode))
	default:
		return nil, "", errors.NewClientError("BODY_UNEXPECTED_STATUS",
			fmt.Sprintf("archive returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", errors.NewTransientError("BODY_READ_FAILED", "reading capture body").WithCause(err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
