package commoncrawl

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// Config tunes the index API client.
type Config struct {
	Endpoint          string
	CrawlID           string
	RequestsPerMinute int
	Timeout           time.Duration
}

// Client queries the Common Crawl columnar index API. Responses are
// newline-delimited JSON objects carrying WARC locators.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	kind       archive.ProviderKind
	source     capture.Source
}

// NewClient creates an index API client using the default transport.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return newClient(cfg, &http.Client{Timeout: timeoutOr(cfg.Timeout)}, logger,
		archive.ProviderCommonCrawl, capture.SourceCommonCrawl)
}

func newClient(cfg Config, httpClient *http.Client, logger *zap.Logger, kind archive.ProviderKind, source capture.Source) *Client {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		logger:     logger,
		kind:       kind,
		source:     source,
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Kind identifies this strategy.
func (c *Client) Kind() archive.ProviderKind {
	return c.kind
}

// Query fetches locator-bearing records for the domain from the index API.
func (c *Client) Query(ctx context.Context, req archive.Request) ([]capture.Capture, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewRateLimitedError("index rate limiter wait exceeded deadline").WithCause(err)
	}

	captures, err := c.fetch(ctx, c.httpClient, req)
	if err != nil && errors.IsKind(err, errors.KindTransient) {
		// One silent retry; further retries belong to the router.
		captures, err = c.fetch(ctx, c.httpClient, req)
	}
	return captures, err
}

// fetch issues one index API request with the given client; the proxied
// strategy passes per-lease clients through here.
func (c *Client) fetch(ctx context.Context, httpClient *http.Client, req archive.Request) ([]capture.Capture, error) {
	q := url.Values{}
	q.Set("url", req.Domain+"/*")
	q.Set("output", "json")
	if req.From != "" {
		q.Set("from", req.From)
	}
	if req.To != "" {
		q.Set("to", req.To)
	}
	if req.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", req.Limit))
	}

	endpoint := fmt.Sprintf("%s/%s-index?%s", c.cfg.Endpoint, c.cfg.CrawlID, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.NewInternalError("building index request").WithCause(err)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyNetErr("commoncrawl-index", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, req.Domain); err != nil {
		return nil, err
	}

	var captures []capture.Capture
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj capture.CDXObject
		if err := json.Unmarshal(line, &obj); err != nil {
			c.logger.Debug("skipping malformed index line", zap.Error(err))
			continue
		}
		captures = append(captures, capture.FromCommonCrawl(obj, c.logger).WithSource(c.source))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewTransientError("INDEX_READ_FAILED", "reading index response").WithCause(err)
	}
	return captures, nil
}

func classifyStatus(status int, domain string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return errors.NewClientError("NO_CAPTURES",
			fmt.Sprintf("no captures indexed for %s", domain))
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return errors.NewUpstreamUnavailableError("commoncrawl-index", "api access blocked")
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return errors.NewUpstreamUnavailableError("commoncrawl-index", "provider throttling")
	case status >= 500:
		return errors.NewTransientError("INDEX_SERVER_ERROR",
			fmt.Sprintf("index endpoint returned %d", status))
	default:
		return errors.NewClientError("INDEX_UNEXPECTED_STATUS",
			fmt.Sprintf("index endpoint returned %d", status))
	}
}

// ClassifyNetErr maps a transport-level failure to the error taxonomy.
func ClassifyNetErr(upstream string, err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTransientError("REQUEST_TIMEOUT", upstream+" request timed out").WithCause(err)
	}
	return errors.NewUpstreamUnavailableError(upstream, "request failed").WithCause(err)
}
