package wayback

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

const (
	defaultPageSize = 1000
	maxPages        = 50
)

// Config tunes the CDX client.
type Config struct {
	Endpoint          string
	RequestsPerMinute int
	PageSize          int
	Timeout           time.Duration
}

// Client queries a Wayback-style CDX endpoint with resume-key paging.
// A leaky-bucket limiter caps request rate; the archive publishes a
// ceiling of roughly 15 requests per minute for anonymous clients.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a CDX client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 15
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		logger:     logger,
	}
}

// Kind identifies this strategy.
func (c *Client) Kind() archive.ProviderKind {
	return archive.ProviderWaybackCDX
}

// Query pages through the CDX index for the domain, following resume
// keys until the index is exhausted or the request limit is reached.
func (c *Client) Query(ctx context.Context, req archive.Request) ([]capture.Capture, error) {
	domain, err := normalizeDomain(req.Domain)
	if err != nil {
		return nil, errors.NewClientError("INVALID_DOMAIN",
			fmt.Sprintf("cannot derive a registrable domain from %q", req.Domain)).WithCause(err)
	}

	var captures []capture.Capture
	resumeKey := ""
	for page := 0; page < maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.NewRateLimitedError("cdx rate limiter wait exceeded deadline").WithCause(err)
		}

		rows, nextKey, err := c.fetchPage(ctx, domain, req, resumeKey)
		if err != nil {
			// One silent retry on transient failures; further retries
			// belong to the router.
			if page == 0 && errors.IsKind(err, errors.KindTransient) {
				rows, nextKey, err = c.fetchPage(ctx, domain, req, resumeKey)
			}
			if err != nil {
				return nil, err
			}
		}

		for _, row := range rows {
			rec := capture.FromWayback(row, c.logger)
			if rec.OriginalURL == "" {
				continue
			}
			captures = append(captures, rec)
			if req.Limit > 0 && len(captures) >= req.Limit {
				return captures, nil
			}
		}

		if nextKey == "" {
			break
		}
		resumeKey = nextKey
	}

	return captures, nil
}

// fetchPage issues one CDX request and splits the response into data
// rows plus the trailing resume key, when present.
func (c *Client) fetchPage(ctx context.Context, domain string, req archive.Request, resumeKey string) ([]string, string, error) {
	q := url.Values{}
	q.Set("url", "*."+domain)
	q.Set("output", "text")
	q.Set("fl", "timestamp,original,mimetype,statuscode,digest,length")
	q.Set("limit", fmt.Sprintf("%d", c.cfg.PageSize))
	q.Set("showResumeKey", "true")
	if req.From != "" {
		q.Set("from", req.From)
	}
	if req.To != "" {
		q.Set("to", req.To)
	}
	if resumeKey != "" {
		q.Set("resumeKey", resumeKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, "", errors.NewInternalError("building cdx request").WithCause(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", classifyNetErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, domain); err != nil {
		return nil, "", err
	}

	var rows []string
	resumePart := false
	nextKey := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			// A blank line separates the data rows from the resume key.
			resumePart = true
			continue
		}
		if resumePart {
			nextKey = line
			continue
		}
		rows = append(rows, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, "", errors.NewTransientError("CDX_READ_FAILED", "reading cdx response").WithCause(err)
	}
	return rows, nextKey, nil
}

// normalizeDomain reduces a URL or hostname to its registrable domain.
func normalizeDomain(input string) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if strings.Contains(input, "://") {
		parsed, err := url.Parse(input)
		if err != nil {
			return "", err
		}
		input = parsed.Hostname()
	}
	input = strings.TrimSuffix(input, ".")
	return publicsuffix.EffectiveTLDPlusOne(input)
}

func classifyStatus(status int, domain string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return errors.NewClientError("NO_CAPTURES",
			fmt.Sprintf("no captures indexed for %s", domain))
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return errors.NewClientError("CDX_REFUSED",
			fmt.Sprintf("cdx endpoint refused request for %s (status %d)", domain, status))
	case status == http.StatusTooManyRequests:
		return errors.NewUpstreamUnavailableError("wayback-cdx", "provider throttling")
	case status >= 500:
		return errors.NewTransientError("CDX_SERVER_ERROR",
			fmt.Sprintf("cdx endpoint returned %d", status))
	default:
		return errors.NewClientError("CDX_UNEXPECTED_STATUS",
			fmt.Sprintf("cdx endpoint returned %d", status))
	}
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTransientError("CDX_TIMEOUT", "cdx request timed out").WithCause(err)
	}
	return errors.NewUpstreamUnavailableError("wayback-cdx", "cdx request failed").WithCause(err)
}
