package secondary

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

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// Config tunes the secondary archive client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client queries a completely separate archive of last resort. The
// endpoint speaks the same space-delimited CDX row format as Wayback
// but indexes an independent collection.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a secondary archive client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Kind identifies this strategy.
func (c *Client) Kind() archive.ProviderKind {
	return archive.ProviderSecondary
}

// Query fetches captures for the domain from the secondary index.
func (c *Client) Query(ctx context.Context, req archive.Request) ([]capture.Capture, error) {
	q := url.Values{}
	q.Set("url", req.Domain)
	q.Set("matchType", "domain")
	q.Set("fields", "timestamp,original,mimetype,statuscode,digest,length")
	if req.From != "" {
		q.Set("from", req.From)
	}
	if req.To != "" {
		q.Set("to", req.To)
	}
	if req.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", req.Limit))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.NewInternalError("building secondary archive request").WithCause(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return nil, errors.NewTransientError("SECONDARY_TIMEOUT", "secondary archive request timed out").WithCause(err)
		}
		return nil, errors.NewUpstreamUnavailableError("secondary-archive", "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewClientError("NO_CAPTURES",
			fmt.Sprintf("no captures indexed for %s", req.Domain))
	case resp.StatusCode >= 500:
		return nil, errors.NewTransientError("SECONDARY_SERVER_ERROR",
			fmt.Sprintf("secondary archive returned %d", resp.StatusCode))
	default:
		return nil, errors.NewClientError("SECONDARY_UNEXPECTED_STATUS",
			fmt.Sprintf("secondary archive returned %d", resp.StatusCode))
	}

	var captures []capture.Capture
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec := capture.FromWayback(line, c.logger)
		if rec.OriginalURL == "" {
			continue
		}
		captures = append(captures, rec.WithSource(capture.SourceSecondary))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewTransientError("SECONDARY_READ_FAILED", "reading secondary archive response").WithCause(err)
	}
	return captures, nil
}
