package commoncrawl

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/proxy"
)

// ProxiedClient queries the index API through a rotating authenticated
// proxy pool. Each request leases a fresh proxy; upstream-unavailable
// failures penalize the leased endpoint so rotation advances.
type ProxiedClient struct {
	inner  *Client
	pool   *proxy.Pool
	logger *zap.Logger
}

// NewProxiedClient creates the proxied strategy over the given pool.
func NewProxiedClient(cfg Config, pool *proxy.Pool, logger *zap.Logger) *ProxiedClient {
	return &ProxiedClient{
		inner: newClient(cfg, nil, logger,
			archive.ProviderProxiedCommonCrawl, capture.SourceProxiedCommonCrawl),
		pool:   pool,
		logger: logger,
	}
}

// Kind identifies this strategy.
func (p *ProxiedClient) Kind() archive.ProviderKind {
	return archive.ProviderProxiedCommonCrawl
}

// Query leases a proxy, routes one index request through it, and
// reports the outcome back to the pool.
func (p *ProxiedClient) Query(ctx context.Context, req archive.Request) ([]capture.Capture, error) {
	if err := p.inner.limiter.Wait(ctx); err != nil {
		return nil, errors.NewRateLimitedError("index rate limiter wait exceeded deadline").WithCause(err)
	}

	lease := p.pool.Lease()
	httpClient := &http.Client{
		Transport: lease.Transport(),
		Timeout:   timeoutOr(p.inner.cfg.Timeout),
	}

	captures, err := p.inner.fetch(ctx, httpClient, req)
	if err != nil {
		if errors.IsKind(err, errors.KindUpstreamUnavailable) {
			lease.ReportFailure()
			// Rotate once within the call: one silent retry on a fresh
			// endpoint, then hand the failure to the router.
			retryLease := p.pool.Lease()
			retryClient := &http.Client{
				Transport: retryLease.Transport(),
				Timeout:   timeoutOr(p.inner.cfg.Timeout),
			}
			captures, err = p.inner.fetch(ctx, retryClient, req)
			if err != nil {
				if errors.IsKind(err, errors.KindUpstreamUnavailable) {
					retryLease.ReportFailure()
				}
				return nil, err
			}
			retryLease.ReportSuccess()
			return captures, nil
		}
		return nil, err
	}

	lease.ReportSuccess()
	return captures, nil
}
