package proxy

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// RotationPolicy selects how the pool hands out endpoints.
type RotationPolicy string

const (
	RotationRandom     RotationPolicy = "RANDOM"
	RotationRoundRobin RotationPolicy = "ROUND_ROBIN"
)

// Config describes the upstream proxy fleet.
type Config struct {
	Endpoints      []string
	Username       string
	Password       string
	RotationPolicy RotationPolicy
	// Cooldown base applied to an endpoint after a proxy-level failure.
	// Doubles per consecutive failure up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

type endpoint struct {
	url *url.URL

	mu           sync.Mutex
	failures     int
	coolingUntil time.Time
}

// Pool hands out authenticated proxy endpoints with rotation and
// per-endpoint exponential cooldown after failures. All methods are
// safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	endpoints []*endpoint

	mu   sync.Mutex
	next int
	rng  *rand.Rand
}

// NewPool parses and validates the configured endpoints. Credentials are
// embedded into each proxy URL so http.Transport sends them on CONNECT.
func NewPool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.NewClientError("PROXY_POOL_EMPTY", "at least one proxy endpoint is required")
	}
	if cfg.RotationPolicy == "" {
		cfg.RotationPolicy = RotationRandom
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 10 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}

	eps := make([]*endpoint, 0, len(cfg.Endpoints))
	for _, raw := range cfg.Endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.NewClientError("PROXY_ENDPOINT_INVALID",
				fmt.Sprintf("invalid proxy endpoint %q", raw)).WithCause(err)
		}
		if cfg.Username != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		}
		eps = append(eps, &endpoint{url: u})
	}

	return &Pool{
		cfg:       cfg,
		logger:    logger,
		endpoints: eps,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Lease picks the next usable endpoint. Endpoints in cooldown are
// skipped; when every endpoint is cooling the least-recently-penalized
// one is returned anyway so the caller degrades instead of stalling.
func (p *Pool) Lease() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	start := p.next
	if p.cfg.RotationPolicy == RotationRandom {
		start = p.rng.Intn(n)
	}

	now := time.Now()
	var (
		fallback      *endpoint
		fallbackUntil time.Time
	)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		ep.mu.Lock()
		until := ep.coolingUntil
		ep.mu.Unlock()
		if !now.Before(until) {
			p.next = (start + i + 1) % n
			return &Endpoint{pool: p, ep: ep}
		}
		if fallback == nil || until.Before(fallbackUntil) {
			fallback = ep
			fallbackUntil = until
		}
	}

	p.logger.Warn("all proxy endpoints cooling down, leasing anyway",
		zap.String("endpoint", fallback.url.Host))
	return &Endpoint{pool: p, ep: fallback}
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	return len(p.endpoints)
}

// Endpoint is one leased proxy. Callers report the outcome so the pool
// can penalize or reset the endpoint.
type Endpoint struct {
	pool *Pool
	ep   *endpoint
}

// URL returns the proxy URL, credentials included.
func (e *Endpoint) URL() *url.URL {
	return e.ep.url
}

// Transport returns an http.RoundTripper routing through this proxy.
func (e *Endpoint) Transport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyURL(e.ep.url),
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
}

// ReportSuccess clears the endpoint's failure streak.
func (e *Endpoint) ReportSuccess() {
	e.ep.mu.Lock()
	defer e.ep.mu.Unlock()
	e.ep.failures = 0
	e.ep.coolingUntil = time.Time{}
}

// ReportFailure puts the endpoint into cooldown, doubling per
// consecutive failure up to the configured cap.
func (e *Endpoint) ReportFailure() {
	e.ep.mu.Lock()
	defer e.ep.mu.Unlock()

	e.ep.failures++
	cooldown := e.pool.cfg.BaseCooldown << (e.ep.failures - 1)
	if cooldown > e.pool.cfg.MaxCooldown || cooldown <= 0 {
		cooldown = e.pool.cfg.MaxCooldown
	}
	e.ep.coolingUntil = time.Now().Add(cooldown)

	e.pool.logger.Debug("proxy endpoint cooling down",
		zap.String("endpoint", e.ep.url.Host),
		zap.Int("consecutive_failures", e.ep.failures),
		zap.Duration("cooldown", cooldown))
}
