package commoncrawl

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
)

// DirectIndexConfig tunes the direct index scanner.
type DirectIndexConfig struct {
	BaseURL           string
	ManifestPath      string // relative to BaseURL; %s is the crawl ID
	CrawlID           string
	RequestsPerMinute int
	Timeout           time.Duration
	// ChunkSize is the Range request window when scanning shards.
	ChunkSize int64
	// MaxShards caps how many index shards one query will scan.
	MaxShards int
}

// DirectIndexClient bypasses the index API entirely: it downloads the
// crawl's published manifest, then range-reads the newline-delimited
// JSON index shards and filters lines locally. Used when the API is
// blocked or throttled.
type DirectIndexClient struct {
	cfg        DirectIndexConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewDirectIndexClient creates a direct index scanner.
func NewDirectIndexClient(cfg DirectIndexConfig, logger *zap.Logger) *DirectIndexClient {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4 << 20
	}
	if cfg.MaxShards <= 0 {
		cfg.MaxShards = 8
	}
	return &DirectIndexClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeoutOr(cfg.Timeout)},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		logger:     logger,
	}
}

// Kind identifies this strategy.
func (d *DirectIndexClient) Kind() archive.ProviderKind {
	return archive.ProviderDirectIndex
}

// Query scans index shards for records matching the domain and range.
func (d *DirectIndexClient) Query(ctx context.Context, req archive.Request) ([]capture.Capture, error) {
	shards, err := d.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, errors.NewClientError("EMPTY_MANIFEST",
			fmt.Sprintf("crawl %s publishes no index shards", d.cfg.CrawlID))
	}
	if len(shards) > d.cfg.MaxShards {
		shards = shards[:d.cfg.MaxShards]
	}

	needle := strings.ToLower(req.Domain)
	var captures []capture.Capture
	for _, shard := range shards {
		recs, err := d.scanShard(ctx, shard, needle, req)
		if err != nil {
			return nil, err
		}
		captures = append(captures, recs...)
		if req.Limit > 0 && len(captures) >= req.Limit {
			return captures[:req.Limit], nil
		}
	}
	return captures, nil
}

// fetchManifest downloads the shard path list, transparently handling
// gzip-compressed manifests.
func (d *DirectIndexClient) fetchManifest(ctx context.Context) ([]string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, errors.NewRateLimitedError("direct index rate limiter wait exceeded deadline").WithCause(err)
	}

	path := fmt.Sprintf(d.cfg.ManifestPath, d.cfg.CrawlID)
	manifestURL := strings.TrimSuffix(d.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, errors.NewInternalError("building manifest request").WithCause(err)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyNetErr("direct-index", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewClientError("MANIFEST_NOT_FOUND",
			fmt.Sprintf("no manifest published for crawl %s", d.cfg.CrawlID))
	case resp.StatusCode != http.StatusOK:
		return nil, errors.NewTransientError("MANIFEST_FETCH_FAILED",
			fmt.Sprintf("manifest fetch returned %d", resp.StatusCode))
	}

	var reader io.Reader = resp.Body
	if strings.HasSuffix(manifestURL, ".gz") || resp.Header.Get("Content-Type") == "application/gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.NewTransientError("MANIFEST_DECODE_FAILED", "decompressing manifest").WithCause(err)
		}
		defer gz.Close()
		reader = gz
	}

	var shards []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		shards = append(shards, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewTransientError("MANIFEST_READ_FAILED", "reading manifest").WithCause(err)
	}
	return shards, nil
}

// scanShard streams one NDJSON shard via ranged reads, carrying partial
// trailing lines across chunk boundaries.
func (d *DirectIndexClient) scanShard(ctx context.Context, shard, needle string, req archive.Request) ([]capture.Capture, error) {
	shardURL := strings.TrimSuffix(d.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(shard, "/")

	var captures []capture.Capture
	var carry []byte
	offset := int64(0)
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, errors.NewRateLimitedError("direct index rate limiter wait exceeded deadline").WithCause(err)
		}

		chunk, last, err := d.fetchRange(ctx, shardURL, offset, d.cfg.ChunkSize)
		if err != nil {
			return nil, err
		}

		data := append(carry, chunk...)
		lines := bytes.Split(data, []byte{'\n'})
		if !last {
			// The final element may be a partial line; carry it forward.
			carry = append([]byte(nil), lines[len(lines)-1]...)
			lines = lines[:len(lines)-1]
		} else {
			carry = nil
		}

		for _, line := range lines {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			rec, ok := d.parseLine(line, needle, req)
			if !ok {
				continue
			}
			captures = append(captures, rec)
			if req.Limit > 0 && len(captures) >= req.Limit {
				return captures, nil
			}
		}

		if last {
			return captures, nil
		}
		offset += int64(len(chunk))
	}
}

// fetchRange reads [offset, offset+size) from the shard. The second
// return value reports whether the shard is exhausted.
func (d *DirectIndexClient) fetchRange(ctx context.Context, shardURL string, offset, size int64) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, shardURL, nil)
	if err != nil {
		return nil, false, errors.NewInternalError("building range request").WithCause(err)
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, ClassifyNetErr("direct-index", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, true, nil
	case http.StatusNotFound:
		return nil, false, errors.NewClientError("SHARD_NOT_FOUND", "index shard missing")
	default:
		if resp.StatusCode >= 500 {
			return nil, false, errors.NewTransientError("SHARD_FETCH_FAILED",
				fmt.Sprintf("range fetch returned %d", resp.StatusCode))
		}
		return nil, false, errors.NewUpstreamUnavailableError("direct-index",
			fmt.Sprintf("range fetch returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.NewTransientError("SHARD_READ_FAILED", "reading shard range").WithCause(err)
	}
	// A short read or a 200 (server ignored Range) means the whole
	// remainder arrived.
	last := resp.StatusCode == http.StatusOK || int64(len(body)) < size
	return body, last, nil
}

func (d *DirectIndexClient) parseLine(line []byte, needle string, req archive.Request) (capture.Capture, bool) {
	var obj capture.CDXObject
	if err := json.Unmarshal(line, &obj); err != nil {
		d.logger.Debug("skipping malformed index shard line", zap.Error(err))
		return capture.Capture{}, false
	}
	if !strings.Contains(strings.ToLower(obj.URL), needle) {
		return capture.Capture{}, false
	}
	if len(obj.Timestamp) >= 8 {
		day := obj.Timestamp[:8]
		if req.From != "" && day < req.From[:min(8, len(req.From))] {
			return capture.Capture{}, false
		}
		if req.To != "" && day > req.To[:min(8, len(req.To))] {
			return capture.Capture{}, false
		}
	}
	return capture.FromCommonCrawl(obj, d.logger).WithSource(capture.SourceDirectIndex), true
}
