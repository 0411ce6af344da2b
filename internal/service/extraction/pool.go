package extraction

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
)

// BatchResult pairs one capture with its cascade outcome, index-aligned
// with the input batch.
type BatchResult struct {
	Capture capture.Capture
	Result  Result
	Err     error
}

// ExtractBatch runs the cascade over a batch on a bounded worker pool.
// Extraction is CPU-heavy, so the pool defaults to one worker per CPU.
// Per-capture failures are recorded in the results, not returned; the
// only error out of here is context cancellation.
func (c *Cascade) ExtractBatch(ctx context.Context, batch []capture.Capture, workers int) ([]BatchResult, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]BatchResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, rec := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := c.Extract(gctx, rec)
			if res.Failed {
				rec.ExtractionFailed = true
			}
			results[i] = BatchResult{Capture: rec, Result: res, Err: err}
			if err != nil {
				c.logger.Warn("batch extraction failed",
					zap.String("url", rec.OriginalURL),
					zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
