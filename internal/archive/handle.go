package archive

import (
	"context"
	"sync"
	"time"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
)

// QueryHandle exposes a running unified query as a capture stream. The
// channel is closed when the query completes or fails; Err and Stats
// are valid after the channel closes.
type QueryHandle struct {
	ch     chan capture.Capture
	cancel context.CancelFunc

	mu    sync.Mutex
	stats Stats
	err   error
	done  bool
}

// StartQuery launches a unified query and returns a handle streaming
// its captures. The deadline bounds the whole fallback chain.
func (r *Router) StartQuery(ctx context.Context, req Request, pref Preference, deadline time.Duration) *QueryHandle {
	queryCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		queryCtx, cancel = context.WithCancel(ctx)
	}

	h := &QueryHandle{
		ch:     make(chan capture.Capture, 64),
		cancel: cancel,
	}

	go func() {
		defer close(h.ch)
		defer cancel()

		captures, stats, err := r.QueryUnified(queryCtx, req, pref)

		h.mu.Lock()
		h.stats = stats
		h.err = err
		h.done = true
		h.mu.Unlock()

		for _, c := range captures {
			select {
			case h.ch <- c:
			case <-queryCtx.Done():
				return
			}
		}
	}()

	return h
}

// Stream returns the capture channel. Drain it fully, then check Err.
func (h *QueryHandle) Stream() <-chan capture.Capture {
	return h.ch
}

// Err reports the terminal error, if any. An *AllSourcesFailed error
// carries the per-strategy outcomes.
func (h *QueryHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stats returns the query statistics gathered so far.
func (h *QueryHandle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Cancel aborts the query; the stream closes shortly after.
func (h *QueryHandle) Cancel() {
	h.cancel()
}
