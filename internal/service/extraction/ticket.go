package extraction

import (
	"context"
	"time"
)

// TicketLimiter is a leaky-bucket limiter fronted by a FIFO queue.
// Producers enqueue a ticket and block until the single scheduler
// goroutine releases it; tickets are released at the configured rate
// with a minimum spacing between consecutive releases, in strict
// arrival order.
type TicketLimiter struct {
	tickets chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewTicketLimiter creates a limiter releasing requestsPerMinute
// tickets per minute, never closer together than minInterval.
func NewTicketLimiter(requestsPerMinute int, minInterval time.Duration) *TicketLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 15
	}
	interval := time.Minute / time.Duration(requestsPerMinute)
	if minInterval > interval {
		interval = minInterval
	}

	l := &TicketLimiter{
		tickets: make(chan chan struct{}, 1024),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.schedule(interval)
	return l
}

func (l *TicketLimiter) schedule(interval time.Duration) {
	defer close(l.done)
	var last time.Time
	for {
		select {
		case release := <-l.tickets:
			if wait := interval - time.Since(last); wait > 0 && !last.IsZero() {
				select {
				case <-time.After(wait):
				case <-l.stop:
					close(release)
					l.drain()
					return
				}
			}
			last = time.Now()
			close(release)
		case <-l.stop:
			l.drain()
			return
		}
	}
}

// drain releases everything still queued so no waiter blocks past Close.
func (l *TicketLimiter) drain() {
	for {
		select {
		case release := <-l.tickets:
			close(release)
		default:
			return
		}
	}
}

// Wait blocks until this caller's ticket is released or ctx is done.
// Callers are served strictly in arrival order.
func (l *TicketLimiter) Wait(ctx context.Context) error {
	release := make(chan struct{})
	select {
	case l.tickets <- release:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return context.Canceled
	}

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		// The ticket stays queued; the scheduler will release it to
		// nobody. Cheap compared to reordering the queue.
		return ctx.Err()
	}
}

// Close stops the scheduler and releases all queued waiters.
func (l *TicketLimiter) Close() {
	close(l.stop)
	<-l.done
}
