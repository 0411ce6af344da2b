package extraction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketLimiterReleasesInArrivalOrder(t *testing.T) {
	// High rate so the test measures ordering, not pacing.
	l := NewTicketLimiter(60000, 0)
	defer l.Close()

	const n = 20
	var (
		mu    sync.Mutex
		order []int
	)
	ready := make(chan struct{}, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ready <- struct{}{}
			// Stagger arrivals so enqueue order is deterministic.
			time.Sleep(time.Duration(id) * 5 * time.Millisecond)
			require.NoError(t, l.Wait(context.Background()))
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
	}
	for i := 0; i < n; i++ {
		<-ready
	}
	wg.Wait()

	require.Len(t, order, n)
	for i, id := range order {
		assert.Equal(t, i, id, "ticket released out of arrival order")
	}
}

func TestTicketLimiterEnforcesMinInterval(t *testing.T) {
	l := NewTicketLimiter(60000, 30*time.Millisecond)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	// Two spaced releases after the first.
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestTicketLimiterWaitHonorsContext(t *testing.T) {
	// One release per minute: the second waiter cannot be served.
	l := NewTicketLimiter(1, 0)
	defer l.Close()

	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTicketLimiterCloseUnblocksWaiters(t *testing.T) {
	l := NewTicketLimiter(1, 0)

	require.NoError(t, l.Wait(context.Background()))

	errs := make(chan error, 1)
	go func() {
		errs <- l.Wait(context.Background())
	}()
	// Give the waiter time to enqueue.
	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on close")
	}
}
