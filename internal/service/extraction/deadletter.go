package extraction

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
)

// DeadLetter is one capture the cascade gave up on.
type DeadLetter struct {
	ID        uuid.UUID       `json:"id"`
	Capture   capture.Capture `json:"capture"`
	Reason    string          `json:"reason"`
	Tiers     []string        `json:"tiers_attempted"`
	FirstFail time.Time       `json:"first_fail"`
	LastFail  time.Time       `json:"last_fail"`
	Attempts  int             `json:"attempts"`
}

// DeadLetterQueue stores failed extractions for later inspection and
// replay. Bounded; the oldest entry is dropped when full.
type DeadLetterQueue struct {
	logger  *zap.Logger
	maxSize int

	mu      sync.RWMutex
	entries map[string]*DeadLetter

	totalAdded int64
}

// NewDeadLetterQueue creates a bounded in-memory dead letter queue.
func NewDeadLetterQueue(maxSize int, logger *zap.Logger) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		logger:  logger,
		maxSize: maxSize,
		entries: make(map[string]*DeadLetter),
	}
}

// Add records a failed capture, keyed by capture identity so repeated
// failures update the existing entry instead of duplicating it.
func (q *DeadLetterQueue) Add(c capture.Capture, reason string, tiers []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := c.Identity()
	now := time.Now()
	if existing, ok := q.entries[key]; ok {
		existing.Attempts++
		existing.Reason = reason
		existing.Tiers = tiers
		existing.LastFail = now
		return
	}

	if len(q.entries) >= q.maxSize {
		q.removeOldest()
	}

	q.entries[key] = &DeadLetter{
		ID:        uuid.New(),
		Capture:   c,
		Reason:    reason,
		Tiers:     tiers,
		FirstFail: now,
		LastFail:  now,
		Attempts:  1,
	}
	q.totalAdded++

	q.logger.Info("capture dead-lettered",
		zap.String("url", c.OriginalURL),
		zap.String("timestamp", c.RawTimestamp),
		zap.String("reason", reason),
		zap.Strings("tiers", tiers))
}

// Drain removes and returns up to n entries, oldest first.
func (q *DeadLetterQueue) Drain(n int) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, 0, n)
	for key, entry := range q.entries {
		if len(out) >= n {
			break
		}
		out = append(out, *entry)
		delete(q.entries, key)
	}
	return out
}

// Len returns the current queue depth.
func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func (q *DeadLetterQueue) removeOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range q.entries {
		if oldestKey == "" || entry.FirstFail.Before(oldest) {
			oldestKey = key
			oldest = entry.FirstFail
		}
	}
	if oldestKey != "" {
		delete(q.entries, oldestKey)
	}
}
