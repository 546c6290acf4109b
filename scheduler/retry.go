package scheduler

import (
	"context"
	"sync"
)

// RetryEntry tracks one failed category awaiting another attempt.
type RetryEntry struct {
	Category  string
	LastError error
	Attempt   int
}

// retryQueue is FIFO; parallel chunks push to it from their goroutines.
type retryQueue struct {
	mu      sync.Mutex
	entries []RetryEntry
}

func newRetryQueue() *retryQueue {
	return &retryQueue{}
}

func (q *retryQueue) push(entry RetryEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
}

func (q *retryQueue) pop() (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return RetryEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// processRetryQueue drains the queue: every entry within the attempt budget
// is re-run, and a failed re-run requeues with an incremented attempt until
// MaxRetries is exhausted. Retried categories append fresh results for the
// same test names, earlier entries are never replaced.
func (s *Scheduler) processRetryQueue(ctx context.Context) {
	for {
		entry, ok := s.retryQueue.pop()
		if !ok {
			return
		}
		if entry.Attempt > s.cfg.MaxRetries {
			s.logger.Warnf("Giving up on category %s after %d attempts: %s", entry.Category, entry.Attempt, entry.LastError)
			continue
		}

		attempt := entry.Attempt + 1
		s.logger.Warnf("Retrying category %s (attempt %d of %d)...", entry.Category, attempt, s.cfg.MaxRetries+1)

		err := s.runCategory(ctx, entry.Category, attempt)
		if err == nil {
			s.logger.Donef("Category %s succeeded on retry", entry.Category)
			continue
		}

		s.logger.Warnf("Category %s failed again: %s", entry.Category, err)
		if entry.Attempt < s.cfg.MaxRetries {
			s.retryQueue.push(RetryEntry{Category: entry.Category, LastError: err, Attempt: entry.Attempt + 1})
		}
	}
}
