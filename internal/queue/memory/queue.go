// Package memory provides the bounded candidate queue between a candidate
// source and the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// ErrClosed is returned when enqueueing onto or dequeueing from a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.Candidate
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan crawler.Candidate, capacity),
	}
}

// Enqueue pushes a candidate into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, cand crawler.Candidate) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- cand:
		return nil
	}
}

// Dequeue pops the next candidate, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Candidate, error) {
	select {
	case <-ctx.Done():
		return crawler.Candidate{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case cand, ok := <-q.ch:
		if !ok {
			return crawler.Candidate{}, ErrClosed
		}
		return cand, nil
	}
}

// C exposes the receive side for consumers that select over it.
func (q *Queue) C() <-chan crawler.Candidate {
	return q.ch
}

// Len reports buffered candidates.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. Buffered candidates stay readable.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
