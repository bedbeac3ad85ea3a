// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan task.Item
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan task.Item, capacity),
	}
}

// Enqueue pushes an item into the queue. A full queue fails fast with
// ErrQueueFull instead of blocking the request path.
func (q *Queue) Enqueue(ctx context.Context, item task.Item) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	default:
		return task.ErrQueueFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (task.Item, error) {
	select {
	case <-ctx.Done():
		return task.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return task.Item{}, errors.New("queue closed")
		}
		return item, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
