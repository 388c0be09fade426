package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO. When the queue is full, Put discards the single
// oldest item and retries once, so it never blocks its producer.
type Queue[T any] struct {
	items   chan T
	dropped atomic.Uint64
}

// New creates a queue holding at most capacity items. A capacity below one is
// treated as one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Put enqueues item. It reports whether an older item had to be discarded or
// the item itself could not be stored after the single retry.
func (q *Queue[T]) Put(item T) bool {
	select {
	case q.items <- item:
		return false
	default:
	}

	select {
	case <-q.items:
		q.dropped.Add(1)
	default:
	}

	select {
	case q.items <- item:
	default:
		// another producer won the freed slot
		q.dropped.Add(1)
	}
	return true
}

// PutWait enqueues item, waiting for room instead of dropping. It is for
// producers of finite input, where every item must reach the consumer.
func (q *Queue[T]) PutWait(ctx context.Context, item T) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll waits up to timeout for the next item.
func (q *Queue[T]) Poll(timeout time.Duration) (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
	}
	if timeout <= 0 {
		var zero T
		return zero, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		return item, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Get waits for the next item until ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the next item without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	return q.Poll(0)
}

// Drain discards every queued item and returns how many were removed.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			return n
		}
	}
}

func (q *Queue[T]) Len() int { return len(q.items) }

func (q *Queue[T]) Cap() int { return cap(q.items) }

// Dropped returns how many items were discarded because of backpressure.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
