package relay

import (
	"context"
	"sync/atomic"
	"time"
)

// Overflow decides what Push does when the queue is full.
type Overflow int

const (
	// DropOldest evicts the head to make room. Push never blocks.
	DropOldest Overflow = iota
	// Block waits for room or for the context to end.
	Block
)

// Queue is a bounded FIFO shared by one producer and one consumer.
type Queue[T any] struct {
	ch      chan T
	policy  Overflow
	dropped atomic.Int64
}

func NewQueue[T any](capacity int, policy Overflow) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity), policy: policy}
}

// Push enqueues v. With DropOldest it reports whether an older item was
// evicted to make room.
func (q *Queue[T]) Push(ctx context.Context, v T) (evicted bool, err error) {
	for {
		select {
		case q.ch <- v:
			return evicted, nil
		default:
		}

		if q.policy == Block {
			select {
			case q.ch <- v:
				return false, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		// The consumer may drain concurrently; losing that race just means
		// the next send succeeds.
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Poll waits up to timeout for the next item.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	select {
	case v := <-q.ch:
		return v, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-q.ch:
		return v, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// C exposes the receive side for use in select loops.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

func (q *Queue[T]) Len() int { return len(q.ch) }

func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Dropped counts items evicted by DropOldest since creation.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}
