/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package queue holds the message type carried between pipeline stages and
// an unbounded FIFO used where producers must never block.
package queue

import (
	"context"
	"sync"
)

// Item is either a value or the end-of-stream marker.  The zero Item is a
// zero value, not the end of the stream.
type Item[T any] struct {
	value T
	end   bool
}

// Value wraps v as an Item.
func Value[T any](v T) Item[T] {
	return Item[T]{value: v}
}

// EndOfStream returns the marker signaling that a producer is done.
func EndOfStream[T any]() Item[T] {
	return Item[T]{end: true}
}

// Get returns the carried value, and false if the Item is the end-of-stream
// marker.
func (i Item[T]) Get() (T, bool) {
	return i.value, !i.end
}

// IsEndOfStream reports whether i is the end-of-stream marker.
func (i Item[T]) IsEndOfStream() bool {
	return i.end
}

// Unbounded is a FIFO with no capacity limit.  Push never blocks; Pop
// blocks until an item is available.  Any number of goroutines may push,
// it is meant to have a single consumer.
type Unbounded[T any] struct {
	// mu guards items.
	mu    sync.Mutex
	items []T
	// ready holds a token whenever items is non-empty.
	ready chan struct{}
}

// NewUnbounded creates an empty queue.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{
		ready: make(chan struct{}, 1),
	}
}

// Push appends v to the tail of the queue.
func (q *Unbounded[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head of the queue, waiting for one to
// arrive if the queue is empty.  It returns the context's error if the
// context is done first.
func (q *Unbounded[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.tryPop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *Unbounded[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array go once drained.
		q.items = nil
	} else {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return v, true
}

// Len returns the number of queued items.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
