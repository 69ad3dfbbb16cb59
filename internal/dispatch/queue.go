package dispatch

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// job is a queued message plus an optional pre-resolved registration list.
type job[R push.Registration] struct {
	msg           *push.Message
	registrations []R
}

// MessageQueue is a bounded FIFO. Producers are serialized so the capacity
// check, the Queued transition and the insert happen together; consumers
// block on the channel with cancellation.
type MessageQueue[R push.Registration] struct {
	mu     sync.Mutex
	ch     chan job[R]
	closed bool
}

func newMessageQueue[R push.Registration](capacity int) *MessageQueue[R] {
	return &MessageQueue[R]{ch: make(chan job[R], capacity)}
}

// tryEnqueue accepts j iff the queue is open, holds fewer than capacity jobs
// and the message can move to Queued. A rejected job leaves no trace.
func (q *MessageQueue[R]) tryEnqueue(j job[R]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.ch) >= cap(q.ch) {
		return false
	}
	if !j.msg.MarkQueued() {
		return false
	}
	q.ch <- j
	return true
}

// close rejects every later tryEnqueue. Jobs already accepted stay queued
// for the consumers to drain.
func (q *MessageQueue[R]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// dequeue blocks until a job is available or ctx is done.
func (q *MessageQueue[R]) dequeue(ctx context.Context) (job[R], bool) {
	select {
	case <-ctx.Done():
		return job[R]{}, false
	case j := <-q.ch:
		return j, true
	}
}

// poll returns a job without blocking.
func (q *MessageQueue[R]) poll() (job[R], bool) {
	select {
	case j := <-q.ch:
		return j, true
	default:
		return job[R]{}, false
	}
}

func (q *MessageQueue[R]) Len() int {
	return len(q.ch)
}

func (q *MessageQueue[R]) Cap() int {
	return cap(q.ch)
}

// Backlog is an unbounded FIFO used for registration bookkeeping.
type Backlog[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends items at the tail.
func (b *Backlog[T]) Push(items ...T) {
	b.mu.Lock()
	b.items = append(b.items, items...)
	b.mu.Unlock()
}

// PushFront returns previously drained items to the head so they are retried first.
func (b *Backlog[T]) PushFront(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	merged := make([]T, 0, len(items)+len(b.items))
	merged = append(merged, items...)
	b.items = append(merged, b.items...)
	b.mu.Unlock()
}

// Drain removes and returns everything currently queued.
func (b *Backlog[T]) Drain() []T {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

func (b *Backlog[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Peek copies at most n items from the head.
func (b *Backlog[T]) Peek(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		n = len(b.items)
	}
	out := make([]T, n)
	copy(out, b.items[:n])
	return out
}
