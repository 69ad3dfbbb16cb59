package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

func TestMessageQueue_Capacity(t *testing.T) {
	q := newMessageQueue[reg](3)

	for i := 0; i < 3; i++ {
		msg := newTestMessage()
		require.True(t, q.tryEnqueue(job[reg]{msg: msg}), "enqueue %d should be accepted", i)
		assert.Equal(t, push.StatusQueued, msg.Status())
	}

	rejected := newTestMessage()
	assert.False(t, q.tryEnqueue(job[reg]{msg: rejected}))
	assert.Equal(t, push.StatusUnknown, rejected.Status(), "a rejected message must be left untouched")
	assert.Equal(t, 3, q.Len())

	_, ok := q.poll()
	require.True(t, ok)
	assert.True(t, q.tryEnqueue(job[reg]{msg: rejected}))
}

func TestMessageQueue_RejectsAlreadyQueued(t *testing.T) {
	q := newMessageQueue[reg](10)
	msg := newTestMessage()

	require.True(t, q.tryEnqueue(job[reg]{msg: msg}))
	assert.False(t, q.tryEnqueue(job[reg]{msg: msg}))
	assert.Equal(t, 1, q.Len())
}

func TestMessageQueue_DequeueHonoursCancellation(t *testing.T) {
	q := newMessageQueue[reg](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.dequeue(ctx)
	assert.False(t, ok)

	_, ok = q.poll()
	assert.False(t, ok)
}

func TestBacklog(t *testing.T) {
	t.Run("Success - FIFO with retry at head", func(t *testing.T) {
		var b Backlog[string]
		b.Push("a", "b")
		b.Push("c")

		drained := b.Drain()
		assert.Equal(t, []string{"a", "b", "c"}, drained)
		assert.Zero(t, b.Len())

		b.Push("d")
		b.PushFront(drained[1:])
		assert.Equal(t, []string{"b", "c", "d"}, b.Drain())
	})

	t.Run("Success - Peek copies without removing", func(t *testing.T) {
		var b Backlog[int]
		b.Push(1, 2, 3)

		peeked := b.Peek(2)
		peeked[0] = 99
		assert.Equal(t, []int{99, 2}, peeked)
		assert.Equal(t, []int{1, 2, 3}, b.Peek(10))
		assert.Equal(t, 3, b.Len())
	})

	t.Run("Success - empty drain", func(t *testing.T) {
		var b Backlog[string]
		assert.Empty(t, b.Drain())
		b.PushFront(nil)
		assert.Zero(t, b.Len())
	})
}
