package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIsFIFO(t *testing.T) {
	memory := NewMemory(4)
	ctx := context.Background()
	require.NoError(t, memory.Enqueue(ctx, "a"))
	require.NoError(t, memory.Enqueue(ctx, "b"))

	first, err := memory.Dequeue(ctx)
	require.NoError(t, err)
	second, err := memory.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, []string{first, second})
}

func TestMemoryRejectsWhenFull(t *testing.T) {
	memory := NewMemory(1)
	require.NoError(t, memory.Enqueue(context.Background(), "a"))
	assert.ErrorIs(t, memory.Enqueue(context.Background(), "b"), ErrQueueFull)
	assert.Equal(t, 1, memory.Len())
}

func TestMemoryDequeueHonoursContextAndClose(t *testing.T) {
	memory := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := memory.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, memory.Close())
	_, err = memory.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, memory.Enqueue(context.Background(), "a"), ErrQueueClosed)
}
