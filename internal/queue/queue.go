// Package queue hands inbox event ids from the webhook receiver to ingest workers.
//
// Queues are a latency optimisation: the inbox table is the durable record and a
// sweeper re-enqueues anything a queue loses.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a FIFO of inbox event ids.
type Queue interface {
	Enqueue(ctx context.Context, eventID string) error
	// Dequeue blocks until an id is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

// Memory is an in-process Queue backed by a buffered channel.
type Memory struct {
	items     chan string
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemory returns a Memory queue holding up to capacity ids.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{items: make(chan string, capacity), closed: make(chan struct{})}
}

func (memory *Memory) Enqueue(ctx context.Context, eventID string) error {
	select {
	case <-memory.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case memory.items <- eventID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (memory *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case eventID := <-memory.items:
		return eventID, nil
	case <-memory.closed:
		return "", ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (memory *Memory) Close() error {
	memory.closeOnce.Do(func() { close(memory.closed) })
	return nil
}

// Len reports the number of buffered ids.
func (memory *Memory) Len() int {
	return len(memory.items)
}
