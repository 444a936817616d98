package dispatch

import (
	"context"
	"fmt"
	"time"
)

// MemoryQueue is a buffered channel for single-process deployments and
// tests.
type MemoryQueue struct {
	ch chan string
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

func (q *MemoryQueue) Name() string { return "memory" }

// Enqueue fails instead of blocking when the buffer is full; the pending
// sweep picks the job up later.
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return fmt.Errorf("memory queue full")
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) ([]Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return []Message{{JobID: id, EnqueuedAt: time.Now().UTC()}}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
