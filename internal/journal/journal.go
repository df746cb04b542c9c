// Package journal queues records produced under in-memory locks and writes
// them to storage afterwards, in the order they were queued.
package journal

import (
	"context"
	"sync"
)

// WriteFunc persists one record.
type WriteFunc[T any] func(ctx context.Context, item T) error

// Journal is a FIFO of records waiting to be written. Push never blocks on
// storage; Flush writes the queue head first and stops at the first failure,
// leaving the failed record at the head for the next Flush.
type Journal[T any] struct {
	write WriteFunc[T]

	mu    sync.Mutex
	items []T

	// flushMu admits one writer at a time so records reach storage in queue order.
	flushMu sync.Mutex
}

func New[T any](write WriteFunc[T]) *Journal[T] {
	return &Journal[T]{write: write}
}

func (j *Journal[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	j.mu.Lock()
	j.items = append(j.items, items...)
	j.mu.Unlock()
}

// Flush writes every queued record. When it returns nil, every record pushed
// before the call has been written.
func (j *Journal[T]) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()
	for {
		j.mu.Lock()
		if len(j.items) == 0 {
			j.mu.Unlock()
			return nil
		}
		head := j.items[0]
		j.mu.Unlock()

		if j.write != nil {
			if err := j.write(ctx, head); err != nil {
				return err
			}
		}

		j.mu.Lock()
		var zero T
		j.items[0] = zero
		j.items = j.items[1:]
		j.mu.Unlock()
	}
}

// Len reports how many records are still waiting.
func (j *Journal[T]) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items)
}
