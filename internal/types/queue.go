package types

import "sync"

// Queue is a goroutine-safe FIFO queue.
// Producers push from any goroutine, a single consumer drains it.
type Queue[T any] struct {
	mu   sync.Mutex
	data []T
}

// Push appends the item to the tail of the queue.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.data = append(q.data, item)
	q.mu.Unlock()
}

// Drain returns all queued items in FIFO order and empties the queue.
// Items pushed during processing of the returned batch land in the next batch.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		return nil
	}
	out := q.data
	q.data = nil
	return out
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
