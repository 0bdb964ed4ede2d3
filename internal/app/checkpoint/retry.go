package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/checkpoint"
)

// durableRetryQueue holds records whose durable write failed while the fast
// store accepted them. Entries are keyed by record id so a newer write for
// the same record supersedes the queued one instead of queueing behind it.
type durableRetryQueue struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*checkpoint.Record
	order   []uuid.UUID
	notify  chan struct{}
	maxSize int
}

func newDurableRetryQueue(maxSize int) *durableRetryQueue {
	return &durableRetryQueue{
		items:   make(map[uuid.UUID]*checkpoint.Record),
		notify:  make(chan struct{}, 1),
		maxSize: maxSize,
	}
}

// Enqueue adds or replaces a pending durable write. Returns false when the
// queue is full and the record was dropped.
func (q *durableRetryQueue) Enqueue(record *checkpoint.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[record.ID()]; !exists {
		if len(q.order) >= q.maxSize {
			return false
		}
		q.order = append(q.order, record.ID())
	}
	q.items[record.ID()] = record

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes and returns the oldest pending record, or nil when empty.
func (q *durableRetryQueue) Dequeue() *checkpoint.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		if record, ok := q.items[id]; ok {
			delete(q.items, id)
			return record
		}
	}
	return nil
}

// Remove drops a pending write, used when a newer write for the same record
// already reached the durable store.
func (q *durableRetryQueue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}

// Len returns the number of pending writes.
func (q *durableRetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify returns the channel signaled on enqueue.
func (q *durableRetryQueue) Notify() <-chan struct{} { return q.notify }

// newDurableBackoff builds the retry policy for durable re-persistence.
func newDurableBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// retryWithContext wraps a backoff policy with context cancellation.
func retryWithContext(ctx context.Context, b backoff.BackOff, op func() error) error {
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, b)
}
