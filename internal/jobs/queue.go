package jobs

import (
	"container/list"
	"context"
	"sync"

	"github.com/timmy/ringforge/internal/domain"
)

// Queue is a bounded FIFO of job ids. Pushes never block; a full queue
// rejects with domain.ErrQueueFull. Queued ids can be removed in place so a
// cancelled job never reaches a worker.
type Queue struct {
	mu       sync.Mutex
	items    *list.List
	index    map[string]*list.Element
	capacity int

	// One token per push. Removed ids leave stale tokens behind, so there are
	// always at least as many tokens as items.
	avail chan struct{}
}

// NewQueue creates a queue holding at most capacity ids.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
		avail:    make(chan struct{}, capacity),
	}
}

// TryPush appends id or fails immediately when the queue is full.
func (q *Queue) TryPush(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.capacity {
		return domain.ErrQueueFull
	}
	if _, ok := q.index[id]; ok {
		return domain.ErrDuplicateJob
	}
	q.index[id] = q.items.PushBack(id)

	select {
	case q.avail <- struct{}{}:
	default:
	}
	return nil
}

// Remove drops a queued id. It reports false if id was not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.items.Remove(el)
	delete(q.index, id)
	return true
}

// Pop blocks until an id is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.avail:
		}

		q.mu.Lock()
		front := q.items.Front()
		if front != nil {
			id := q.items.Remove(front).(string)
			delete(q.index, id)
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()
	}
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}
