package journal

import (
	"context"
	"sync"
	"time"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Item is one producer queue entry: a committed statement, or a reset
// marker that obsoletes the whole backlog.
type Item struct {
	Statement ha.Statement
	Reset     bool
}

// Queue is an unbounded multi-producer, single-consumer queue. Producers
// never block.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push enqueues a committed statement.
func (q *Queue) Push(st ha.Statement) {
	q.put(Item{Statement: st})
}

// PushReset enqueues a reset marker.
func (q *Queue) PushReset() {
	q.put(Item{Reset: true})
}

func (q *Queue) put(it Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TryPop removes the head item without blocking.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return it, true
}

// Wait pops the head item, blocking until one arrives, timeout elapses or
// ctx is done. A timeout of zero or less waits without limit.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (Item, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if it, ok := q.TryPop(); ok {
			return it, true
		}
		select {
		case <-q.notify:
		case <-expired:
			return Item{}, false
		case <-ctx.Done():
			return Item{}, false
		}
	}
}
