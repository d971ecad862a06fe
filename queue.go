package tipstream

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// QueuedEvent is an event waiting for a later publish attempt, either because
// the rate limiter denied it or because its inline retries ran out.
type QueuedEvent struct {
	Event      StreamEvent
	RetryCount int
	EnqueuedAt time.Time
}

// PublishQueue is a bounded FIFO. It never blocks and never grows past its
// capacity: when full, enqueueing evicts the single oldest entry to make room.
// Stream events are best-effort telemetry, so losing the oldest is the right
// trade against unbounded memory.
type PublishQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*QueuedEvent
}

func NewPublishQueue(capacity int) *PublishQueue {
	return &PublishQueue{capacity: capacity}
}

// Enqueue appends the item, evicting the oldest first if the queue is full.
// It returns the evicted item, or nil when nothing was displaced.
func (q *PublishQueue) Enqueue(item *QueuedEvent) *QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *QueuedEvent
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items = append(q.items[:0], q.items[1:]...)
		logrus.Warnf("publish queue full (%d), evicted oldest %s event", q.capacity, evicted.Event.Type())
	}
	q.items = append(q.items, item)
	return evicted
}

// Dequeue removes and returns the oldest item, or nil when the queue is empty.
func (q *PublishQueue) Dequeue() *QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = append(q.items[:0], q.items[1:]...)
	return item
}

func (q *PublishQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
