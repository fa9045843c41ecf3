package client

import (
	"sync"
	"time"

	"github.com/jobmesh/relay/internal/wire"
)

// defaultQueueCap bounds the outbound queue. The queue is a best-effort
// buffer, not a durable outbox: past the cap the oldest entry is dropped.
const defaultQueueCap = 50

type queuedEnvelope struct {
	env      wire.Envelope
	queuedAt time.Time
}

// outboundQueue holds envelopes built while the connection was down (or
// whose write failed), in enqueue order, so a user's action is never
// silently discarded just because the connection happened to be down.
type outboundQueue struct {
	mu       sync.Mutex
	items    []queuedEnvelope
	capacity int
	dropped  int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}

	return &outboundQueue{capacity: capacity}
}

// push appends env, evicting the oldest entry if the queue is full.
// Reports whether an eviction happened.
func (q *outboundQueue) push(env wire.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}

	q.items = append(q.items, queuedEnvelope{env: env, queuedAt: time.Now()})

	return evicted
}

// drain removes and returns every queued envelope in enqueue order.
func (q *outboundQueue) drain() []wire.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	out := make([]wire.Envelope, len(q.items))
	for i, item := range q.items {
		out[i] = item.env
	}

	q.items = nil

	return out
}

// requeue puts envelopes back at the front, preserving their relative
// order ahead of anything pushed since the drain.
func (q *outboundQueue) requeue(envs []wire.Envelope) {
	if len(envs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	front := make([]queuedEnvelope, 0, len(envs)+len(q.items))
	now := time.Now()

	for _, env := range envs {
		front = append(front, queuedEnvelope{env: env, queuedAt: now})
	}

	q.items = append(front, q.items...)
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// droppedCount reports how many entries have been evicted since the last
// reset. Used to surface a one-time warning, not for accounting.
func (q *outboundQueue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}

func (q *outboundQueue) resetDrops() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropped = 0
}
