package transport

import (
	"container/heap"
	"sync"

	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

type queued struct {
	env protocol.Envelope
	seq uint64
}

type envelopeHeap []queued

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].env.Priority != h[j].env.Priority {
		return h[i].env.Priority > h[j].env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// sendQueue orders pending envelopes by priority, highest first, and FIFO
// within one priority.
type sendQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    envelopeHeap
	seq      uint64
	capacity int
	closed   bool
}

func newSendQueue(capacity int) *sendQueue {
	q := &sendQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) push(env protocol.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrNotConnected
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, queued{env: env, seq: q.seq})
	q.cond.Signal()
	return nil
}

// pop blocks until an envelope is available or the queue is closed.
func (q *sendQueue) pop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return protocol.Envelope{}, false
	}
	item := heap.Pop(&q.items).(queued)
	return item.env, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}
