package agent

import (
	"sort"
	"sync"

	"github.com/arbnet/arbnet-go/internal/bus"
)

// queueItem tracks arrival order so equal priorities drain FIFO.
type queueItem struct {
	msg bus.AgentMessage
	seq uint64
}

// messageQueue is a priority queue over AgentMessages. Drains highest
// priority first, stable by arrival within a priority.
type messageQueue struct {
	mu    sync.Mutex
	items []queueItem
	seq   uint64
}

func newMessageQueue() *messageQueue {
	return &messageQueue{}
}

// Push enqueues a message and returns its sequence number.
func (q *messageQueue) Push(msg bus.AgentMessage) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, queueItem{msg: msg, seq: q.seq})
	return q.seq
}

// Remove drops the item with the given sequence number and reports
// whether it was still queued. A false return means a concurrent Drain
// already claimed it.
func (q *messageQueue) Remove(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.seq == seq {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Drain removes and returns up to n messages in processing order:
// critical > high > medium > low, FIFO within each priority.
func (q *messageQueue) Drain(n int) []bus.AgentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || n <= 0 {
		return nil
	}

	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].msg.Priority != q.items[j].msg.Priority {
			return q.items[i].msg.Priority > q.items[j].msg.Priority
		}
		return q.items[i].seq < q.items[j].seq
	})

	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]bus.AgentMessage, 0, n)
	for _, it := range q.items[:n] {
		out = append(out, it.msg)
	}
	q.items = q.items[n:]
	return out
}

// Len returns the number of queued messages.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
