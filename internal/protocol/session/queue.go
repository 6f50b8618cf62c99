package session

import "sync"

// SendQueue holds encoded frames while a link is down. When full the oldest
// frame is discarded.
type SendQueue struct {
	mu      sync.Mutex
	limit   int
	items   [][]byte
	dropped uint64
}

func NewSendQueue(limit int) *SendQueue {
	if limit <= 0 {
		limit = DefaultConfig().SendQueueLimit
	}
	return &SendQueue{limit: limit}
}

// Push appends frame and reports whether an older frame had to be dropped.
func (q *SendQueue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.limit {
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, frame)
	return dropped
}

// Drain removes and returns every queued frame in push order.
func (q *SendQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Requeue puts unsent frames back at the head of the queue, ahead of anything
// pushed since the drain, trimming from the front if over limit.
func (q *SendQueue) Requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([][]byte, 0, len(frames)+len(q.items))
	merged = append(merged, frames...)
	merged = append(merged, q.items...)
	if over := len(merged) - q.limit; over > 0 {
		merged = merged[over:]
		q.dropped += uint64(over)
	}
	q.items = merged
}

func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of frames discarded for overflow.
func (q *SendQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
