package ipc

// maxQueuedMessages bounds the offline replay queue. When the queue is
// full the oldest entry is dropped so the most recent state wins.
const maxQueuedMessages = 50

// messageQueue buffers outbound messages while no client is connected.
// It is not safe for concurrent use; the server serializes access.
type messageQueue struct {
	entries []map[string]any
	dropped int
}

// Push appends a message, evicting the oldest entry when full.
func (q *messageQueue) Push(msg map[string]any) {
	if len(q.entries) >= maxQueuedMessages {
		q.entries = q.entries[1:]
		q.dropped++
	}
	q.entries = append(q.entries, msg)
}

// Drain returns all queued messages in arrival order and empties the
// queue.
func (q *messageQueue) Drain() []map[string]any {
	out := q.entries
	q.entries = nil
	return out
}

func (q *messageQueue) Len() int {
	return len(q.entries)
}

// Dropped reports how many messages have been evicted since startup.
func (q *messageQueue) Dropped() int {
	return q.dropped
}
