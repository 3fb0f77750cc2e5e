package brook

import "time"

// outboxEntry is one message awaiting transmission.
type outboxEntry struct {
	payload    []byte
	enqueuedAt time.Time
}

// outbox is the capacity-bounded FIFO of messages that could not be sent
// while the transport was unusable. Overflow evicts the oldest entry first.
// Not safe for concurrent use; the owning Connection serializes access.
type outbox struct {
	capacity int
	entries  []outboxEntry
	dropped  uint64
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &outbox{capacity: capacity}
}

func (queue *outbox) enqueue(payload []byte) {
	if len(queue.entries) >= queue.capacity {
		overflow := len(queue.entries) - queue.capacity + 1
		queue.entries = queue.entries[overflow:]
		queue.dropped += uint64(overflow)
	}
	queue.entries = append(queue.entries, outboxEntry{payload: payload, enqueuedAt: time.Now()})
}

// drain detaches and returns the queued entries, oldest first. Entries
// enqueued after the drain snapshot land in a fresh queue and wait for the
// next drain.
func (queue *outbox) drain() []outboxEntry {
	entries := queue.entries
	queue.entries = nil
	return entries
}

// requeue reinserts the unsent remainder of a failed drain ahead of anything
// enqueued since the snapshot, so the next drain stays oldest-first. Overflow
// still evicts the oldest entries.
func (queue *outbox) requeue(entries []outboxEntry) {
	if len(entries) == 0 {
		return
	}
	combined := make([]outboxEntry, 0, len(entries)+len(queue.entries))
	combined = append(combined, entries...)
	combined = append(combined, queue.entries...)
	if len(combined) > queue.capacity {
		overflow := len(combined) - queue.capacity
		combined = combined[overflow:]
		queue.dropped += uint64(overflow)
	}
	queue.entries = combined
}

func (queue *outbox) size() int {
	return len(queue.entries)
}
