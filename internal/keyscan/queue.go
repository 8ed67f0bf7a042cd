package keyscan

import "sync"

// Queue is a bounded FIFO of scan events. When an event arrives on a full
// queue the newest entry is replaced with a single QueueOverflow marker and
// further events are dropped until the marker has been consumed, so the
// reader always learns that events were lost exactly once.
type Queue struct {
	mu       sync.Mutex
	events   []Event
	head     int
	count    int
	overflow bool
}

func NewQueue(size int) *Queue {
	if size < 2 {
		size = 2
	}
	return &Queue{events: make([]Event, size)}
}

// Push appends an event. It reports whether the event was stored as-is;
// false means the queue overflowed and the event was replaced or dropped.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.overflow {
		return false
	}
	if q.count == len(q.events) {
		// Overwrite the newest entry with the overflow marker.
		tail := (q.head + q.count - 1) % len(q.events)
		q.events[tail] = Event{Type: QueueOverflow, PollSeqn: ev.PollSeqn}
		q.overflow = true
		return false
	}
	tail := (q.head + q.count) % len(q.events)
	q.events[tail] = ev
	q.count++
	return true
}

// PeekCurrent returns the oldest event without removing it.
func (q *Queue) PeekCurrent() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Event{}, false
	}
	return q.events[q.head], true
}

// PopCurrent removes the oldest event. Popping an empty queue is a no-op.
func (q *Queue) PopCurrent() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return
	}
	if q.events[q.head].Type == QueueOverflow {
		q.overflow = false
	}
	q.head = (q.head + 1) % len(q.events)
	q.count--
	if q.count == 0 {
		q.head = 0
	}
}

func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Flush discards all queued events and clears the overflow latch.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.count = 0
	q.overflow = false
}
