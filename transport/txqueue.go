package transport

import "sync"

// txQueue is the node's bounded FIFO of encoded data frames. Application
// callers push from any goroutine without blocking; only the node task pops.
//
// The ring keeps one spare entry so that a frame popped by the task can
// always be pushed back to the front, even if a producer filled the freed
// entry in the meantime.
type txQueue struct {
	mu         sync.Mutex
	data       [][]byte
	head, tail int // head = next pop, tail = next push
	count      int
	limit      int
}

func newTxQueue(limit int) *txQueue {
	return &txQueue{data: make([][]byte, limit+1), limit: limit}
}

// push appends frame, reporting false when the queue already holds limit
// frames.
func (q *txQueue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count >= q.limit {
		return false
	}
	q.data[q.tail] = frame
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	return true
}

// pushFront returns a previously popped frame to the head of the queue.
func (q *txQueue) pushFront(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		return false
	}
	q.head = (q.head - 1 + len(q.data)) % len(q.data)
	q.data[q.head] = frame
	q.count++
	return true
}

func (q *txQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	frame := q.data[q.head]
	q.data[q.head] = nil
	q.head = (q.head + 1) % len(q.data)
	q.count--
	return frame, true
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// clear drops every queued frame.
func (q *txQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.data {
		q.data[i] = nil
	}
	q.head, q.tail, q.count = 0, 0, 0
}
