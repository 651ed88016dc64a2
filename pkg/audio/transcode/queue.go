package transcode

import "sync"

// queue is an unbounded FIFO of byte chunks with a single consumer.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	ready  chan struct{} // capacity 1; signalled on push and close
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends a copy of b. It reports false once the queue is closed.
func (q *queue) push(b []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, append([]byte(nil), b...))
	q.mu.Unlock()
	q.signal()
	return true
}

// close marks the end of input; pop drains remaining items first.
func (q *queue) close() bool {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return !already
}

// pop blocks until a chunk is available, the queue is closed and drained, or
// abort is closed.
func (q *queue) pop(abort <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.ready:
		case <-abort:
			return nil, false
		}
	}
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
