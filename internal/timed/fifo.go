package timed

import "sync"

// fifo is an unbounded queue with one consumer. Pushes never block.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

// push enqueues items. It reports false once the queue is closed.
func (q *fifo[T]) push(items ...T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, items...)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks for the next item. After close it drains what is left, then
// returns false and marks the queue done.
func (q *fifo[T]) pop() (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.once.Do(func() { close(q.done) })
			var zero T
			return zero, false
		}
		<-q.signal
	}
}

func (q *fifo[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
