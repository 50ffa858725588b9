package nan

import (
	"sync"

	"github.com/samber/oops"
)

// workQueue is an unbounded FIFO of tasks for the StateManager worker.
// Producers never block; the worker is woken through a one-slot signal
// channel and drains everything queued so far.
type workQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{signal: make(chan struct{}, 1)}
}

func (q *workQueue) push(task func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return oops.Wrapf(ErrManagerClosed, "enqueue")
	}
	q.items = append(q.items, task)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// drain removes and returns every queued task in arrival order.
func (q *workQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

func (q *workQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
