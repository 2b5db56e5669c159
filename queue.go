package nodebridge

import "sync"

// argQueue is an unbounded FIFO of completed argument lists, one per
// registered function. The dispatcher pushes without ever blocking; the
// function's worker pops. Bounding the queue would let a slow handler stall
// the dispatcher and with it every other function, so it is not bounded.
type argQueue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	items    [][]string
	closed   bool
}

func newArgQueue() *argQueue {
	q := &argQueue{}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// push appends one argument list. Pushes after close are dropped.
func (q *argQueue) push(args []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, args)
	q.nonEmpty.Signal()
}

// pop blocks until an item is available or the queue is closed. Items
// pushed before close are still drained; ok is false only once the queue is
// both closed and empty.
func (q *argQueue) pop() (args []string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.nonEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	args = q.items[0]
	q.items = q.items[1:]
	return args, true
}

// close wakes the worker and lets it exit after draining. Idempotent.
func (q *argQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.nonEmpty.Broadcast()
}
