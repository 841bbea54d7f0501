package transport

import (
	"sync"

	"github.com/roach88/shellprobe/internal/envelope"
)

// responseQueue is a FIFO of envelopes for one request ID.
//
// The read loop pushes, a single subscriber pops. The queue is unbounded so
// a slow script never stalls routing for other requests on the connection.
// A buffered signal channel of size 1 wakes the subscriber; closing the
// queue closes the channel, which wakes it for good.
type responseQueue struct {
	mu     sync.Mutex
	items  []envelope.Response
	closed bool
	err    error
	signal chan struct{}
}

func newResponseQueue() *responseQueue {
	return &responseQueue{
		items:  make([]envelope.Response, 0, 4),
		signal: make(chan struct{}, 1),
	}
}

// push appends an envelope. Returns false if the queue is closed.
func (q *responseQueue) push(r envelope.Response) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, r)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the front envelope without blocking.
// When the queue is empty it reports whether the queue was closed, and why.
func (q *responseQueue) tryPop() (envelope.Response, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			return envelope.Response{}, false, q.err
		}
		return envelope.Response{}, false, nil
	}

	r := q.items[0]
	q.items[0] = envelope.Response{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return r, true, nil
}

func (q *responseQueue) wait() <-chan struct{} {
	return q.signal
}

// close stops the queue. Buffered envelopes can still be popped; err is
// returned once they are drained.
func (q *responseQueue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.signal)
}
