package stream

import "sync"

// queue is an unbounded FIFO between one producer (the relay) and one
// consumer (a client writer). push never blocks, so a slow client cannot
// stall the relay or other subscribers.
type queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drain takes everything queued so far. closed reports that nothing more
// will arrive after these items.
func (q *queue) drain() (items []Event, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, q.items = q.items, nil
	return items, q.closed
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
