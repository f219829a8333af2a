package hub

import (
	"sync"

	"github.com/rxtech-lab/market-stream/internal/types"
)

// queue is a bounded FIFO that drops its oldest entry when full.
// push never blocks.
type queue struct {
	mu     sync.Mutex
	buf    []types.Message
	head   int
	size   int
	closed bool
	// drops counts messages dropped since the last successful delivery.
	drops int

	notify chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		mu:     sync.Mutex{},
		buf:    make([]types.Message, capacity),
		head:   0,
		size:   0,
		closed: false,
		drops:  0,
		notify: make(chan struct{}, 1),
	}
}

// push appends msg. It reports whether the oldest message was dropped to make
// room and the consecutive drop count after this push.
func (q *queue) push(msg types.Message) (dropped bool, drops int) {
	q.mu.Lock()

	if q.closed {
		drops = q.drops
		q.mu.Unlock()

		return false, drops
	}

	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = types.Message{}
		q.head = (q.head + 1) % capacity
		q.size--
		q.drops++
		dropped = true
	}

	q.buf[(q.head+q.size)%capacity] = msg
	q.size++
	drops = q.drops
	q.mu.Unlock()

	q.signal()

	return dropped, drops
}

// pop removes the oldest message. ok is false when the queue is empty.
func (q *queue) pop() (msg types.Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return types.Message{}, false
	}

	msg = q.buf[q.head]
	q.buf[q.head] = types.Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--

	return msg, true
}

// delivered resets the consecutive drop count.
func (q *queue) delivered() {
	q.mu.Lock()
	q.drops = 0
	q.mu.Unlock()
}

// close stops accepting messages. Queued messages can still be popped.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// drained reports whether the queue is closed and empty.
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed && q.size == 0
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

// snapshot returns the queued messages, oldest first.
func (q *queue) snapshot() []types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Message, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}

	return out
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
