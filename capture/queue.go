package capture

import (
	"context"
	"io"
	"sync"
)

// DefaultQueueSize is the number of encoded frames buffered per stream.
const DefaultQueueSize = 8

// frameQueue is a bounded FIFO that evicts its oldest entry when full, so a
// slow consumer sees recent frames instead of stalling the capture loop.
type frameQueue struct {
	mu     sync.Mutex
	items  []*EncodedFrame
	size   int
	notify chan struct{}
	closed bool
	err    error
}

func newFrameQueue(size int) *frameQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &frameQueue{
		items:  make([]*EncodedFrame, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
	}
}

// push appends f and reports whether an older frame was evicted.
func (q *frameQueue) push(f *EncodedFrame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) == q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		dropped = true
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.wake()
	return dropped
}

// close ends the queue. Buffered frames are still delivered; after them pop
// returns err, or io.EOF when err is nil.
func (q *frameQueue) close(err error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.wake()
}

func (q *frameQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pop(ctx context.Context) (*EncodedFrame, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			// keep the wakeup for any later pop
			q.wake()
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
