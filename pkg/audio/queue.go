package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by [FrameQueue.Pop] once the queue is closed and
// drained.
var ErrQueueClosed = errors.New("audio: frame queue closed")

// FrameQueue is a bounded FIFO of frames between the capture callback and the
// consumer goroutine. Push never blocks: when the queue is full the oldest
// frame is discarded and counted.
//
// The zero value is not usable; create one with [NewFrameQueue].
type FrameQueue struct {
	mu      sync.Mutex
	buf     []Frame
	head    int
	size    int
	dropped uint64
	closed  bool

	// ready holds a token while the queue is non-empty or closed.
	ready chan struct{}

	// onDrop, when set, is called outside the lock for every dropped frame.
	onDrop func()
}

// NewFrameQueue returns a queue holding at most capacity frames. Capacities
// below 1 are raised to 1.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		buf:   make([]Frame, capacity),
		ready: make(chan struct{}, 1),
	}
}

// OnDrop registers fn to be called whenever a frame is dropped. Must be set
// before the first Push.
func (q *FrameQueue) OnDrop(fn func()) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// Push appends f, evicting the oldest frame if the queue is full. Pushing to a
// closed queue is a no-op.
func (q *FrameQueue) Push(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := false
	if q.size == len(q.buf) {
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	onDrop := q.onDrop
	q.mu.Unlock()

	q.signal()
	if dropped && onDrop != nil {
		onDrop()
	}
}

// TryPop removes and returns the oldest frame without blocking.
func (q *FrameQueue) TryPop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop blocks until a frame is available, ctx is done, or the queue is closed
// and empty.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		f, ok := q.popLocked()
		closed := q.closed
		remaining := q.size
		q.mu.Unlock()

		if ok {
			if remaining > 0 {
				q.signal()
			}
			return f, nil
		}
		if closed {
			return Frame{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Clear discards all queued frames without counting them as dropped.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.head, q.size = 0, 0
}

// Len reports the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped reports how many frames were evicted because the queue was full.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close marks the queue closed. Pending frames can still be popped; Pop
// returns [ErrQueueClosed] afterwards.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *FrameQueue) popLocked() (Frame, bool) {
	if q.size == 0 {
		return Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f, true
}

func (q *FrameQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
