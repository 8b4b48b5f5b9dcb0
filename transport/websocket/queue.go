package websocket

import "sync"

// sendQueue is the bounded per-connection outbound queue. On overflow it
// drops the oldest droppable frame; Envelope and Error frames are never
// dropped, and the push is rejected when nothing droppable remains.
type sendQueue struct {
	mu     sync.Mutex
	frames []*Frame
	max    int
	notify chan struct{}
	closed bool
}

// droppable reports whether frames of this type may be evicted on
// overflow. Envelope responses and Error frames must reach the peer.
func droppable(t FrameType) bool {
	switch t {
	case FramePing, FramePong, FrameSubscriptionData:
		return true
	}
	return false
}

func newSendQueue(max int) *sendQueue {
	if max < 1 {
		max = 1
	}
	return &sendQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a frame, evicting on overflow. It reports whether the
// frame was accepted.
func (q *sendQueue) push(f *Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.frames) >= q.max {
		evicted := false
		for i, old := range q.frames {
			if droppable(old.Type) {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Only Envelope and Error frames remain.
			q.mu.Unlock()
			return false
		}
	}

	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes the head frame without blocking.
func (q *sendQueue) pop() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// wait returns a channel that signals when frames may be available.
func (q *sendQueue) wait() <-chan struct{} {
	return q.notify
}

// close marks the queue closed; further pushes are rejected.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
