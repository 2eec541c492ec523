// Package txring implements the bounded producer/consumer queue
// fronting the tap device: any number of packet-handler transmit
// goroutines enqueue assembled frames; one device-writer goroutine
// drains them.
package txring

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by Enqueue when the ring is saturated. The
// caller counts the drop and moves on - it must never block the
// receive path.
var ErrQueueFull = errors.New("txring: queue full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("txring: closed")

// Ring is a bounded MPSC queue of frames awaiting transmission.
type Ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	cap    int
	closed bool
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	r := &Ring{cap: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Enqueue appends frame for transmission. It never blocks: a full ring
// rejects the frame with ErrQueueFull.
func (r *Ring) Enqueue(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if len(r.frames) >= r.cap {
		return ErrQueueFull
	}
	r.frames = append(r.frames, frame)
	r.cond.Signal()
	return nil
}

// Dequeue blocks until a frame is available or the ring is closed. It
// returns ok=false once the ring is closed and drained.
func (r *Ring) Dequeue() (frame []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.frames) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.frames) == 0 {
		return nil, false
	}
	frame = r.frames[0]
	r.frames = r.frames[1:]
	return frame, true
}

// Len reports the number of frames currently queued.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Close wakes any blocked Dequeue callers; already-queued frames may
// still be drained after Close.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}
