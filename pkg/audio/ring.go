package audio

import "sync"

// Ring is a fixed-capacity FIFO of frames used to absorb network jitter
// between the browser and the provider channel. When full, pushing a new
// frame evicts the oldest one — late audio is worth less than fresh audio —
// and the eviction is counted.
//
// All methods are safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	frames  []Frame
	head    int
	size    int
	dropped uint64
}

// NewRing creates a ring holding at most capacity frames. Capacity must be
// at least 1; use [RingFrames] for the standard 200 ms of buffering.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{frames: make([]Frame, capacity)}
}

// Push appends a frame. If the ring is full the oldest frame is evicted and
// evicted=true is returned.
func (r *Ring) Push(f Frame) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.frames) {
		// Overwrite the oldest slot and advance head.
		r.frames[r.head] = f
		r.head = (r.head + 1) % len(r.frames)
		r.dropped++
		return true
	}
	r.frames[(r.head+r.size)%len(r.frames)] = f
	r.size++
	return false
}

// Pop removes and returns the oldest frame. ok is false when the ring is
// empty.
func (r *Ring) Pop() (f Frame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return Frame{}, false
	}
	f = r.frames[r.head]
	r.frames[r.head] = Frame{} // release payload for GC
	r.head = (r.head + 1) % len(r.frames)
	r.size--
	return f, true
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the total number of frames evicted since creation.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Drain removes and returns all buffered frames in arrival order.
func (r *Ring) Drain() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Frame, 0, r.size)
	for r.size > 0 {
		out = append(out, r.frames[r.head])
		r.frames[r.head] = Frame{}
		r.head = (r.head + 1) % len(r.frames)
		r.size--
	}
	return out
}
