package pubqueue

import (
	"container/heap"
	"sync"
)

// completion is a finished publish attempt awaiting its turn to be
// acknowledged in commit order.
type completion struct {
	seq int64 // submission order, used as the min-heap key
	run func()
}

// readyHeap is a thread-safe min-heap of completions ordered by seq, so
// out-of-order publish completions can be replayed in submission order.
type readyHeap struct {
	mu      sync.Mutex
	entries []*completion
}

func newReadyHeap() *readyHeap {
	return &readyHeap{}
}

func (h *readyHeap) Len() int            { return len(h.entries) }
func (h *readyHeap) Less(i, j int) bool  { return h.entries[i].seq < h.entries[j].seq }
func (h *readyHeap) Swap(i, j int)       { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *readyHeap) Push(x interface{})  { h.entries = append(h.entries, x.(*completion)) }
func (h *readyHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	return e
}

// Add inserts a completed entry (thread-safe).
func (h *readyHeap) Add(c *completion) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heap.Push(h, c)
}

// PeekSeq returns the lowest seq currently queued, and whether the heap is
// non-empty.
func (h *readyHeap) PeekSeq() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return 0, false
	}
	return h.entries[0].seq, true
}

// PopIfSeq removes and returns the lowest entry only if its seq equals
// want; this is how the pipelined queue drains completions strictly in
// commit order even though they finish out of order.
func (h *readyHeap) PopIfSeq(want int64) (*completion, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 || h.entries[0].seq != want {
		return nil, false
	}
	return heap.Pop(h).(*completion), true
}
