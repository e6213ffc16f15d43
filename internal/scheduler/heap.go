// Package scheduler fires keyed deadlines from a single goroutine.
//
// Deadlines sit in a min-heap ordered by due time. The goroutine peeks at the
// root, sleeps until it is due, then pops it and calls the fire callback. A
// one-slot notify channel wakes the goroutine early when a sooner deadline is
// added. Peek is O(1); insert and cancel are O(log N).
package scheduler

import "container/heap"

// deadline is one entry in the heap.
type deadline struct {
	key  string // command id; at most one pending deadline per key
	kind string // what the deadline is for, e.g. "ack_timeout"
	due  int64  // UTC milliseconds; heap order

	// idx is the current position in the heap slice, kept by Swap so Cancel
	// can heap.Remove directly.
	idx int

	cancelled bool
}

// deadlineHeap satisfies heap.Interface with the earliest due at index 0.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].due < h[j].due
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.idx = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.idx = -1
	*h = old[:n-1]
	return d
}

func (h *deadlineHeap) remove(idx int) *deadline {
	return heap.Remove(h, idx).(*deadline)
}
