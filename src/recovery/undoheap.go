package recovery

import (
	"container/heap"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// UndoHeap is a max-heap of *Transaction keyed by UndoNextLSN,
// providing strictly reverse-chronological undo across transactions.
// Transaction table and heap reference the same Transaction entities:
// the heap stores pointers into the TransactionTable's arena, never
// copies.
type UndoHeap struct {
	h maxHeap
}

func NewUndoHeap() *UndoHeap {
	return &UndoHeap{}
}

func (u *UndoHeap) Len() int {
	return len(u.h)
}

func (u *UndoHeap) Push(t *Transaction) {
	heap.Push(&u.h, t)
}

// Top returns the transaction with the greatest UndoNextLSN without
// removing it.
func (u *UndoHeap) Top() *Transaction {
	return u.h[0]
}

// Second returns the transaction with the second-greatest
// UndoNextLSN, used by the reverse-undo loop to compute the floor LSN
// the top transaction rolls back to. Len() must be >= 2.
func (u *UndoHeap) Second() *Transaction {
	if len(u.h) == 2 {
		return u.h[1]
	}

	// the second-largest element of a binary max-heap of size >= 3 is
	// always one of the root's two children.
	if u.h[1].UndoNextLSN >= u.h[2].UndoNextLSN {
		return u.h[1]
	}

	return u.h[2]
}

// Pop removes and returns the transaction with the greatest
// UndoNextLSN.
func (u *UndoHeap) Pop() *Transaction {
	return heap.Pop(&u.h).(*Transaction)
}

// Fix re-establishes heap order after the top's UndoNextLSN changed in
// place (reverse-undo mutates it while the entry stays in the heap).
func (u *UndoHeap) Fix(i int) {
	heap.Fix(&u.h, i)
}

// Heapify builds heap order over entries appended directly via
// PushRaw during Analysis's sweep, avoiding O(n log n) individual
// pushes.
func (u *UndoHeap) Heapify() {
	heap.Init(&u.h)
}

// PushRaw appends without maintaining heap order; call Heapify once
// all entries are appended.
func (u *UndoHeap) PushRaw(t *Transaction) {
	u.h = append(u.h, t)
}

// Drain removes and returns every remaining transaction in
// unspecified order, for Undo's final full-abort sweep.
func (u *UndoHeap) Drain() []*Transaction {
	out := make([]*Transaction, len(u.h))
	copy(out, u.h)
	u.h = nil

	return out
}

type maxHeap []*Transaction

func (h maxHeap) Len() int { return len(h) }

func (h maxHeap) Less(i, j int) bool {
	// NIL_LSN sorts lowest: a transaction whose undo chain is
	// exhausted has nothing left to contribute and belongs at the
	// bottom of the heap.
	li, lj := h[i].UndoNextLSN, h[j].UndoNextLSN
	if li == common.NIL_LSN {
		return false
	}

	if lj == common.NIL_LSN {
		return true
	}

	return li > lj
}

func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x any) {
	*h = append(*h, x.(*Transaction))
}

func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return t
}
