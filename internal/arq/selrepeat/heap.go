package selrepeat

import "github.com/francotosoni/tp-redes-file-transfer/internal/frame"

// reorderHeap is a min-heap keyed on Frame.Pos, holding data frames that
// arrived ahead of the receiver's contiguous delivery frontier. It's only
// ever pushed to and popped from the minimum, never updated in place, so
// no index bookkeeping is needed.
type reorderHeap []frame.Frame

func (h reorderHeap) Len() int            { return len(h) }
func (h reorderHeap) Less(i, j int) bool  { return h[i].Pos < h[j].Pos }
func (h reorderHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reorderHeap) Push(x interface{}) { *h = append(*h, x.(frame.Frame)) }

func (h *reorderHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// contains reports whether pos is already buffered, so a retransmit racing
// in behind a lost ACK doesn't get queued twice.
func (h reorderHeap) contains(pos uint32) bool {
	for _, f := range h {
		if f.Pos == pos {
			return true
		}
	}
	return false
}
