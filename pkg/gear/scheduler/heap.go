package scheduler

import "container/heap"

// taskHeap is a min-heap over (Block, Sequence), giving deterministic
// ordering among tasks that land on the same block.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Block != h[j].Block {
		return h[i].Block < h[j].Block
	}
	return h[i].Sequence < h[j].Sequence
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	t := x.(*Task)
	t.index = n
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]
	return t
}

func (h *taskHeap) remove(t *Task) {
	if t.index >= 0 && t.index < h.Len() {
		heap.Remove(h, t.index)
	}
}
