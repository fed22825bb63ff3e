package execute

import (
	"container/heap"

	"github.com/augustebaum/pytask/internal/resolve"
	"github.com/augustebaum/pytask/internal/task"
)

// taskHeap is the ready set: a stable priority heap over task handles
// keyed by (try_first desc, try_last asc, task id).
type taskHeap struct {
	graph   *resolve.Graph
	handles []int
}

func newTaskHeap(g *resolve.Graph) *taskHeap {
	return &taskHeap{graph: g}
}

func (h *taskHeap) Len() int { return len(h.handles) }

func (h *taskHeap) Less(i, j int) bool {
	a, b := h.graph.Tasks[h.handles[i]], h.graph.Tasks[h.handles[j]]
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

func rank(t *task.Task) int {
	switch {
	case t.TryFirst:
		return 0
	case t.TryLast:
		return 2
	}
	return 1
}

func (h *taskHeap) Swap(i, j int) { h.handles[i], h.handles[j] = h.handles[j], h.handles[i] }

func (h *taskHeap) Push(x any) { h.handles = append(h.handles, x.(int)) }

func (h *taskHeap) Pop() any {
	n := len(h.handles)
	x := h.handles[n-1]
	h.handles = h.handles[:n-1]
	return x
}

func (h *taskHeap) push(ti int) { heap.Push(h, ti) }

func (h *taskHeap) pop() int { return heap.Pop(h).(int) }
