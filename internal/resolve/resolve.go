// Package resolve builds the bipartite graph over tasks and nodes,
// validates it, and produces the execution order. The graph is an arena:
// tasks and nodes live in slices and all edges are integer handles into
// them.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/task"
)

// Graph is the resolved bipartite DAG. It is immutable after Build; the
// execution engine reads it concurrently without locking.
type Graph struct {
	Tasks []*task.Task
	Nodes []nodes.Node

	taskIndex map[string]int
	nodeIndex map[string]int

	// Producer maps a node handle to its producing task handle, -1 for
	// pre-existing inputs.
	Producer []int
	// Consumers maps a node handle to the tasks depending on it.
	Consumers [][]int

	// TaskDeps / TaskProds map a task handle to its node handles.
	TaskDeps  [][]int
	TaskProds [][]int

	// Preds / Succs are the task-only projection of the graph.
	Preds [][]int
	Succs [][]int

	// Order is the topological execution order; Waves groups it into sets
	// of tasks whose dependencies are satisfied at the same depth.
	Order []int
	Waves [][]int
}

// TaskHandle returns the handle of a task id.
func (g *Graph) TaskHandle(id string) (int, bool) {
	h, ok := g.taskIndex[id]
	return h, ok
}

// Build constructs and validates the graph, then orders it.
func Build(tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		Tasks:     tasks,
		taskIndex: make(map[string]int, len(tasks)),
		nodeIndex: make(map[string]int),
	}

	for i, t := range tasks {
		if _, dup := g.taskIndex[t.ID]; dup {
			return nil, &pytaskerr.ResolutionError{Msg: fmt.Sprintf("task id %s occurs twice", t.ID)}
		}
		g.taskIndex[t.ID] = i
	}

	g.TaskDeps = make([][]int, len(tasks))
	g.TaskProds = make([][]int, len(tasks))

	intern := func(n nodes.Node) int {
		if h, ok := g.nodeIndex[n.ID()]; ok {
			return h
		}
		h := len(g.Nodes)
		g.Nodes = append(g.Nodes, n)
		g.nodeIndex[n.ID()] = h
		g.Producer = append(g.Producer, -1)
		g.Consumers = append(g.Consumers, nil)
		return h
	}

	for ti, t := range tasks {
		seenDep := make(map[int]bool)
		for _, n := range t.DependsOn.Flatten() {
			h := intern(n)
			if seenDep[h] {
				continue
			}
			seenDep[h] = true
			g.TaskDeps[ti] = append(g.TaskDeps[ti], h)
			g.Consumers[h] = append(g.Consumers[h], ti)
		}
		for _, n := range t.Produces.Flatten() {
			h := intern(n)
			if seenDep[h] {
				return nil, &pytaskerr.ResolutionError{
					Msg: fmt.Sprintf("node %s is both dependency and product of %s", n.ID(), t.ID),
				}
			}
			if prev := g.Producer[h]; prev != -1 {
				return nil, &pytaskerr.ResolutionError{
					Msg: fmt.Sprintf("product %s produced by %s and %s", n.ID(), tasks[prev].ID, t.ID),
				}
			}
			g.Producer[h] = ti
			g.TaskProds[ti] = append(g.TaskProds[ti], h)
		}
	}

	// A dependency node nobody produces must exist on disk already.
	for h, n := range g.Nodes {
		if g.Producer[h] != -1 || len(g.Consumers[h]) == 0 {
			continue
		}
		if !n.Exists() {
			consumers := make([]string, 0, len(g.Consumers[h]))
			for _, ti := range g.Consumers[h] {
				consumers = append(consumers, tasks[ti].ID)
			}
			sort.Strings(consumers)
			return nil, &pytaskerr.ResolutionError{
				Msg: fmt.Sprintf("dependency %s of %s is not produced by any task and does not exist",
					n.ID(), strings.Join(consumers, ", ")),
			}
		}
	}

	g.project()
	if err := g.order(); err != nil {
		return nil, err
	}
	return g, nil
}

// project derives the task-only predecessor/successor lists.
func (g *Graph) project() {
	g.Preds = make([][]int, len(g.Tasks))
	g.Succs = make([][]int, len(g.Tasks))
	for ti := range g.Tasks {
		seen := make(map[int]bool)
		for _, h := range g.TaskDeps[ti] {
			p := g.Producer[h]
			if p == -1 || seen[p] {
				continue
			}
			seen[p] = true
			g.Preds[ti] = append(g.Preds[ti], p)
			g.Succs[p] = append(g.Succs[p], ti)
		}
	}
}

// priorityLess orders equally-ready tasks: try_first before unmarked,
// unmarked before try_last, then lexicographic by id for determinism.
func (g *Graph) priorityLess(a, b int) bool {
	ra, rb := priorityRank(g.Tasks[a]), priorityRank(g.Tasks[b])
	if ra != rb {
		return ra < rb
	}
	return g.Tasks[a].ID < g.Tasks[b].ID
}

func priorityRank(t *task.Task) int {
	switch {
	case t.TryFirst:
		return 0
	case t.TryLast:
		return 2
	}
	return 1
}

// order runs Kahn's algorithm, recording both the flat order and the wave
// structure. A remainder after the queue drains is a cycle.
func (g *Graph) order() error {
	indegree := make([]int, len(g.Tasks))
	for ti := range g.Tasks {
		indegree[ti] = len(g.Preds[ti])
	}

	var wave []int
	for ti := range g.Tasks {
		if indegree[ti] == 0 {
			wave = append(wave, ti)
		}
	}

	processed := 0
	for len(wave) > 0 {
		sort.Slice(wave, func(i, j int) bool { return g.priorityLess(wave[i], wave[j]) })
		g.Waves = append(g.Waves, wave)
		g.Order = append(g.Order, wave...)
		processed += len(wave)

		var next []int
		for _, ti := range wave {
			for _, si := range g.Succs[ti] {
				indegree[si]--
				if indegree[si] == 0 {
					next = append(next, si)
				}
			}
		}
		wave = next
	}

	if processed != len(g.Tasks) {
		var members []string
		for ti, deg := range indegree {
			if deg > 0 {
				members = append(members, g.Tasks[ti].ID)
			}
		}
		sort.Strings(members)
		return &pytaskerr.ResolutionError{
			Msg: "cycle detected involving " + strings.Join(members, ", "),
		}
	}
	return nil
}
