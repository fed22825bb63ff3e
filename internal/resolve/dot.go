package resolve

import (
	"fmt"
	"strings"
)

// Dot renders the bipartite graph as a DOT document: tasks as boxes, nodes
// as ellipses, dependency edges into tasks and product edges out of them.
func (g *Graph) Dot() string {
	var b strings.Builder
	b.WriteString("digraph pytask {\n")
	b.WriteString("  rankdir=LR;\n")

	for _, ti := range g.Order {
		fmt.Fprintf(&b, "  %q [shape=box];\n", g.Tasks[ti].ID)
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "  %q [shape=ellipse];\n", n.ID())
	}
	for ti := range g.Tasks {
		for _, h := range g.TaskDeps[ti] {
			fmt.Fprintf(&b, "  %q -> %q;\n", g.Nodes[h].ID(), g.Tasks[ti].ID)
		}
		for _, h := range g.TaskProds[ti] {
			fmt.Fprintf(&b, "  %q -> %q;\n", g.Tasks[ti].ID, g.Nodes[h].ID())
		}
	}

	b.WriteString("}\n")
	return b.String()
}
