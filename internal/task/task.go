// Package task defines the unit of work the runner schedules: a declared
// binding of a runner function to dependency and product nodes.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/nodes"
)

// Shape records how a depends_on or produces declaration was written, so
// runners see the structure the user declared.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeSingle
	ShapeSeq
	ShapeMap
)

// Tree is a shape-preserving set of nodes: a single descriptor, a sequence,
// or a mapping.
type Tree struct {
	Shape   Shape
	Node    nodes.Node
	Items   []nodes.Node
	Entries map[string]nodes.Node
}

// Flatten returns the tree's nodes in a deterministic order: the single
// node, sequence order, or map entries sorted by key.
func (t Tree) Flatten() []nodes.Node {
	switch t.Shape {
	case ShapeSingle:
		return []nodes.Node{t.Node}
	case ShapeSeq:
		out := make([]nodes.Node, len(t.Items))
		copy(out, t.Items)
		return out
	case ShapeMap:
		keys := make([]string, 0, len(t.Entries))
		for k := range t.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]nodes.Node, 0, len(keys))
		for _, k := range keys {
			out = append(out, t.Entries[k])
		}
		return out
	}
	return nil
}

// Lookup finds a node by key. The single shape answers to the empty key,
// sequences to decimal indexes, mappings to their keys.
func (t Tree) Lookup(key string) (nodes.Node, bool) {
	switch t.Shape {
	case ShapeSingle:
		if key == "" || key == "0" {
			return t.Node, true
		}
	case ShapeSeq:
		var i int
		if _, err := fmt.Sscanf(key, "%d", &i); err == nil && i >= 0 && i < len(t.Items) {
			return t.Items[i], true
		}
	case ShapeMap:
		n, ok := t.Entries[key]
		return n, ok
	}
	return nil, false
}

// Task is a declared unit of work. Tasks are created during collection,
// wired up by the resolver, and read-only during execution.
type Task struct {
	// ID is the globally unique identifier: <rel-file>::<name>[<param-id>].
	ID string
	// Name is the declaration label without any parametrize suffix.
	Name string
	// File is the absolute path of the declaring task file.
	File string
	// Runner names the registered function this task invokes.
	Runner string

	DependsOn Tree
	Produces  Tree

	// Params holds this expansion's parametrize values by argument name,
	// together with the evaluated attributes of the task's params block.
	Params map[string]cty.Value

	TryFirst bool
	TryLast  bool

	// Source is the declaration block's source bytes, hashed into the task
	// hash so edits to the declaration invalidate stored state.
	Source []byte
}

// MakeID builds a task identifier from its parts. The suffix is empty for
// unparametrized tasks.
func MakeID(relFile, name, suffix string) string {
	id := relFile + "::" + name
	if suffix != "" {
		id += "[" + suffix + "]"
	}
	return id
}

// Hash computes the task modification hash: a canonical digest over the
// runner name, declaration source, attached marks and parametrize values.
// Fields are length-prefixed so adjacent fields cannot alias.
func (t *Task) Hash(attached []marks.Mark) string {
	h := sha256.New()
	writeField := func(data []byte) {
		var lp [8]byte
		n := uint64(len(data))
		for i := 0; i < 8; i++ {
			lp[i] = byte(n >> (56 - 8*i))
		}
		h.Write(lp[:])
		h.Write(data)
	}

	writeField([]byte(t.Runner))
	writeField(t.Source)

	markKeys := make([]string, 0, len(attached))
	rendered := make(map[string]string, len(attached))
	for i, m := range attached {
		key := fmt.Sprintf("%s#%d", m.Name, i)
		markKeys = append(markKeys, key)
		rendered[key] = m.String()
	}
	sort.Strings(markKeys)
	for _, k := range markKeys {
		writeField([]byte(k))
		writeField([]byte(rendered[k]))
	}

	paramKeys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		paramKeys = append(paramKeys, k)
	}
	sort.Strings(paramKeys)
	for _, k := range paramKeys {
		writeField([]byte(k))
		v := t.Params[k]
		if buf, err := ctyjson.Marshal(v, v.Type()); err == nil {
			writeField(buf)
		} else {
			writeField([]byte(v.GoString()))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
