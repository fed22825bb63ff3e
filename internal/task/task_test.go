package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/nodes"
)

func TestMakeID(t *testing.T) {
	assert.Equal(t, "task_data.hcl::task_a", MakeID("task_data.hcl", "task_a", ""))
	assert.Equal(t, "task_data.hcl::task_a[one]", MakeID("task_data.hcl", "task_a", "one"))
}

func TestTreeFlattenDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := nodes.NewPathNode(dir, "a.txt")
	b := nodes.NewPathNode(dir, "b.txt")
	c := nodes.NewPathNode(dir, "c.txt")

	seq := Tree{Shape: ShapeSeq, Items: []nodes.Node{c, a, b}}
	assert.Equal(t, []nodes.Node{c, a, b}, seq.Flatten())

	m := Tree{Shape: ShapeMap, Entries: map[string]nodes.Node{"z": c, "a": a, "m": b}}
	assert.Equal(t, []nodes.Node{a, b, c}, m.Flatten())

	single := Tree{Shape: ShapeSingle, Node: a}
	assert.Equal(t, []nodes.Node{a}, single.Flatten())

	assert.Nil(t, Tree{}.Flatten())
}

func TestTreeLookup(t *testing.T) {
	dir := t.TempDir()
	a := nodes.NewPathNode(dir, "a.txt")
	b := nodes.NewPathNode(dir, "b.txt")

	seq := Tree{Shape: ShapeSeq, Items: []nodes.Node{a, b}}
	got, ok := seq.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, b, got)
	_, ok = seq.Lookup("7")
	assert.False(t, ok)

	m := Tree{Shape: ShapeMap, Entries: map[string]nodes.Node{"plot": a}}
	got, ok = m.Lookup("plot")
	require.True(t, ok)
	assert.Equal(t, a, got)

	single := Tree{Shape: ShapeSingle, Node: a}
	got, ok = single.Lookup("")
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestHashSensitivity(t *testing.T) {
	base := func() *Task {
		return &Task{
			ID:     "task_x.hcl::task_x",
			Runner: "build",
			Source: []byte(`task "task_x" { runner = "build" }`),
			Params: map[string]cty.Value{"seed": cty.NumberIntVal(1)},
		}
	}

	h0 := base().Hash(nil)
	assert.Equal(t, h0, base().Hash(nil), "hash must be stable")

	edited := base()
	edited.Source = []byte(`task "task_x" { runner = "build" } # edited`)
	assert.NotEqual(t, h0, edited.Hash(nil), "source edits must change the hash")

	reparam := base()
	reparam.Params["seed"] = cty.NumberIntVal(2)
	assert.NotEqual(t, h0, reparam.Hash(nil), "param changes must change the hash")

	marked := base()
	assert.NotEqual(t, h0, marked.Hash([]marks.Mark{marks.New(marks.Persist, nil, nil)}),
		"attached marks must change the hash")
}

func TestSentinelSignals(t *testing.T) {
	var skip *SkipSignal
	require.ErrorAs(t, Skip("not today"), &skip)
	assert.Equal(t, "not today", skip.Reason)

	var persist *PersistSignal
	require.ErrorAs(t, Persist(), &persist)

	var exit *ExitSignal
	require.ErrorAs(t, Exit("fatal"), &exit)
	assert.Contains(t, exit.Error(), "fatal")

	assert.False(t, errors.As(Skip(""), &persist))
}
