package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/task"
)

func TestRegistry(t *testing.T) {
	r := New()
	r.Register("build", func(context.Context, *Call) error { return nil })
	r.Register("render", func(context.Context, *Call) error { return nil })

	_, ok := r.Lookup("build")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"build", "render"}, r.Names())

	assert.Panics(t, func() {
		r.Register("build", func(context.Context, *Call) error { return nil })
	})
}

func TestCallPathHelpers(t *testing.T) {
	dir := t.TempDir()
	call := &Call{
		TaskID: "t",
		Deps: task.Tree{
			Shape:   task.ShapeMap,
			Entries: map[string]nodes.Node{"raw": nodes.NewPathNode(dir, "raw.csv")},
		},
		Products: task.Tree{
			Shape: task.ShapeSingle,
			Node:  nodes.NewPathNode(dir, "out.csv"),
		},
	}

	p, err := call.DepPath("raw")
	require.NoError(t, err)
	assert.Contains(t, p, "raw.csv")

	p, err = call.ProductPath("")
	require.NoError(t, err)
	assert.Contains(t, p, "out.csv")

	_, err = call.DepPath("nope")
	assert.Error(t, err)

	vcall := &Call{
		TaskID: "t",
		Deps: task.Tree{
			Shape:   task.ShapeMap,
			Entries: map[string]nodes.Node{"cfg": nodes.NewValueNode("t", "cfg", cty.True)},
		},
	}
	_, err = vcall.DepPath("cfg")
	assert.Error(t, err, "value nodes have no path")
}

func TestDecodeParams(t *testing.T) {
	call := &Call{
		TaskID: "t",
		Params: map[string]cty.Value{
			"seed":  cty.NumberIntVal(7),
			"label": cty.StringVal("alpha"),
		},
	}

	var got struct {
		Seed  int    `cty:"seed"`
		Label string `cty:"label"`
	}
	require.NoError(t, call.DecodeParams(&got))
	assert.Equal(t, 7, got.Seed)
	assert.Equal(t, "alpha", got.Label)

	empty := &Call{TaskID: "t"}
	require.NoError(t, empty.DecodeParams(&got), "no params is a no-op")
}
