package collect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/report"
	"github.com/augustebaum/pytask/internal/task"
)

func newTestCollector(t *testing.T, root string, opts Options) (*Collector, *marks.Table) {
	t.Helper()
	bus := hookbus.New()
	hookbus.AddCoreSpecs(bus)
	require.NoError(t, RegisterDefaults(bus, 0))
	table := marks.NewTable()
	opts.Roots = []string{root}
	return New(bus, table, opts), table
}

func writeTaskFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCollectSimpleTask(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_data.hcl", `
task "task_a" {
  runner     = "build"
  depends_on = "raw.csv"
  produces   = { out = "out/a.txt" }
}
`)

	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)

	tk := res.Tasks[0]
	assert.Equal(t, "task_data.hcl::task_a", tk.ID)
	assert.Equal(t, "build", tk.Runner)
	assert.NotEmpty(t, tk.Source)

	require.Equal(t, task.ShapeSingle, tk.DependsOn.Shape)
	dep := tk.DependsOn.Node.(*nodes.PathNode)
	assert.Equal(t, filepath.Join(root, "raw.csv"), dep.Path)

	require.Equal(t, task.ShapeMap, tk.Produces.Shape)
	prod := tk.Produces.Entries["out"].(*nodes.PathNode)
	assert.Equal(t, filepath.Join(root, "out", "a.txt"), prod.Path)

	require.Len(t, res.Reports, 1)
	assert.Equal(t, report.Success, res.Reports[0].Outcome)
}

func TestCollectRunnerDefaultsToName(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_x.hcl", `
task "task_build" {}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "task_build", res.Tasks[0].Runner)
}

func TestCollectNamePatternAndTaskMark(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_x.hcl", `
task "task_included" {
  runner = "r"
}

task "helper" {
  runner = "r"
}

task "opted_in" {
  runner = "r"
  mark "task" {}
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, tk := range res.Tasks {
		ids = append(ids, tk.ID)
	}
	assert.ElementsMatch(t, []string{"task_x.hcl::task_included", "task_x.hcl::opted_in"}, ids)
}

func TestParametrizeExplicitIDs(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_p.hcl", `
task "task_x" {
  runner   = "r"
  produces = "out/plot_${param.seed}.png"
  parametrize {
    argnames  = ["seed"]
    argvalues = [1, 2, 3]
    ids       = ["one", "two", "three"]
  }
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 3)

	assert.Equal(t, "task_p.hcl::task_x[one]", res.Tasks[0].ID)
	assert.Equal(t, "task_p.hcl::task_x[two]", res.Tasks[1].ID)
	assert.Equal(t, "task_p.hcl::task_x[three]", res.Tasks[2].ID)

	// Params interpolate into produces per expansion.
	prod := res.Tasks[1].Produces.Node.(*nodes.PathNode)
	assert.Equal(t, filepath.Join(root, "out", "plot_2.png"), prod.Path)

	seed, ok := res.Tasks[2].Params["seed"]
	require.True(t, ok)
	assert.True(t, seed.RawEquals(cty.NumberIntVal(3)))
}

func TestParametrizeAutoIDs(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_p.hcl", `
task "task_x" {
  runner = "r"
  parametrize {
    argnames  = ["n", "label"]
    argvalues = [[1, "a"], [2, "b"]]
  }
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "task_p.hcl::task_x[1-a]", res.Tasks[0].ID)
	assert.Equal(t, "task_p.hcl::task_x[2-b]", res.Tasks[1].ID)
}

func TestParametrizeNonScalarAutoID(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_p.hcl", `
task "task_x" {
  runner = "r"
  parametrize {
    argnames  = ["cfg"]
    argvalues = [[{ a = 1 }], [{ a = 2 }]]
  }
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "task_p.hcl::task_x[cfg0]", res.Tasks[0].ID)
	assert.Equal(t, "task_p.hcl::task_x[cfg1]", res.Tasks[1].ID)
}

func TestParametrizeCartesianProduct(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_p.hcl", `
task "task_x" {
  runner = "r"
  parametrize {
    argnames  = ["a"]
    argvalues = [1, 2]
  }
  parametrize {
    argnames  = ["b"]
    argvalues = ["x", "y"]
  }
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 4)
	assert.Equal(t, "task_p.hcl::task_x[1-x]", res.Tasks[0].ID)
	assert.Equal(t, "task_p.hcl::task_x[2-y]", res.Tasks[3].ID)
}

func TestParametrizeIDCountMismatchFailsItemOnly(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_p.hcl", `
task "task_bad" {
  runner = "r"
  parametrize {
    argnames  = ["n"]
    argvalues = [1, 2, 3]
    ids       = ["only-one"]
  }
}

task "task_good" {
  runner = "r"
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err, "an id mismatch is a per-task failure, not fatal")

	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "task_p.hcl::task_good", res.Tasks[0].ID)
	assert.True(t, res.Failed())
}

func TestDuplicateTaskIDsAreFatal(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_a.hcl", `
task "task_x" {
  runner = "r"
}
`)
	writeTaskFile(t, root, "sub/task_a.hcl", `
task "task_x" {
  runner = "r"
}
`)
	// Same relative name in two roots collides.
	bus := hookbus.New()
	hookbus.AddCoreSpecs(bus)
	require.NoError(t, RegisterDefaults(bus, 0))
	c := New(bus, marks.NewTable(), Options{Roots: []string{root, filepath.Join(root, "sub")}})

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	var colErr *pytaskerr.CollectionError
	assert.ErrorAs(t, err, &colErr)
}

func TestStrictMarkersRejectUnknownMark(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_m.hcl", `
task "task_x" {
  runner = "r"
  mark "experimental" {}
}
`)
	c, _ := newTestCollector(t, root, Options{StrictMarkers: true})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
	assert.True(t, res.Failed())

	c2, _ := newTestCollector(t, root, Options{StrictMarkers: true, MarkersWhitelist: []string{"experimental"}})
	res, err = c2.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 1)
}

func TestMarksLandInTable(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_m.hcl", `
task "task_x" {
  runner = "r"
  mark "skip_if" {
    args   = [true]
    kwargs = { reason = "disabled" }
  }
  mark "try_first" {}
}
`)
	c, table := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)

	id := res.Tasks[0].ID
	require.True(t, table.Has(id, marks.SkipIf))
	skipIf := table.Get(id, marks.SkipIf)[0]
	assert.True(t, skipIf.Arg(0).True())
	assert.Equal(t, "disabled", skipIf.Kwarg("reason").AsString())
	assert.True(t, res.Tasks[0].TryFirst, "try_first mark sets the ordering hint")
}

func TestUnresolvableDescriptorFailsItem(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_n.hcl", `
task "task_x" {
  runner     = "r"
  depends_on = "whatever"
}
`)
	// Only the file parser is registered: the file parses, but no
	// collect_node listener resolves the descriptor.
	bus := hookbus.New()
	hookbus.AddCoreSpecs(bus)
	require.NoError(t, bus.Register(hookbus.HookCollectFile, "core:hcl", func(_ context.Context, args hookbus.Args) (any, error) {
		path, _ := args["path"].(string)
		return parseTaskFile(path)
	}))
	c := New(bus, marks.NewTable(), Options{Roots: []string{root}})

	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.Len(t, res.Reports, 1)
	var nnc *pytaskerr.NodeNotCollectedError
	assert.ErrorAs(t, res.Reports[0].Err, &nnc)
}

func TestCustomCollectNodeListenerWins(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_n.hcl", `
task "task_x" {
  runner     = "r"
  depends_on = "special://thing"
}
`)
	bus := hookbus.New()
	hookbus.AddCoreSpecs(bus)
	require.NoError(t, RegisterDefaults(bus, 0))

	custom := nodes.NewValueNode("ext", "thing", cty.StringVal("payload"))
	require.NoError(t, bus.Register(hookbus.HookCollectNode, "ext", func(_ context.Context, args hookbus.Args) (any, error) {
		d := args["descriptor"].(cty.Value)
		if d.Type().Equals(cty.String) && d.AsString() == "special://thing" {
			return custom, nil
		}
		return nil, nil
	}, hookbus.TryFirst()))

	c := New(bus, marks.NewTable(), Options{Roots: []string{root}})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Same(t, custom, res.Tasks[0].DependsOn.Node.(*nodes.ValueNode))
}

func TestUnknownRunnerFailsWhenValidated(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_r.hcl", `
task "task_x" {
  runner = "ghost"
}
`)
	c, _ := newTestCollector(t, root, Options{
		KnownRunner: func(name string) bool { return name == "real" },
	})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
	assert.True(t, res.Failed())
}

func TestSequenceDescriptors(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_s.hcl", `
task "task_x" {
  runner     = "r"
  depends_on = ["a.txt", "b.txt"]
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	tree := res.Tasks[0].DependsOn
	require.Equal(t, task.ShapeSeq, tree.Shape)
	require.Len(t, tree.Items, 2)
}

func TestValueDescriptorBecomesValueNode(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, root, "task_v.hcl", `
task "task_x" {
  runner     = "r"
  depends_on = { cfg = 42 }
}
`)
	c, _ := newTestCollector(t, root, Options{})
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	n := res.Tasks[0].DependsOn.Entries["cfg"]
	vn, ok := n.(*nodes.ValueNode)
	require.True(t, ok)
	assert.True(t, vn.Exists())
}
