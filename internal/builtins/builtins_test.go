package builtins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/runner"
	"github.com/augustebaum/pytask/internal/task"
)

func singleProduct(dir, name string) task.Tree {
	return task.Tree{Shape: task.ShapeSingle, Node: nodes.NewPathNode(dir, name)}
}

func TestCoreRegistersRunners(t *testing.T) {
	reg := runner.New()
	Core.Register(reg)
	assert.Equal(t, []string{"copy_file", "shell", "write_file"}, reg.Names())
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	reg := runner.New()
	Core.Register(reg)
	fn, _ := reg.Lookup("write_file")

	call := &runner.Call{
		TaskID:   "t",
		Products: singleProduct(dir, "out/greeting.txt"),
		Params:   map[string]cty.Value{"content": cty.StringVal("hello")},
	}
	require.NoError(t, fn(context.Background(), call))

	raw, err := os.ReadFile(filepath.Join(dir, "out", "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))

	missing := &runner.Call{TaskID: "t", Products: singleProduct(dir, "x.txt")}
	assert.Error(t, fn(context.Background(), missing), "content param is required")
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	reg := runner.New()
	Core.Register(reg)
	fn, _ := reg.Lookup("copy_file")

	call := &runner.Call{
		TaskID:   "t",
		Deps:     task.Tree{Shape: task.ShapeSingle, Node: nodes.NewPathNode(dir, "src.txt")},
		Products: singleProduct(dir, "nested/dst.txt"),
	}
	require.NoError(t, fn(context.Background(), call))

	raw, err := os.ReadFile(filepath.Join(dir, "nested", "dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(raw))
}

func TestShell(t *testing.T) {
	dir := t.TempDir()
	reg := runner.New()
	Core.Register(reg)
	fn, _ := reg.Lookup("shell")

	out := filepath.Join(dir, "deep", "result.txt")
	call := &runner.Call{
		TaskID:   "t",
		Products: singleProduct(dir, "deep/result.txt"),
		Params:   map[string]cty.Value{"cmd": cty.StringVal("printf ok > " + out)},
	}
	require.NoError(t, fn(context.Background(), call))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(raw))

	failing := &runner.Call{
		TaskID: "t2",
		Params: map[string]cty.Value{"cmd": cty.StringVal("exit 3")},
	}
	assert.Error(t, fn(context.Background(), failing))

	noCmd := &runner.Call{TaskID: "t3"}
	assert.Error(t, fn(context.Background(), noCmd))
}
