// Package builtins ships the runners available out of the box, so task
// files work without a custom binary: a shell runner plus small file
// helpers.
package builtins

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/ctxlog"
	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/runner"
)

// Core is the default runner module.
var Core runner.Module = coreModule{}

type coreModule struct{}

func (coreModule) Register(r *runner.Registry) {
	r.Register("shell", runShell)
	r.Register("copy_file", runCopyFile)
	r.Register("write_file", runWriteFile)
}

// runShell executes the `cmd` param through the shell with the product
// directories pre-created. Output is captured and logged line by line.
func runShell(ctx context.Context, call *runner.Call) error {
	cmdVal := call.Param("cmd")
	if cmdVal == cty.NilVal || cmdVal.IsNull() || !cmdVal.Type().Equals(cty.String) {
		return fmt.Errorf("shell runner needs a cmd param")
	}

	if err := ensureProductDirs(call); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdVal.AsString())
	out, err := cmd.CombinedOutput()
	logger := ctxlog.FromContext(ctx).With("task", call.TaskID)
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			logger.Info(line)
		}
	}
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// runCopyFile copies the single dependency to the single product.
func runCopyFile(_ context.Context, call *runner.Call) error {
	src, err := call.DepPath("")
	if err != nil {
		return err
	}
	dst, err := call.ProductPath("")
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o644)
}

// runWriteFile writes the content param to the single product.
func runWriteFile(_ context.Context, call *runner.Call) error {
	content := call.Param("content")
	if content == cty.NilVal || content.IsNull() || !content.Type().Equals(cty.String) {
		return fmt.Errorf("write_file runner needs a content param")
	}
	dst, err := call.ProductPath("")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(content.AsString()), 0o644)
}

func ensureProductDirs(call *runner.Call) error {
	for _, n := range call.Products.Flatten() {
		pn, ok := n.(*nodes.PathNode)
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(pn.Path), 0o755); err != nil {
			return err
		}
	}
	return nil
}
