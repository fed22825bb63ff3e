// Package runner holds the registry binding task declarations to Go
// functions. Task files name a runner; the registry resolves that name to
// the function the execution engine invokes.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/task"
)

// Call carries everything a runner sees about the task it executes.
type Call struct {
	TaskID   string
	Deps     task.Tree
	Products task.Tree
	Params   map[string]cty.Value
}

// Dep looks up a dependency node by key.
func (c *Call) Dep(key string) (nodes.Node, bool) { return c.Deps.Lookup(key) }

// Product looks up a product node by key.
func (c *Call) Product(key string) (nodes.Node, bool) { return c.Products.Lookup(key) }

// DepPath returns the filesystem path of a path-backed dependency.
func (c *Call) DepPath(key string) (string, error) { return pathOf(c.Deps, key, "dependency") }

// ProductPath returns the filesystem path of a path-backed product.
func (c *Call) ProductPath(key string) (string, error) { return pathOf(c.Products, key, "product") }

func pathOf(t task.Tree, key, role string) (string, error) {
	n, ok := t.Lookup(key)
	if !ok {
		return "", fmt.Errorf("no %s under key %q", role, key)
	}
	pn, ok := n.(*nodes.PathNode)
	if !ok {
		return "", fmt.Errorf("%s %q is not a path node", role, key)
	}
	return pn.Path, nil
}

// Param returns the named parametrize value or params block attribute, or
// cty.NilVal when absent.
func (c *Call) Param(name string) cty.Value {
	v, ok := c.Params[name]
	if !ok {
		return cty.NilVal
	}
	return v
}

// DecodeParams converts the params into a struct whose fields carry
// `cty:"name"` tags.
func (c *Call) DecodeParams(out any) error {
	if len(c.Params) == 0 {
		return nil
	}
	obj := cty.ObjectVal(c.Params)
	if err := gocty.FromCtyValue(obj, out); err != nil {
		return fmt.Errorf("decoding params of %s: %w", c.TaskID, err)
	}
	return nil
}

// RunFunc is the signature of a registered runner.
type RunFunc func(ctx context.Context, call *Call) error

// Module registers a group of runners. Built-in runner sets implement it.
type Module interface {
	Register(r *Registry)
}

// Registry maps runner names to functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]RunFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{fns: make(map[string]RunFunc)}
}

// Register binds a name to a runner function. Registering the same name
// twice panics: duplicate registrations are programming errors.
func (r *Registry) Register(name string, fn RunFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		panic(fmt.Sprintf("runner %q already registered", name))
	}
	slog.Debug("Registering runner.", "name", name)
	r.fns[name] = fn
}

// Lookup resolves a runner name.
func (r *Registry) Lookup(name string) (RunFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names lists the registered runner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
