// Package marks implements declarative task metadata. A mark is a
// (name, args, kwargs) record; marks are passive until a hook listener
// interprets them during collection or execution.
//
// Marks live in a sidecar table keyed by task id rather than on the task
// values themselves, so extensions can attach or strip metadata without
// touching task objects.
package marks

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zclconf/go-cty/cty"
)

// Reserved mark names interpreted by the core.
const (
	DependsOn          = "depends_on"
	Produces           = "produces"
	Parametrize        = "parametrize"
	Task               = "task"
	Skip               = "skip"
	SkipIf             = "skip_if"
	SkipUnchanged      = "skip_unchanged"
	SkipAncestorFailed = "skip_ancestor_failed"
	Persist            = "persist"
	TryFirst           = "try_first"
	TryLast            = "try_last"
)

// Reserved returns the reserved mark names in a stable order.
func Reserved() []string {
	return []string{
		DependsOn, Produces, Parametrize, Task, Skip, SkipIf,
		SkipUnchanged, SkipAncestorFailed, Persist, TryFirst, TryLast,
	}
}

// IsReserved reports whether name is one of the reserved mark names.
func IsReserved(name string) bool {
	for _, r := range Reserved() {
		if r == name {
			return true
		}
	}
	return false
}

// Mark is one piece of declarative metadata attached to a task.
type Mark struct {
	Name   string
	Args   []cty.Value
	Kwargs map[string]cty.Value
}

// New builds a mark from positional and keyword arguments.
func New(name string, args []cty.Value, kwargs map[string]cty.Value) Mark {
	return Mark{Name: name, Args: args, Kwargs: kwargs}
}

// Arg returns the i-th positional argument, or cty.NilVal when absent.
func (m Mark) Arg(i int) cty.Value {
	if i < 0 || i >= len(m.Args) {
		return cty.NilVal
	}
	return m.Args[i]
}

// Kwarg returns the named keyword argument, or cty.NilVal when absent.
func (m Mark) Kwarg(name string) cty.Value {
	v, ok := m.Kwargs[name]
	if !ok {
		return cty.NilVal
	}
	return v
}

// BoolArg interprets the first positional argument (or the named kwarg as a
// fallback) as a boolean toggle; marks without arguments default to true.
func (m Mark) BoolArg(kwarg string) bool {
	v := m.Arg(0)
	if v == cty.NilVal {
		v = m.Kwarg(kwarg)
	}
	if v == cty.NilVal || v.IsNull() || !v.Type().Equals(cty.Bool) {
		return true
	}
	return v.True()
}

// String renders the mark deterministically; kwargs print in sorted key
// order so the rendering is usable as hash input.
func (m Mark) String() string {
	var parts []string
	for _, a := range m.Args {
		parts = append(parts, a.GoString())
	}
	keys := make([]string, 0, len(m.Kwargs))
	for k := range m.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, m.Kwargs[k].GoString()))
	}
	return fmt.Sprintf("%s(%s)", m.Name, strings.Join(parts, ", "))
}

// Table is the sidecar mark store. All methods are safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	byOwner map[string][]Mark
}

// NewTable returns an empty mark table.
func NewTable() *Table {
	return &Table{byOwner: make(map[string][]Mark)}
}

// Add appends a mark to the owner's list, preserving attachment order.
func (t *Table) Add(owner string, m Mark) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byOwner[owner] = append(t.byOwner[owner], m)
}

// GetAll returns the owner's marks in attachment order.
func (t *Table) GetAll(owner string) []Mark {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ms := t.byOwner[owner]
	out := make([]Mark, len(ms))
	copy(out, ms)
	return out
}

// Get returns the owner's marks with the given name, in attachment order.
func (t *Table) Get(owner, name string) []Mark {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Mark
	for _, m := range t.byOwner[owner] {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Has reports whether the owner carries a mark with the given name.
func (t *Table) Has(owner, name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.byOwner[owner] {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Remove strips all marks with the given name from the owner and returns
// the removed marks in attachment order.
func (t *Table) Remove(owner, name string) []Mark {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kept, removed []Mark
	for _, m := range t.byOwner[owner] {
		if m.Name == name {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	t.byOwner[owner] = kept
	return removed
}

// Set replaces the owner's marks wholesale.
func (t *Table) Set(owner string, ms []Mark) {
	copied := make([]Mark, len(ms))
	copy(copied, ms)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byOwner[owner] = copied
}

// Rekey moves all marks from one owner id to another.
func (t *Table) Rekey(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ms, ok := t.byOwner[from]; ok {
		delete(t.byOwner, from)
		t.byOwner[to] = ms
	}
}
