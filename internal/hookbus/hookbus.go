// Package hookbus implements the typed hook-dispatch mechanism the
// collection, resolution and execution stages are layered on. A hook is
// declared once with a calling convention; any number of listeners attach
// to it and are invoked in a deterministic order.
package hookbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Convention selects how a hook call aggregates its listeners' results.
type Convention int

const (
	// FirstNonNil calls listeners in order and stops at the first non-nil
	// result. A listener error aborts the call and propagates.
	FirstNonNil Convention = iota
	// CollectAll calls every listener and gathers all results. Listener
	// errors are annotated per result and do not abort the call.
	CollectAll
	// Wrapped behaves like CollectAll for plain listeners, but wrapper
	// listeners bracket the inner chain and may replace its result.
	Wrapped
)

// Spec declares a hook: its name and calling convention.
type Spec struct {
	Name       string
	Convention Convention
}

// Args is the argument record passed to every listener of a call.
type Args map[string]any

// ListenerFunc is a plain hook listener.
type ListenerFunc func(ctx context.Context, args Args) (any, error)

// Next runs the inner chain of a wrapped call and returns its aggregated
// results.
type Next func() ([]Result, error)

// WrapperFunc intercepts a wrapped call. Returning a non-nil value replaces
// the call's primary result. Failing without invoking next aborts the call.
type WrapperFunc func(ctx context.Context, args Args, next Next) (any, error)

// Result is one listener's contribution to a call.
type Result struct {
	Listener string
	Value    any
	Err      error
}

// CallResult aggregates a hook call. Value is the winning result for
// FirstNonNil and Wrapped hooks; Results carries the full ordered list for
// CollectAll and Wrapped hooks.
type CallResult struct {
	Value   any
	Results []Result
}

type registration struct {
	name     string
	fn       ListenerFunc
	wrap     WrapperFunc
	tryFirst bool
	tryLast  bool
	seq      int
}

// Bus is the hook registry and dispatcher. All methods are safe for
// concurrent use, though registration normally happens before a run starts.
type Bus struct {
	mu        sync.RWMutex
	specs     map[string]Spec
	listeners map[string][]*registration
	blocked   map[string]bool
	seq       int
}

// New returns an empty bus with no specs registered.
func New() *Bus {
	return &Bus{
		specs:     make(map[string]Spec),
		listeners: make(map[string][]*registration),
		blocked:   make(map[string]bool),
	}
}

// AddSpec declares a hook. Declaring the same name twice panics, mirroring
// how duplicate runner registrations are handled.
func (b *Bus) AddSpec(spec Spec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.specs[spec.Name]; exists {
		panic(fmt.Sprintf("hook spec %q already declared", spec.Name))
	}
	b.specs[spec.Name] = spec
}

// Option adjusts a registration's position in the call order.
type Option func(*registration)

// TryFirst places the listener before all unmarked listeners.
func TryFirst() Option { return func(r *registration) { r.tryFirst = true } }

// TryLast places the listener after all unmarked listeners.
func TryLast() Option { return func(r *registration) { r.tryLast = true } }

// Register attaches a plain listener to a declared hook.
func (b *Bus) Register(hook, name string, fn ListenerFunc, opts ...Option) error {
	return b.register(hook, &registration{name: name, fn: fn}, opts)
}

// RegisterWrapper attaches a wrapper listener to a Wrapped hook.
func (b *Bus) RegisterWrapper(hook, name string, fn WrapperFunc, opts ...Option) error {
	return b.register(hook, &registration{name: name, wrap: fn}, opts)
}

func (b *Bus) register(hook string, reg *registration, opts []Option) error {
	for _, opt := range opts {
		opt(reg)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.specs[hook]
	if !ok {
		return fmt.Errorf("hook %q is not declared", hook)
	}
	if reg.wrap != nil && spec.Convention != Wrapped {
		return fmt.Errorf("hook %q does not accept wrapper listeners", hook)
	}
	b.seq++
	reg.seq = b.seq
	b.listeners[hook] = append(b.listeners[hook], reg)
	return nil
}

// Unregister removes all listeners registered under the given name and
// reports whether any were removed.
func (b *Bus) Unregister(hook, name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[hook]
	kept := regs[:0]
	removed := false
	for _, r := range regs {
		if r.name == name {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	b.listeners[hook] = kept
	return removed
}

// Block turns calls to the named hook into no-ops until Unblock.
func (b *Bus) Block(hook string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[hook] = true
}

// Unblock re-enables a blocked hook.
func (b *Bus) Unblock(hook string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, hook)
}

// Listeners returns the names of the active listeners of a hook in call
// order, for diagnostics.
func (b *Bus) Listeners(hook string) []string {
	b.mu.RLock()
	ordered := b.ordered(hook)
	b.mu.RUnlock()
	names := make([]string, len(ordered))
	for i, r := range ordered {
		names[i] = r.name
	}
	return names
}

// ordered returns the listeners of a hook in call order: try-first bucket,
// unmarked bucket, try-last bucket, each in registration order. Callers
// must hold at least a read lock.
func (b *Bus) ordered(hook string) []*registration {
	regs := b.listeners[hook]
	ordered := make([]*registration, len(regs))
	copy(ordered, regs)
	bucket := func(r *registration) int {
		switch {
		case r.tryFirst:
			return 0
		case r.tryLast:
			return 2
		}
		return 1
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		bi, bj := bucket(ordered[i]), bucket(ordered[j])
		if bi != bj {
			return bi < bj
		}
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}

// Call dispatches a hook with the given arguments.
func (b *Bus) Call(ctx context.Context, hook string, args Args) (CallResult, error) {
	b.mu.RLock()
	spec, ok := b.specs[hook]
	blocked := b.blocked[hook]
	ordered := b.ordered(hook)
	b.mu.RUnlock()

	if !ok {
		return CallResult{}, fmt.Errorf("hook %q is not declared", hook)
	}
	if blocked {
		return CallResult{}, nil
	}

	switch spec.Convention {
	case FirstNonNil:
		return b.callFirst(ctx, ordered, args)
	case CollectAll:
		return b.callAll(ctx, ordered, args), nil
	default:
		return b.callWrapped(ctx, ordered, args)
	}
}

func (b *Bus) callFirst(ctx context.Context, regs []*registration, args Args) (CallResult, error) {
	for _, r := range regs {
		if r.fn == nil {
			continue
		}
		value, err := r.fn(ctx, args)
		if err != nil {
			return CallResult{}, fmt.Errorf("listener %q: %w", r.name, err)
		}
		if value != nil {
			return CallResult{Value: value}, nil
		}
	}
	return CallResult{}, nil
}

func (b *Bus) callAll(ctx context.Context, regs []*registration, args Args) CallResult {
	var out CallResult
	for _, r := range regs {
		if r.fn == nil {
			continue
		}
		value, err := r.fn(ctx, args)
		out.Results = append(out.Results, Result{Listener: r.name, Value: value, Err: err})
	}
	return out
}

func (b *Bus) callWrapped(ctx context.Context, regs []*registration, args Args) (CallResult, error) {
	var wrappers []*registration
	var inner []*registration
	for _, r := range regs {
		if r.wrap != nil {
			wrappers = append(wrappers, r)
		} else {
			inner = append(inner, r)
		}
	}

	chain := func() ([]Result, error) {
		return b.callAll(ctx, inner, args).Results, nil
	}
	// Nest wrappers so the first in call order is outermost.
	for i := len(wrappers) - 1; i >= 0; i-- {
		w := wrappers[i]
		next := chain
		chain = func() ([]Result, error) {
			var innerResults []Result
			observe := func() ([]Result, error) {
				var err error
				innerResults, err = next()
				return innerResults, err
			}
			value, err := w.wrap(ctx, args, observe)
			if err != nil {
				return nil, fmt.Errorf("wrapper %q: %w", w.name, err)
			}
			if value != nil {
				return []Result{{Listener: w.name, Value: value}}, nil
			}
			return innerResults, nil
		}
	}

	final, err := chain()
	if err != nil {
		return CallResult{}, err
	}
	out := CallResult{Results: final}
	for _, r := range final {
		if r.Err == nil && r.Value != nil {
			out.Value = r.Value
			break
		}
	}
	return out, nil
}
