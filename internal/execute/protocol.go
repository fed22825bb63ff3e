package execute

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/ctxlog"
	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/report"
	"github.com/augustebaum/pytask/internal/runner"
	"github.com/augustebaum/pytask/internal/statedb"
	"github.com/augustebaum/pytask/internal/task"
)

// protocolResult is the value flowing through the run_protocol hook.
type protocolResult struct {
	Outcome report.Outcome
	Abort   bool
	Err     error
}

// protocol is the per-task decision chain: skip marks, fingerprint
// comparison, persist, execution, product post-check, commit.
func (e *Engine) protocol(ctx context.Context, t *task.Task) (report.Outcome, bool, error) {
	logger := ctxlog.FromContext(ctx).With("task", t.ID)
	attached := e.marks.GetAll(t.ID)

	// Skip marks come first: a skipped task never touches the database.
	if e.marks.Has(t.ID, marks.Skip) {
		logger.Info("Skipping task.", "reason", "skip mark")
		return report.Skipped, false, nil
	}
	for _, m := range e.marks.Get(t.ID, marks.SkipIf) {
		if m.BoolArg("condition") {
			logger.Info("Skipping task.", "reason", skipReason(m))
			return report.Skipped, false, nil
		}
	}

	taskHash := t.Hash(attached)
	depFPs := e.fingerprints(ctx, t.DependsOn.Flatten())
	prodFPs := e.fingerprints(ctx, t.Produces.Flatten())

	if e.skipUnchangedEnabled(t.ID) && e.upToDate(ctx, t, taskHash, depFPs, prodFPs) {
		logger.Info("Task is up to date.")
		return report.SkipUnchanged, false, nil
	}

	// A persist mark commits the current state without running the task.
	if e.marks.Has(t.ID, marks.Persist) {
		if err := e.commit(t, taskHash, depFPs, prodFPs); err != nil {
			return report.Fail, false, &pytaskerr.ExecutionError{Task: t.ID, Err: err}
		}
		logger.Info("Task persisted.")
		return report.Persisted, false, nil
	}

	if err := e.setup(ctx, t); err != nil {
		return report.Fail, false, &pytaskerr.ExecutionError{Task: t.ID, Err: err}
	}

	outcome, abort, runErr := e.invoke(ctx, t)
	e.teardown(ctx, t, outcome)
	if outcome != report.Success {
		return outcome, abort, runErr
	}

	// Post-check: every declared product must now exist.
	freshProds := e.fingerprints(ctx, t.Produces.Flatten())
	for _, n := range t.Produces.Flatten() {
		if freshProds[n.ID()].IsAbsent() {
			return report.Fail, false, &pytaskerr.NodeNotFoundError{Node: n.ID(), Task: t.ID}
		}
	}

	if err := e.commit(t, taskHash, depFPs, freshProds); err != nil {
		return report.Fail, false, &pytaskerr.ExecutionError{Task: t.ID, Err: err}
	}
	return report.Success, false, nil
}

// invoke runs the task's callable through the task_execute hook, catching
// panics and translating sentinel signals.
func (e *Engine) invoke(ctx context.Context, t *task.Task) (outcome report.Outcome, abort bool, err error) {
	call := &runner.Call{
		TaskID:   t.ID,
		Deps:     t.DependsOn,
		Products: t.Produces,
		Params:   t.Params,
	}

	res, callErr := e.bus.Call(ctx, hookbus.HookTaskExecute, hookbus.Args{"task": t, "call": call})
	if callErr != nil {
		var skip *task.SkipSignal
		if errors.As(callErr, &skip) {
			return report.Skipped, false, nil
		}
		var persist *task.PersistSignal
		if errors.As(callErr, &persist) {
			// Sentinel persist: commit happens via the persisted path.
			if commitErr := e.commit(t, t.Hash(e.marks.GetAll(t.ID)),
				e.fingerprints(ctx, t.DependsOn.Flatten()),
				e.fingerprints(ctx, t.Produces.Flatten())); commitErr != nil {
				return report.Fail, false, &pytaskerr.ExecutionError{Task: t.ID, Err: commitErr}
			}
			return report.Persisted, false, nil
		}
		var exit *task.ExitSignal
		if errors.As(callErr, &exit) {
			ctxlog.FromContext(ctx).Error("Task requested run abort.", "task", t.ID, "reason", exit.Msg)
			return report.Aborted, true, nil
		}
		var execErr *pytaskerr.ExecutionError
		if errors.As(callErr, &execErr) {
			return report.Fail, false, execErr
		}
		return report.Fail, false, &pytaskerr.ExecutionError{Task: t.ID, Err: callErr}
	}
	if res.Value == nil {
		return report.Fail, false, &pytaskerr.ExecutionError{
			Task: t.ID,
			Err:  fmt.Errorf("no listener executed the task"),
		}
	}
	return report.Success, false, nil
}

// RegisterDefaultExecuteListener wires the task_execute hook to the runner
// registry. The listener recovers panics into execution errors with the
// stack preserved for verbose output.
func RegisterDefaultExecuteListener(bus *hookbus.Bus, reg *runner.Registry) error {
	return bus.Register(hookbus.HookTaskExecute, "core:execute", func(ctx context.Context, args hookbus.Args) (value any, err error) {
		t := args["task"].(*task.Task)
		call := args["call"].(*runner.Call)

		fn, ok := reg.Lookup(t.Runner)
		if !ok {
			return nil, fmt.Errorf("runner %q is not registered", t.Runner)
		}

		defer func() {
			if r := recover(); r != nil {
				value = nil
				err = &pytaskerr.ExecutionError{
					Task:  t.ID,
					Err:   fmt.Errorf("panic: %v", r),
					Stack: string(debug.Stack()),
				}
			}
		}()
		if err := fn(ctx, call); err != nil {
			return nil, err
		}
		return report.Success, nil
	})
}

func (e *Engine) setup(ctx context.Context, t *task.Task) error {
	res, err := e.bus.Call(ctx, hookbus.HookTaskSetup, hookbus.Args{"task": t})
	if err != nil {
		return err
	}
	for _, r := range res.Results {
		if r.Err != nil {
			return fmt.Errorf("setup listener %q: %w", r.Listener, r.Err)
		}
	}
	return nil
}

func (e *Engine) teardown(ctx context.Context, t *task.Task, outcome report.Outcome) {
	res, _ := e.bus.Call(ctx, hookbus.HookTaskTeardown, hookbus.Args{"task": t, "outcome": outcome})
	for _, r := range res.Results {
		if r.Err != nil {
			ctxlog.FromContext(ctx).Warn("Teardown listener failed.",
				"task", t.ID, "listener", r.Listener, "error", r.Err)
		}
	}
}

// skipReason pulls the reason string from a skip_if mark's kwarg or second
// positional argument.
func skipReason(m marks.Mark) string {
	if r := m.Kwarg("reason"); r != cty.NilVal && !r.IsNull() && r.Type().Equals(cty.String) {
		return r.AsString()
	}
	if r := m.Arg(1); r != cty.NilVal && !r.IsNull() && r.Type().Equals(cty.String) {
		return r.AsString()
	}
	return ""
}

// fingerprints computes the current fingerprint of every node, consulting
// the node_fingerprint hook before the node's own implementation.
func (e *Engine) fingerprints(ctx context.Context, ns []nodes.Node) map[string]nodes.Fingerprint {
	out := make(map[string]nodes.Fingerprint, len(ns))
	for _, n := range ns {
		out[n.ID()] = e.fingerprint(ctx, n)
	}
	return out
}

func (e *Engine) fingerprint(ctx context.Context, n nodes.Node) nodes.Fingerprint {
	res, err := e.bus.Call(ctx, hookbus.HookNodeFingerprint, hookbus.Args{"node": n})
	if err == nil {
		if fp, ok := res.Value.(nodes.Fingerprint); ok {
			return fp
		}
	}
	return n.Fingerprint()
}

// upToDate implements the incremental check: every dependency and product
// fingerprint matches the stored one, every product exists, and the task
// hash is unchanged.
func (e *Engine) upToDate(ctx context.Context, t *task.Task, taskHash string, depFPs, prodFPs map[string]nodes.Fingerprint) bool {
	if e.db == nil {
		return false
	}
	deps, prods := t.DependsOn.Flatten(), t.Produces.Flatten()
	if len(deps) == 0 && len(prods) == 0 {
		stored, found, err := e.db.Get(ctx, t.ID, "", RoleSelf)
		return err == nil && found && stored.TaskHash == taskHash
	}
	check := func(ns []nodes.Node, role statedb.Role, fps map[string]nodes.Fingerprint, requireExists bool) bool {
		for _, n := range ns {
			current := fps[n.ID()]
			if requireExists && current.IsAbsent() {
				return false
			}
			stored, found, err := e.db.Get(ctx, t.ID, n.ID(), role)
			if err != nil || !found {
				return false
			}
			if !stored.Fingerprint.Equal(current) || stored.TaskHash != taskHash {
				return false
			}
		}
		return true
	}
	return check(deps, statedb.RoleDep, depFPs, false) &&
		check(prods, statedb.RoleProd, prodFPs, true)
}

// skipUnchangedEnabled honors a skip_unchanged mark carrying false, which
// forces the task to run even when fingerprints match.
func (e *Engine) skipUnchangedEnabled(taskID string) bool {
	for _, m := range e.marks.Get(taskID, marks.SkipUnchanged) {
		if !m.BoolArg("enabled") {
			return false
		}
	}
	return true
}

// commit upserts the task's fingerprints and hash in one transaction.
func (e *Engine) commit(t *task.Task, taskHash string, depFPs, prodFPs map[string]nodes.Fingerprint) error {
	if e.db == nil {
		return nil
	}
	recs := make(map[statedb.Key]statedb.Record)
	for _, n := range t.DependsOn.Flatten() {
		recs[statedb.Key{NodeID: n.ID(), Role: statedb.RoleDep}] = statedb.Record{
			Fingerprint: depFPs[n.ID()],
			TaskHash:    taskHash,
		}
	}
	for _, n := range t.Produces.Flatten() {
		recs[statedb.Key{NodeID: n.ID(), Role: statedb.RoleProd}] = statedb.Record{
			Fingerprint: prodFPs[n.ID()],
			TaskHash:    taskHash,
		}
	}
	if len(recs) == 0 {
		// Tasks without declared nodes still record their hash so source
		// edits re-run them.
		recs[statedb.Key{NodeID: "", Role: RoleSelf}] = statedb.Record{TaskHash: taskHash}
	}
	return e.db.PutBatch(t.ID, recs)
}

// RoleSelf keys the hash-only record of tasks without declared nodes.
const RoleSelf statedb.Role = "self"
