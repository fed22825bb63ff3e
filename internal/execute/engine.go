// Package execute schedules ready tasks over a worker pool, decides skip
// versus run against the state database, and emits execution reports.
package execute

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/augustebaum/pytask/internal/ctxlog"
	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/report"
	"github.com/augustebaum/pytask/internal/resolve"
	"github.com/augustebaum/pytask/internal/statedb"
	"github.com/augustebaum/pytask/internal/task"
)

// Options configure one execution run.
type Options struct {
	// Workers is the parallelism degree P. Values below 1 mean serial.
	Workers int
	// MaxFailures stops scheduling new tasks once reached; 0 is unlimited.
	MaxFailures int
}

// Engine runs a resolved graph.
type Engine struct {
	bus   *hookbus.Bus
	marks *marks.Table
	db    *statedb.DB
	opts  Options
}

// New creates an engine. The state database may be nil, in which case
// every task is treated as out-of-date and nothing is persisted.
func New(bus *hookbus.Bus, table *marks.Table, db *statedb.DB, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{bus: bus, marks: table, db: db, opts: opts}
}

// runState is the shared scheduling state. The graph itself is read-only;
// this is the only mutable structure and a single mutex guards it.
type runState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ready    *taskHeap
	waiting  []int // remaining predecessor count per task
	outcomes []report.Outcome
	pending  int
	failures int
	stopping bool
	aborted  bool
	reports  []report.ExecutionReport
}

// Result carries the outcome of one run.
type Result struct {
	Reports []report.ExecutionReport
	Aborted bool
}

// Run executes the graph. Per-task failures are contained in the reports;
// the returned error covers engine-level problems only.
func (e *Engine) Run(ctx context.Context, g *resolve.Graph) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	// The default protocol listener dispatches to the engine; wrappers
	// registered on run_protocol bracket it.
	if err := e.bus.Register(hookbus.HookRunProtocol, "core:protocol", func(ctx context.Context, args hookbus.Args) (any, error) {
		t := args["task"].(*task.Task)
		outcome, abort, err := e.protocol(ctx, t)
		return protocolResult{Outcome: outcome, Abort: abort, Err: err}, nil
	}); err != nil {
		return nil, err
	}
	defer e.bus.Unregister(hookbus.HookRunProtocol, "core:protocol")

	st := &runState{
		ready:    newTaskHeap(g),
		waiting:  make([]int, len(g.Tasks)),
		outcomes: make([]report.Outcome, len(g.Tasks)),
		pending:  len(g.Tasks),
	}
	st.cond = sync.NewCond(&st.mu)

	for ti := range g.Tasks {
		st.waiting[ti] = len(g.Preds[ti])
		if st.waiting[ti] == 0 {
			st.ready.push(ti)
		}
	}

	workers := e.opts.Workers
	if workers > len(g.Tasks) && len(g.Tasks) > 0 {
		workers = len(g.Tasks)
	}
	logger.Debug("Starting worker pool.", "workers", workers, "tasks", len(g.Tasks))

	group, runCtx := errgroup.WithContext(ctx)

	// Cooperative cancellation: a context cancel stops scheduling but does
	// not interrupt running tasks.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			st.mu.Lock()
			if st.pending > 0 {
				st.stopping = true
				st.aborted = true
			}
			st.cond.Broadcast()
			st.mu.Unlock()
		case <-stopWatch:
		}
	}()

	for i := 0; i < workers; i++ {
		group.Go(func() error {
			e.worker(runCtx, g, st)
			return nil
		})
	}
	err := group.Wait()
	close(stopWatch)

	st.mu.Lock()
	defer st.mu.Unlock()
	return &Result{Reports: st.reports, Aborted: st.aborted}, err
}

// worker is the processing loop of one pool member.
func (e *Engine) worker(ctx context.Context, g *resolve.Graph, st *runState) {
	for {
		st.mu.Lock()
		for st.ready.Len() == 0 && st.pending > 0 && !st.stopping {
			st.cond.Wait()
		}
		if st.ready.Len() == 0 || st.stopping {
			st.mu.Unlock()
			return
		}
		ti := st.ready.pop()
		preds := predOutcomes(g, st, ti)
		st.mu.Unlock()

		rep, abort := e.runTask(ctx, g, ti, preds)

		st.mu.Lock()
		st.outcomes[ti] = rep.Outcome
		st.reports = append(st.reports, rep)
		st.pending--
		if rep.Outcome == report.Fail {
			st.failures++
			if e.opts.MaxFailures > 0 && st.failures >= e.opts.MaxFailures {
				ctxlog.FromContext(ctx).Warn("Failure threshold reached, no further tasks are scheduled.",
					"failures", st.failures)
				st.stopping = true
			}
		}
		if abort {
			st.stopping = true
			st.aborted = true
		}
		for _, si := range g.Succs[ti] {
			st.waiting[si]--
			if st.waiting[si] == 0 {
				st.ready.push(si)
			}
		}
		st.cond.Broadcast()
		st.mu.Unlock()
	}
}

// predOutcomes snapshots the outcomes of a task's predecessors. Callers
// hold the state lock; every predecessor has finished by the time the task
// becomes ready.
func predOutcomes(g *resolve.Graph, st *runState, ti int) []report.Outcome {
	out := make([]report.Outcome, 0, len(g.Preds[ti]))
	for _, pi := range g.Preds[ti] {
		out = append(out, st.outcomes[pi])
	}
	return out
}

// runTask drives the per-task protocol, including ancestor propagation and
// the run_protocol wrapper chain.
func (e *Engine) runTask(ctx context.Context, g *resolve.Graph, ti int, preds []report.Outcome) (report.ExecutionReport, bool) {
	t := g.Tasks[ti]
	logger := ctxlog.FromContext(ctx).With("task", t.ID)
	started := time.Now()

	rep := report.ExecutionReport{TaskID: t.ID, StartedAt: started}
	abort := false

	if blocked(preds) && e.propagationEnabled(t.ID) {
		logger.Info("Skipping task, an ancestor failed.")
		rep.Outcome = report.SkipAncestorFailed
	} else {
		res, err := e.bus.Call(ctx, hookbus.HookRunProtocol, hookbus.Args{"task": t})
		switch {
		case err != nil:
			// A wrapper aborted the chain; report against the task.
			rep.Outcome = report.Fail
			rep.Err = err
		case res.Value == nil:
			rep.Outcome = report.Fail
			rep.Err = &noProtocolError{Task: t.ID}
		default:
			pr := res.Value.(protocolResult)
			rep.Outcome = pr.Outcome
			rep.Err = pr.Err
			abort = pr.Abort
		}
	}

	rep.Duration = time.Since(started)
	logger.Debug("Task finished.", "outcome", string(rep.Outcome), "duration", rep.Duration)

	if e.db != nil && (rep.Outcome == report.Success || rep.Outcome == report.Persisted) {
		if err := e.db.RecordRuntime(t.ID, rep.Duration); err != nil {
			logger.Warn("Recording task runtime failed.", "error", err)
		}
	}

	_, _ = e.bus.Call(ctx, hookbus.HookTaskReport, hookbus.Args{"report": rep})
	return rep, abort
}

func blocked(preds []report.Outcome) bool {
	for _, o := range preds {
		if o == report.Fail || o == report.SkipAncestorFailed {
			return true
		}
	}
	return false
}

// propagationEnabled honors a skip_ancestor_failed mark carrying false,
// which opts the task out of ancestor propagation.
func (e *Engine) propagationEnabled(taskID string) bool {
	for _, m := range e.marks.Get(taskID, marks.SkipAncestorFailed) {
		if !m.BoolArg("enabled") {
			return false
		}
	}
	return true
}

type noProtocolError struct {
	Task string
}

func (e *noProtocolError) Error() string {
	return "no listener ran the protocol of " + e.Task
}
