package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/augustebaum/pytask/internal/collect"
	"github.com/augustebaum/pytask/internal/ctxlog"
	"github.com/augustebaum/pytask/internal/execute"
	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/report"
	"github.com/augustebaum/pytask/internal/resolve"
	"github.com/augustebaum/pytask/internal/selectors"
	"github.com/augustebaum/pytask/internal/statedb"
	"github.com/augustebaum/pytask/internal/task"
)

// Run executes the configured subcommand and returns the process exit
// code. Errors are diagnostics already folded into the code.
func (a *App) Run(ctx context.Context) report.ExitCode {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	switch a.cfg.Command {
	case CommandMarkers:
		a.printMarkers()
		return report.ExitOK
	case CommandClean:
		return a.runClean(ctx)
	case CommandProfile:
		return a.runProfile(ctx)
	case CommandDag:
		return a.runDag(ctx)
	case CommandCollect:
		return a.runCollect(ctx)
	default:
		return a.runBuild(ctx)
	}
}

func (a *App) collector() *collect.Collector {
	return collect.New(a.bus, a.marks, collect.Options{
		Roots:            a.cfg.Paths,
		IgnoreGlobs:      a.cfg.IgnoreGlobs,
		TaskFilePattern:  a.cfg.TaskFilePattern,
		TaskNamePattern:  a.cfg.TaskNamePattern,
		MarkersWhitelist: a.cfg.MarkersWhitelist,
		StrictMarkers:    a.cfg.StrictMarkers,
		KnownRunner: func(name string) bool {
			_, ok := a.runners.Lookup(name)
			return ok
		},
	})
}

// collectAndSelect runs collection and applies the -k/-m selectors.
func (a *App) collectAndSelect(ctx context.Context, summary *report.Summary) ([]*task.Task, bool) {
	res, err := a.collector().Collect(ctx)
	if res != nil {
		summary.Collection = res.Reports
	}
	if err != nil {
		a.logger.Error("Collection failed.", "error", err)
		var colErr *pytaskerr.CollectionError
		if res == nil || !errors.As(err, &colErr) {
			summary.ConfigurationFailed = true
		}
		return nil, false
	}

	for _, r := range res.Reports {
		if r.Outcome == report.Fail {
			a.logger.Error("Collection item failed.", "item", r.Item, "error", r.Err)
		}
	}

	tasks, err := a.selectTasks(res.Tasks)
	if err != nil {
		a.logger.Error("Selector evaluation failed.", "error", err)
		summary.ConfigurationFailed = true
		return nil, false
	}
	a.logger.Info("Collection finished.", "collected", len(res.Tasks), "selected", len(tasks))
	return tasks, true
}

func (a *App) selectTasks(tasks []*task.Task) ([]*task.Task, error) {
	if a.cfg.Keyword == "" && a.cfg.Marker == "" {
		return tasks, nil
	}
	var out []*task.Task
	for _, t := range tasks {
		keep := true
		if a.cfg.Keyword != "" {
			match, err := selectors.Matches(a.cfg.Keyword, func(atom string) bool {
				return strings.Contains(strings.ToLower(t.ID), strings.ToLower(atom))
			})
			if err != nil {
				return nil, err
			}
			keep = keep && match
		}
		if keep && a.cfg.Marker != "" {
			attached := a.marks.GetAll(t.ID)
			match, err := selectors.Matches(a.cfg.Marker, func(atom string) bool {
				for _, m := range attached {
					if m.Name == atom {
						return true
					}
				}
				return false
			})
			if err != nil {
				return nil, err
			}
			keep = keep && match
		}
		if keep {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *App) resolveGraph(tasks []*task.Task, summary *report.Summary) (*resolve.Graph, bool) {
	g, err := resolve.Build(tasks)
	if err != nil {
		summary.Resolution = report.ResolutionReport{Outcome: report.Fail, Err: err}
		a.logger.Error("Resolving dependencies failed.", "error", err)
		return nil, false
	}
	summary.Resolution = report.ResolutionReport{
		Outcome:   report.Success,
		TaskCount: len(g.Tasks),
		NodeCount: len(g.Nodes),
	}
	return g, true
}

func (a *App) runBuild(ctx context.Context) report.ExitCode {
	summary := &report.Summary{}
	defer a.finish(summary)

	tasks, ok := a.collectAndSelect(ctx, summary)
	if !ok {
		return summary.ExitCode()
	}
	g, ok := a.resolveGraph(tasks, summary)
	if !ok {
		return summary.ExitCode()
	}

	db, err := statedb.Open(ctx, a.cfg.DatabasePath)
	if err != nil {
		a.logger.Error("Opening state database failed.", "error", err)
		summary.ConfigurationFailed = true
		return summary.ExitCode()
	}
	defer db.Close()

	engine := execute.New(a.bus, a.marks, db, execute.Options{
		Workers:     a.cfg.Workers,
		MaxFailures: a.cfg.MaxFailures,
	})
	res, err := engine.Run(ctx, g)
	if err != nil {
		a.logger.Error("Execution failed.", "error", err)
		summary.RunAborted = true
		return summary.ExitCode()
	}
	summary.Execution = res.Reports
	summary.RunAborted = res.Aborted

	a.printExecution(summary)
	return summary.ExitCode()
}

func (a *App) runCollect(ctx context.Context) report.ExitCode {
	summary := &report.Summary{}
	defer a.finish(summary)

	tasks, ok := a.collectAndSelect(ctx, summary)
	if !ok {
		return summary.ExitCode()
	}
	g, ok := a.resolveGraph(tasks, summary)
	if !ok {
		return summary.ExitCode()
	}

	for _, ti := range g.Order {
		t := g.Tasks[ti]
		fmt.Fprintln(a.outW, t.ID)
		if a.cfg.Verbose {
			for _, n := range t.DependsOn.Flatten() {
				fmt.Fprintf(a.outW, "  <- %s\n", n.ID())
			}
			for _, n := range t.Produces.Flatten() {
				fmt.Fprintf(a.outW, "  -> %s\n", n.ID())
			}
		}
	}
	return summary.ExitCode()
}

func (a *App) runDag(ctx context.Context) report.ExitCode {
	summary := &report.Summary{}
	tasks, ok := a.collectAndSelect(ctx, summary)
	if !ok {
		return summary.ExitCode()
	}
	g, ok := a.resolveGraph(tasks, summary)
	if !ok {
		return summary.ExitCode()
	}
	fmt.Fprint(a.outW, g.Dot())
	return summary.ExitCode()
}

func (a *App) runClean(ctx context.Context) report.ExitCode {
	if a.cfg.Keyword == "" {
		if err := os.Remove(a.cfg.DatabasePath); err != nil && !os.IsNotExist(err) {
			a.logger.Error("Removing state database failed.", "error", err)
			return report.ExitConfigurationFailed
		}
		a.logger.Info("State database removed.", "path", a.cfg.DatabasePath)
		return report.ExitOK
	}

	db, err := statedb.Open(ctx, a.cfg.DatabasePath)
	if err != nil {
		a.logger.Error("Opening state database failed.", "error", err)
		return report.ExitConfigurationFailed
	}
	defer db.Close()

	ids, err := db.TaskIDs()
	if err != nil {
		a.logger.Error("Listing stored tasks failed.", "error", err)
		return report.ExitConfigurationFailed
	}
	dropped := 0
	for _, id := range ids {
		match, err := selectors.Matches(a.cfg.Keyword, func(atom string) bool {
			return strings.Contains(strings.ToLower(id), strings.ToLower(atom))
		})
		if err != nil {
			a.logger.Error("Selector evaluation failed.", "error", err)
			return report.ExitConfigurationFailed
		}
		if match {
			if err := db.DropTask(id); err != nil {
				a.logger.Error("Dropping task records failed.", "task", id, "error", err)
				return report.ExitConfigurationFailed
			}
			dropped++
		}
	}
	if dropped > 0 {
		if err := db.Compact(); err != nil {
			a.logger.Warn("Compacting state database failed.", "error", err)
		}
	}
	a.logger.Info("State records dropped.", "tasks", dropped)
	return report.ExitOK
}

func (a *App) runProfile(ctx context.Context) report.ExitCode {
	db, err := statedb.Open(ctx, a.cfg.DatabasePath)
	if err != nil {
		a.logger.Error("Opening state database failed.", "error", err)
		return report.ExitConfigurationFailed
	}
	defer db.Close()

	runtimes, err := db.Runtimes()
	if err != nil {
		a.logger.Error("Reading runtimes failed.", "error", err)
		return report.ExitConfigurationFailed
	}
	ids := make([]string, 0, len(runtimes))
	for id := range runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		history := runtimes[id]
		var sum float64
		for _, d := range history {
			sum += d
		}
		fmt.Fprintf(a.outW, "%s  last=%.3fs  avg=%.3fs  runs=%d\n",
			id, history[len(history)-1], sum/float64(len(history)), len(history))
	}
	return report.ExitOK
}

func (a *App) printMarkers() {
	descriptions := map[string]string{
		marks.DependsOn:          "declare dependency nodes",
		marks.Produces:           "declare product nodes",
		marks.Parametrize:        "expand a task over argument vectors",
		marks.Task:               "collect a block whose name misses the task pattern",
		marks.Skip:               "always skip the task",
		marks.SkipIf:             "skip the task when the condition holds",
		marks.SkipUnchanged:      "toggle the up-to-date skip (false forces runs)",
		marks.SkipAncestorFailed: "toggle ancestor-failure propagation",
		marks.Persist:            "record current fingerprints without running",
		marks.TryFirst:           "prefer the task within its ready set",
		marks.TryLast:            "defer the task within its ready set",
	}
	for _, name := range marks.Reserved() {
		fmt.Fprintf(a.outW, "%-22s %s\n", name, descriptions[name])
	}
	for _, name := range a.cfg.MarkersWhitelist {
		fmt.Fprintf(a.outW, "%-22s (project marker)\n", name)
	}
}

// printExecution writes the per-task lines and the closing summary.
func (a *App) printExecution(summary *report.Summary) {
	for _, r := range summary.Execution {
		fmt.Fprintf(a.outW, "%s %s (%.2fs)\n", r.Outcome.Symbol(), r.TaskID, r.Duration.Seconds())
		if r.Err == nil {
			continue
		}
		fmt.Fprintf(a.outW, "    %v\n", r.Err)
		if a.cfg.Verbose {
			var execErr *pytaskerr.ExecutionError
			if errors.As(r.Err, &execErr) && execErr.Stack != "" {
				fmt.Fprintln(a.outW, execErr.Stack)
			}
		}
	}

	counts := summary.Counts()
	var parts []string
	for _, o := range []report.Outcome{
		report.Success, report.Fail, report.Skipped, report.SkipUnchanged,
		report.SkipAncestorFailed, report.Persisted, report.Aborted,
	} {
		if n := counts[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, string(o)))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(a.outW, "%s | exit code %d\n", strings.Join(parts, ", "), summary.ExitCode())
	}
}

// finish writes the machine-readable report when requested.
func (a *App) finish(summary *report.Summary) {
	if a.cfg.ReportPath == "" {
		return
	}
	f, err := os.Create(a.cfg.ReportPath)
	if err != nil {
		a.logger.Error("Writing run report failed.", "error", err)
		return
	}
	defer f.Close()
	if err := summary.WriteJSON(f); err != nil {
		a.logger.Error("Encoding run report failed.", "error", err)
	}
}
