// Package collect implements task discovery: walking project roots,
// parsing task files, expanding parametrizations, and materializing task
// and node objects. File parsing, parametrize id derivation, node
// resolution and collection reports go through the hook bus so extensions
// can intercept or replace the default behavior; building the task from an
// expanded block does not.
package collect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/ctxlog"
	"github.com/augustebaum/pytask/internal/fsutil"
	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/report"
	"github.com/augustebaum/pytask/internal/schema"
	"github.com/augustebaum/pytask/internal/task"
)

// DefaultTaskFilePattern matches the files collection considers.
const DefaultTaskFilePattern = "task_*.hcl"

// DefaultTaskNamePattern matches the block labels collection considers.
const DefaultTaskNamePattern = "task_*"

// Options enumerate the recognized collection settings.
type Options struct {
	Roots            []string
	IgnoreGlobs      []string
	TaskFilePattern  string
	TaskNamePattern  string
	MarkersWhitelist []string
	StrictMarkers    bool

	// KnownRunner reports whether a runner name is registered. Unset means
	// runner names are not validated during collection.
	KnownRunner func(string) bool
}

func (o Options) withDefaults() Options {
	if o.TaskFilePattern == "" {
		o.TaskFilePattern = DefaultTaskFilePattern
	}
	if o.TaskNamePattern == "" {
		o.TaskNamePattern = DefaultTaskNamePattern
	}
	return o
}

// ParsedFile is the result of the collect_file hook: the decoded blocks of
// one task file plus the raw source bytes of each block, used for task
// hashing.
type ParsedFile struct {
	Path    string
	File    *schema.TaskFile
	Sources map[string][]byte
}

// Result carries the collected tasks and the per-item reports.
type Result struct {
	Tasks   []*task.Task
	Reports []report.CollectionReport
}

// Failed reports whether any item failed to collect.
func (r *Result) Failed() bool {
	for _, rep := range r.Reports {
		if rep.Outcome == report.Fail {
			return true
		}
	}
	return false
}

// Collector discovers tasks under the configured roots.
type Collector struct {
	bus   *hookbus.Bus
	marks *marks.Table
	opts  Options
}

// New creates a collector. The mark table receives every collected task's
// marks keyed by task id.
func New(bus *hookbus.Bus, table *marks.Table, opts Options) *Collector {
	return &Collector{bus: bus, marks: table, opts: opts.withDefaults()}
}

// RegisterDefaults attaches the default collect_file parser and the
// built-in node resolvers to the bus.
func RegisterDefaults(bus *hookbus.Bus, hashThreshold int64) error {
	if err := bus.Register(hookbus.HookCollectFile, "core:hcl", func(_ context.Context, args hookbus.Args) (any, error) {
		path, _ := args["path"].(string)
		return parseTaskFile(path)
	}); err != nil {
		return err
	}
	return RegisterDefaultNodeListeners(bus, hashThreshold)
}

// parseTaskFile reads and decodes one task file, capturing each task
// block's source bytes.
func parseTaskFile(path string) (*ParsedFile, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, path)
	if diags.HasErrors() {
		return nil, diags
	}

	var decoded schema.TaskFile
	if diags := gohcl.DecodeBody(file.Body, nil, &decoded); diags.HasErrors() {
		return nil, diags
	}

	sources := make(map[string][]byte)
	if body, ok := file.Body.(*hclsyntax.Body); ok {
		for _, block := range body.Blocks {
			if block.Type != "task" || len(block.Labels) == 0 {
				continue
			}
			rng := block.Range()
			if rng.Start.Byte >= 0 && rng.End.Byte <= len(src) {
				sources[block.Labels[0]] = src[rng.Start.Byte:rng.End.Byte]
			}
		}
	}

	return &ParsedFile{Path: path, File: &decoded, Sources: sources}, nil
}

// Collect walks the roots and materializes tasks. Per-item failures
// accumulate in the result; only structural problems (duplicate task ids,
// unreadable roots) return an error.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	result := &Result{}
	seen := make(map[string]string) // task id -> file

	for _, root := range c.opts.Roots {
		files, err := fsutil.FindTaskFiles(root, c.opts.TaskFilePattern, c.opts.IgnoreGlobs)
		if err != nil {
			return nil, &pytaskerr.ConfigurationError{Msg: fmt.Sprintf("walking %s: %v", root, err)}
		}
		logger.Debug("Enumerated task files.", "root", root, "count", len(files))

		for _, path := range files {
			c.collectFile(ctx, result, seen, root, path)
		}
	}

	for id, file := range seen {
		if file == "" {
			return result, &pytaskerr.CollectionError{
				Item: id,
				Err:  fmt.Errorf("duplicate task id"),
			}
		}
	}
	return result, nil
}

func (c *Collector) collectFile(ctx context.Context, result *Result, seen map[string]string, root, path string) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()

	res, err := c.bus.Call(ctx, hookbus.HookCollectFile, hookbus.Args{"path": path})
	if err == nil && res.Value == nil {
		err = fmt.Errorf("no listener parsed %s", path)
	}
	if err != nil {
		c.report(ctx, result, report.CollectionReport{
			Item:     path,
			Outcome:  report.Fail,
			Duration: time.Since(started),
			Err:      &pytaskerr.CollectionError{Item: path, Err: err},
		})
		return
	}
	parsed := res.Value.(*ParsedFile)

	relFile, err := filepath.Rel(root, path)
	if err != nil || relFile == "." {
		relFile = filepath.Base(path)
	}
	relFile = filepath.ToSlash(relFile)

	for _, block := range parsed.File.Tasks {
		if !c.isTaskBlock(block) {
			logger.Debug("Skipping non-task block.", "file", path, "name", block.Name)
			continue
		}
		c.collectBlock(ctx, result, seen, parsed, relFile, block)
	}
}

// isTaskBlock applies the task-name pattern, with the `task` mark as the
// opt-in for names outside the pattern.
func (c *Collector) isTaskBlock(block *schema.TaskBlock) bool {
	if ok, _ := filepath.Match(c.opts.TaskNamePattern, block.Name); ok {
		return true
	}
	for _, m := range block.Marks {
		if m.Name == marks.Task {
			return true
		}
	}
	return false
}

func (c *Collector) collectBlock(ctx context.Context, result *Result, seen map[string]string, parsed *ParsedFile, relFile string, block *schema.TaskBlock) {
	item := relFile + "::" + block.Name
	started := time.Now()

	fail := func(err error) {
		c.report(ctx, result, report.CollectionReport{
			Item:     item,
			Outcome:  report.Fail,
			Duration: time.Since(started),
			Err:      &pytaskerr.CollectionError{Item: item, Err: err},
		})
	}

	blockMarks, err := c.decodeMarks(block)
	if err != nil {
		fail(err)
		return
	}
	if err := c.checkMarkers(ctx, item, blockMarks); err != nil {
		fail(err)
		return
	}

	runnerName := block.Runner
	if runnerName == "" {
		runnerName = block.Name
	}
	if c.opts.KnownRunner != nil && !c.opts.KnownRunner(runnerName) {
		fail(fmt.Errorf("runner %q is not registered", runnerName))
		return
	}

	expansions, err := c.expandParametrize(ctx, item, block.Parametrize)
	if err != nil {
		fail(err)
		return
	}

	for _, exp := range expansions {
		c.collectOne(ctx, result, seen, parsed, relFile, block, blockMarks, runnerName, exp)
	}
}

func (c *Collector) collectOne(ctx context.Context, result *Result, seen map[string]string, parsed *ParsedFile, relFile string, block *schema.TaskBlock, blockMarks []marks.Mark, runnerName string, exp expansion) {
	id := task.MakeID(relFile, block.Name, exp.suffix)
	started := time.Now()

	fail := func(err error) {
		c.report(ctx, result, report.CollectionReport{
			Item:     id,
			Outcome:  report.Fail,
			Duration: time.Since(started),
			Err:      &pytaskerr.CollectionError{Item: id, Err: err},
		})
	}

	if _, dup := seen[id]; dup {
		seen[id] = "" // flagged as duplicate; Collect turns this fatal
		fail(fmt.Errorf("duplicate task id"))
		return
	}
	seen[id] = parsed.Path

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"param": paramObject(exp.params)},
	}

	params := make(map[string]cty.Value, len(exp.params))
	for k, v := range exp.params {
		params[k] = v
	}
	if block.Params != nil {
		attrs, diags := block.Params.Body.JustAttributes()
		if diags.HasErrors() {
			fail(diags)
			return
		}
		for name, attr := range attrs {
			v, diags := attr.Expr.Value(evalCtx)
			if diags.HasErrors() {
				fail(diags)
				return
			}
			params[name] = v
		}
	}

	dir := filepath.Dir(parsed.Path)
	deps, err := c.resolveDeclaration(ctx, block.DependsOn, evalCtx, dir, id)
	if err != nil {
		fail(err)
		return
	}
	products, err := c.resolveDeclaration(ctx, block.Produces, evalCtx, dir, id)
	if err != nil {
		fail(err)
		return
	}

	t := &task.Task{
		ID:        id,
		Name:      block.Name,
		File:      parsed.Path,
		Runner:    runnerName,
		DependsOn: deps,
		Produces:  products,
		Params:    params,
		TryFirst:  block.TryFirst,
		TryLast:   block.TryLast,
		Source:    parsed.Sources[block.Name],
	}
	for _, m := range blockMarks {
		switch m.Name {
		case marks.TryFirst:
			t.TryFirst = true
		case marks.TryLast:
			t.TryLast = true
		}
	}
	c.marks.Set(id, blockMarks)

	result.Tasks = append(result.Tasks, t)
	c.report(ctx, result, report.CollectionReport{
		Item:     id,
		Outcome:  report.Success,
		Duration: time.Since(started),
	})
}

// resolveDeclaration evaluates a depends_on/produces expression and
// resolves the resulting descriptor tree.
func (c *Collector) resolveDeclaration(ctx context.Context, expr hcl.Expression, evalCtx *hcl.EvalContext, dir, taskID string) (task.Tree, error) {
	if expr == nil {
		return task.Tree{Shape: task.ShapeNone}, nil
	}
	v, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return task.Tree{}, diags
	}
	return c.resolveTree(ctx, v, dir, taskID)
}

func (c *Collector) decodeMarks(block *schema.TaskBlock) ([]marks.Mark, error) {
	var out []marks.Mark
	for _, mb := range block.Marks {
		var args []cty.Value
		if mb.Args != nil {
			v, diags := mb.Args.Value(nil)
			if diags.HasErrors() {
				return nil, diags
			}
			if v != cty.NilVal && !v.IsNull() {
				if !v.CanIterateElements() {
					return nil, fmt.Errorf("mark %q: args must be a tuple", mb.Name)
				}
				for it := v.ElementIterator(); it.Next(); {
					_, ev := it.Element()
					args = append(args, ev)
				}
			}
		}
		var kwargs map[string]cty.Value
		if mb.Kwargs != nil {
			v, diags := mb.Kwargs.Value(nil)
			if diags.HasErrors() {
				return nil, diags
			}
			if v != cty.NilVal && !v.IsNull() {
				if !v.Type().IsObjectType() && !v.Type().IsMapType() {
					return nil, fmt.Errorf("mark %q: kwargs must be an object", mb.Name)
				}
				kwargs = make(map[string]cty.Value)
				for it := v.ElementIterator(); it.Next(); {
					kv, ev := it.Element()
					kwargs[kv.AsString()] = ev
				}
			}
		}
		out = append(out, marks.New(mb.Name, args, kwargs))
	}
	return out, nil
}

// checkMarkers enforces the markers whitelist when strict mode is on;
// otherwise unknown marks only log.
func (c *Collector) checkMarkers(ctx context.Context, item string, ms []marks.Mark) error {
	logger := ctxlog.FromContext(ctx)
	for _, m := range ms {
		if marks.IsReserved(m.Name) {
			continue
		}
		whitelisted := false
		for _, w := range c.opts.MarkersWhitelist {
			if w == m.Name {
				whitelisted = true
				break
			}
		}
		if whitelisted {
			continue
		}
		if c.opts.StrictMarkers {
			return fmt.Errorf("unknown mark %q with strict markers enabled", m.Name)
		}
		logger.Debug("Unknown mark.", "item", item, "mark", m.Name)
	}
	return nil
}

func (c *Collector) report(ctx context.Context, result *Result, r report.CollectionReport) {
	result.Reports = append(result.Reports, r)
	_, _ = c.bus.Call(ctx, hookbus.HookCollectReport, hookbus.Args{"report": r})
}

func paramObject(params map[string]cty.Value) cty.Value {
	if len(params) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(params)
}
