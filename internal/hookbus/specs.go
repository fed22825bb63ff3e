package hookbus

// The hook surface of the runner. Names, conventions and argument shapes
// are stable across minor versions.
const (
	// HookCollectNode resolves a dependency or product descriptor to a
	// node. Args: "descriptor" (cty.Value), "dir" (string, directory of the
	// declaring file), "task" (string). First non-nil wins.
	HookCollectNode = "collect_node"
	// HookCollectFile parses one task file into schema blocks.
	// Args: "path" (string). First non-nil wins.
	HookCollectFile = "collect_file"
	// HookCollectTask is declared for turning one expanded task block into
	// a task. Args: "file", "name" (string), "block" (*schema.TaskBlock),
	// "params" (map[string]cty.Value), "suffix" (string). The collect
	// package does not dispatch it: it builds each task itself, so
	// listeners attached here are never called during collection.
	HookCollectTask = "collect_task"
	// HookParamID derives the id suffix of one parametrize expansion.
	// Args: "task" (string), "argnames" ([]string), "argvalues"
	// ([]cty.Value), "index" (int). First non-nil wins.
	HookParamID = "param_id"
	// HookCollectReport observes each collection report. Args: "report"
	// (report.CollectionReport). All listeners run.
	HookCollectReport = "collect_report"
	// HookNodeFingerprint overrides fingerprint computation for a node.
	// Args: "node" (nodes.Node). First non-nil wins; nil falls back to the
	// node's own Fingerprint method.
	HookNodeFingerprint = "node_fingerprint"
	// HookTaskSetup runs before a task executes. Args: "task" (*task.Task).
	HookTaskSetup = "task_setup"
	// HookTaskExecute invokes the task's runner. Args: "task" (*task.Task),
	// "call" (*runner.Call). First non-nil wins; the default listener
	// dispatches to the runner registry.
	HookTaskExecute = "task_execute"
	// HookTaskTeardown runs after a task executed, regardless of outcome.
	// Args: "task" (*task.Task), "outcome" (report.Outcome).
	HookTaskTeardown = "task_teardown"
	// HookTaskReport observes each execution report. Args: "report"
	// (report.ExecutionReport). All listeners run.
	HookTaskReport = "task_report"
	// HookRunProtocol wraps the whole per-task protocol. Wrapper listeners
	// may intercept and replace the outcome. Args: "task" (*task.Task).
	HookRunProtocol = "run_protocol"
)

// AddCoreSpecs declares the full public hook surface on a bus.
func AddCoreSpecs(b *Bus) {
	b.AddSpec(Spec{Name: HookCollectNode, Convention: FirstNonNil})
	b.AddSpec(Spec{Name: HookCollectFile, Convention: FirstNonNil})
	b.AddSpec(Spec{Name: HookCollectTask, Convention: FirstNonNil})
	b.AddSpec(Spec{Name: HookParamID, Convention: FirstNonNil})
	b.AddSpec(Spec{Name: HookCollectReport, Convention: CollectAll})
	b.AddSpec(Spec{Name: HookNodeFingerprint, Convention: FirstNonNil})
	b.AddSpec(Spec{Name: HookTaskSetup, Convention: CollectAll})
	b.AddSpec(Spec{Name: HookTaskExecute, Convention: FirstNonNil})
	b.AddSpec(Spec{Name: HookTaskTeardown, Convention: CollectAll})
	b.AddSpec(Spec{Name: HookTaskReport, Convention: CollectAll})
	b.AddSpec(Spec{Name: HookRunProtocol, Convention: Wrapped})
}
