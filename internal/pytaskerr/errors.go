// Package pytaskerr defines the error kinds shared across the collection,
// resolution and execution stages. Every kind wraps an underlying cause and
// answers to errors.As, so callers branch on kind without string matching.
package pytaskerr

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid options. It is fatal before collection
// even starts.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// CollectionError reports a per-item failure during discovery. Items
// accumulate and the run goes on with the tasks that were collected; only a
// structural failure (duplicate task ids) makes collection return an error.
// A failed item does not stop the run, with or without strict markers.
type CollectionError struct {
	Item string
	Err  error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection of %s failed: %v", e.Item, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// NodeNotCollectedError reports a dependency or product descriptor that no
// collect_node listener resolved.
type NodeNotCollectedError struct {
	Descriptor string
	Task       string
}

func (e *NodeNotCollectedError) Error() string {
	return fmt.Sprintf("descriptor %s of task %s could not be resolved to a node", e.Descriptor, e.Task)
}

// ResolutionError reports a malformed graph: cycles, duplicate producers or
// missing inputs. It is fatal for the whole run.
type ResolutionError struct {
	Msg string
}

func (e *ResolutionError) Error() string { return "resolving dependencies failed: " + e.Msg }

// NodeNotFoundError reports a product that does not exist after its task
// reported success. It reclassifies the task as failed but does not abort
// the run.
type NodeNotFoundError struct {
	Node string
	Task string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("product %s of task %s was not produced", e.Node, e.Task)
}

// ExecutionError wraps an arbitrary error (or recovered panic) raised by a
// task runner.
type ExecutionError struct {
	Task  string
	Err   error
	Stack string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsPytaskError reports whether err is one of the kinds defined here.
func IsPytaskError(err error) bool {
	var (
		cfg  *ConfigurationError
		col  *CollectionError
		nnc  *NodeNotCollectedError
		res  *ResolutionError
		nnf  *NodeNotFoundError
		exec *ExecutionError
	)
	return errors.As(err, &cfg) || errors.As(err, &col) || errors.As(err, &nnc) ||
		errors.As(err, &res) || errors.As(err, &nnf) || errors.As(err, &exec)
}
