package task

import "fmt"

// Runners signal non-failure outcomes to the engine by returning one of the
// sentinel errors below. The engine translates them; they never surface as
// task failures.

// SkipSignal marks the task as skipped.
type SkipSignal struct {
	Reason string
}

func (s *SkipSignal) Error() string {
	if s.Reason == "" {
		return "task skipped"
	}
	return "task skipped: " + s.Reason
}

// Skip returns a SkipSignal with the given reason.
func Skip(reason string) error { return &SkipSignal{Reason: reason} }

// PersistSignal marks the task as persisted: the state database is updated
// to the current fingerprints without requiring the products to have been
// rewritten.
type PersistSignal struct{}

func (s *PersistSignal) Error() string { return "task persisted" }

// Persist returns a PersistSignal.
func Persist() error { return &PersistSignal{} }

// ExitSignal aborts the whole run. No further tasks are scheduled; running
// tasks finish and their outcomes are committed.
type ExitSignal struct {
	Msg string
}

func (s *ExitSignal) Error() string {
	if s.Msg == "" {
		return "run aborted"
	}
	return fmt.Sprintf("run aborted: %s", s.Msg)
}

// Exit returns an ExitSignal with the given message.
func Exit(msg string) error { return &ExitSignal{Msg: msg} }
