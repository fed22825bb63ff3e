// Package report defines the typed outcome records the three stages emit
// and the exit-code aggregation over a whole run.
package report

import (
	"encoding/json"
	"io"
	"time"
)

// Outcome classifies what happened to one entity in one stage.
type Outcome string

const (
	Success            Outcome = "success"
	Fail               Outcome = "fail"
	Skipped            Outcome = "skip"
	SkipUnchanged      Outcome = "skip_unchanged"
	SkipAncestorFailed Outcome = "skip_ancestor_failed"
	Persisted          Outcome = "persisted"
	Aborted            Outcome = "aborted"
)

// IsFailure reports whether the outcome counts as a task failure for
// exit-code purposes.
func (o Outcome) IsFailure() bool { return o == Fail }

// Symbol is the single-character summary used in live output.
func (o Outcome) Symbol() string {
	switch o {
	case Success:
		return "."
	case Fail:
		return "F"
	case Skipped, SkipUnchanged:
		return "s"
	case SkipAncestorFailed:
		return "a"
	case Persisted:
		return "p"
	case Aborted:
		return "!"
	}
	return "?"
}

// ExitCode is the process exit status of a run.
type ExitCode int

const (
	ExitOK                  ExitCode = 0
	ExitCollectionFailed    ExitCode = 1
	ExitResolutionFailed    ExitCode = 2
	ExitFailed              ExitCode = 3
	ExitAborted             ExitCode = 4
	ExitConfigurationFailed ExitCode = 5
)

// CollectionReport records the outcome of considering one collection item.
type CollectionReport struct {
	Item     string
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// ResolutionReport records the outcome of building the graph.
type ResolutionReport struct {
	Outcome   Outcome
	TaskCount int
	NodeCount int
	Duration  time.Duration
	Err       error
}

// ExecutionReport records the outcome of one task's execution protocol.
type ExecutionReport struct {
	TaskID    string
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Summary aggregates the reports of one run. Reports are append-only
// within a run.
type Summary struct {
	Collection []CollectionReport
	Resolution ResolutionReport
	Execution  []ExecutionReport

	ConfigurationFailed bool
	RunAborted          bool
}

// AddCollection appends a collection report.
func (s *Summary) AddCollection(r CollectionReport) { s.Collection = append(s.Collection, r) }

// AddExecution appends an execution report.
func (s *Summary) AddExecution(r ExecutionReport) { s.Execution = append(s.Execution, r) }

// CollectionFailed reports whether any collection item failed.
func (s *Summary) CollectionFailed() bool {
	for _, r := range s.Collection {
		if r.Outcome == Fail {
			return true
		}
	}
	return false
}

// ExecutionFailed reports whether any task failed.
func (s *Summary) ExecutionFailed() bool {
	for _, r := range s.Execution {
		if r.Outcome.IsFailure() {
			return true
		}
	}
	return false
}

// ExitCode folds every condition met during the run into a single code.
// When multiple conditions hold, the highest-precedence one wins.
func (s *Summary) ExitCode() ExitCode {
	code := ExitOK
	raise := func(c ExitCode) {
		if c > code {
			code = c
		}
	}
	if s.CollectionFailed() {
		raise(ExitCollectionFailed)
	}
	if s.Resolution.Outcome == Fail {
		raise(ExitResolutionFailed)
	}
	if s.ExecutionFailed() {
		raise(ExitFailed)
	}
	if s.RunAborted {
		raise(ExitAborted)
	}
	if s.ConfigurationFailed {
		raise(ExitConfigurationFailed)
	}
	return code
}

// Counts tallies execution outcomes for the summary line.
func (s *Summary) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, r := range s.Execution {
		counts[r.Outcome]++
	}
	return counts
}

type jsonError struct {
	Message string `json:"message"`
}

type jsonCollection struct {
	Item      string     `json:"item"`
	Outcome   Outcome    `json:"outcome"`
	DurationS float64    `json:"duration_s"`
	Error     *jsonError `json:"error,omitempty"`
}

type jsonResolution struct {
	Outcome   Outcome    `json:"outcome"`
	Tasks     int        `json:"tasks"`
	Nodes     int        `json:"nodes"`
	DurationS float64    `json:"duration_s"`
	Error     *jsonError `json:"error,omitempty"`
}

type jsonExecution struct {
	TaskID    string     `json:"task_id"`
	Outcome   Outcome    `json:"outcome"`
	StartedAt string     `json:"started_at"`
	DurationS float64    `json:"duration_s"`
	Error     *jsonError `json:"error,omitempty"`
}

type jsonDocument struct {
	ExitCode   int              `json:"exit_code"`
	Collection []jsonCollection `json:"collection"`
	Resolution jsonResolution   `json:"resolution"`
	Execution  []jsonExecution  `json:"execution"`
}

func errField(err error) *jsonError {
	if err == nil {
		return nil
	}
	return &jsonError{Message: err.Error()}
}

// WriteJSON exports the machine-readable run document.
func (s *Summary) WriteJSON(w io.Writer) error {
	doc := jsonDocument{
		ExitCode:   int(s.ExitCode()),
		Collection: make([]jsonCollection, 0, len(s.Collection)),
		Execution:  make([]jsonExecution, 0, len(s.Execution)),
		Resolution: jsonResolution{
			Outcome:   s.Resolution.Outcome,
			Tasks:     s.Resolution.TaskCount,
			Nodes:     s.Resolution.NodeCount,
			DurationS: s.Resolution.Duration.Seconds(),
			Error:     errField(s.Resolution.Err),
		},
	}
	for _, r := range s.Collection {
		doc.Collection = append(doc.Collection, jsonCollection{
			Item:      r.Item,
			Outcome:   r.Outcome,
			DurationS: r.Duration.Seconds(),
			Error:     errField(r.Err),
		})
	}
	for _, r := range s.Execution {
		doc.Execution = append(doc.Execution, jsonExecution{
			TaskID:    r.TaskID,
			Outcome:   r.Outcome,
			StartedAt: r.StartedAt.UTC().Format(time.RFC3339Nano),
			DurationS: r.Duration.Seconds(),
			Error:     errField(r.Err),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
