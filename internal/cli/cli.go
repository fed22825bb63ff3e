// Package cli parses the command line into an app.Config. The core never
// sees flags; it consumes the validated configuration record.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/augustebaum/pytask/internal/app"
	"github.com/augustebaum/pytask/internal/report"
)

// ExitError carries a specific process exit code alongside the message.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

const usageText = `pytask - a task-graph build runner.

Usage:
  pytask [command] [options] [PATH ...]

Commands:
  build     collect, resolve and execute out-of-date tasks (default)
  collect   list collected tasks without executing
  clean     remove stored state (all of it, or -k selected tasks)
  markers   list the known marks
  dag       print the resolved graph as DOT
  profile   print recorded task durations

Options:
`

func isCommand(arg string) bool {
	switch app.Command(arg) {
	case app.CommandBuild, app.CommandCollect, app.CommandClean,
		app.CommandMarkers, app.CommandDag, app.CommandProfile:
		return true
	}
	return false
}

// Parse processes command-line arguments. It returns the validated
// configuration, a flag indicating a clean early exit (help), or an
// ExitError whose code follows the configuration-failure convention.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	command := app.CommandBuild
	if len(args) > 0 && isCommand(args[0]) {
		command = app.Command(args[0])
		args = args[1:]
	}

	flagSet := flag.NewFlagSet("pytask", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usageText)
		flagSet.PrintDefaults()
	}

	var paths stringList
	var ignore stringList
	var whitelist stringList
	flagSet.Var(&paths, "paths", "Root path to collect from (repeatable).")
	flagSet.Var(&ignore, "ignore", "Glob of files or directories to skip (repeatable).")
	flagSet.Var(&whitelist, "marker", "Project marker accepted under strict markers (repeatable).")
	keywordFlag := flagSet.String("k", "", "Select tasks whose id matches the expression.")
	markerFlag := flagSet.String("m", "", "Select tasks whose marks match the expression.")
	workersFlag := flagSet.Int("n", 1, "Number of parallel workers.")
	maxFailuresFlag := flagSet.Int("max-failures", 0, "Stop scheduling after this many failures. 0 is unlimited.")
	verboseFlag := flagSet.Bool("verbose", false, "Preserve stacks in failure output.")
	strictMarkersFlag := flagSet.Bool("strict-markers", false, "Reject marks outside the reserved set and the whitelist.")
	taskFilesFlag := flagSet.String("task-files", "", "Glob of file names considered task files. Default: task_*.hcl.")
	taskNamesFlag := flagSet.String("task-names", "", "Glob of block labels considered tasks. Default: task_*.")
	databaseFlag := flagSet.String("database", "", "Path of the state database file.")
	reportFlag := flagSet.String("report", "", "Write the machine-readable run report to this file.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: int(report.ExitConfigurationFailed), Message: err.Error()}
	}
	paths = append(paths, flagSet.Args()...)

	config, err := app.NewConfig(app.Config{
		Command:          command,
		Paths:            paths,
		Keyword:          *keywordFlag,
		Marker:           *markerFlag,
		IgnoreGlobs:      ignore,
		TaskFilePattern:  *taskFilesFlag,
		TaskNamePattern:  *taskNamesFlag,
		Workers:          *workersFlag,
		MaxFailures:      *maxFailuresFlag,
		Verbose:          *verboseFlag,
		StrictMarkers:    *strictMarkersFlag,
		MarkersWhitelist: whitelist,
		DatabasePath:     *databaseFlag,
		ReportPath:       *reportFlag,
		LogFormat:        strings.ToLower(*logFormatFlag),
		LogLevel:         strings.ToLower(*logLevelFlag),
	})
	if err != nil {
		return nil, false, &ExitError{Code: int(report.ExitConfigurationFailed), Message: err.Error()}
	}
	return config, false, nil
}
