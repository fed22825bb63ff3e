package app

import (
	"fmt"

	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/selectors"
	"github.com/augustebaum/pytask/internal/statedb"
)

// Command selects which subcommand Run executes.
type Command string

const (
	CommandBuild   Command = "build"
	CommandCollect Command = "collect"
	CommandClean   Command = "clean"
	CommandMarkers Command = "markers"
	CommandDag     Command = "dag"
	CommandProfile Command = "profile"
)

// Config holds everything an App instance needs to run.
type Config struct {
	Command Command
	Paths   []string

	Keyword string // -k selector over task ids
	Marker  string // -m selector over mark names

	IgnoreGlobs      []string
	TaskFilePattern  string
	TaskNamePattern  string
	Workers          int
	MaxFailures      int
	Verbose          bool
	StrictMarkers    bool
	MarkersWhitelist []string

	DatabasePath string
	ReportPath   string

	LogFormat string
	LogLevel  string
}

// NewConfig validates and normalizes a configuration. Invalid options are
// a ConfigurationError, which maps to its own exit code.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Command == "" {
		cfg.Command = CommandBuild
	}
	switch cfg.Command {
	case CommandBuild, CommandCollect, CommandClean, CommandMarkers, CommandDag, CommandProfile:
	default:
		return nil, &pytaskerr.ConfigurationError{Msg: fmt.Sprintf("unknown command %q", cfg.Command)}
	}
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{"."}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxFailures < 0 {
		return nil, &pytaskerr.ConfigurationError{Msg: "max-failures must not be negative"}
	}
	if cfg.Keyword != "" {
		if err := selectors.Validate(cfg.Keyword); err != nil {
			return nil, &pytaskerr.ConfigurationError{Msg: fmt.Sprintf("invalid -k selector: %v", err)}
		}
	}
	if cfg.Marker != "" {
		if err := selectors.Validate(cfg.Marker); err != nil {
			return nil, &pytaskerr.ConfigurationError{Msg: fmt.Sprintf("invalid -m selector: %v", err)}
		}
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = statedb.DefaultFileName
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, &pytaskerr.ConfigurationError{Msg: "log-format must be 'text' or 'json'"}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, &pytaskerr.ConfigurationError{Msg: "log-level must be 'debug', 'info', 'warn', or 'error'"}
	}
	return &cfg, nil
}
