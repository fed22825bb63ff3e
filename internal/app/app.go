// Package app wires the core subsystems into a runnable session: logger,
// hook bus with default listeners, runner registry, mark table, and the
// subcommand entrypoints.
package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/augustebaum/pytask/internal/collect"
	"github.com/augustebaum/pytask/internal/execute"
	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/marks"
	"github.com/augustebaum/pytask/internal/runner"
)

// App encapsulates one session's dependencies and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	cfg     *Config
	bus     *hookbus.Bus
	marks   *marks.Table
	runners *runner.Registry
}

// NewApp constructs a fully initialized session: isolated logger, the core
// hook surface with its default listeners, and the given runner modules
// registered. Extensions register additional listeners on Bus before Run.
func NewApp(outW io.Writer, cfg *Config, modules ...runner.Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)

	bus := hookbus.New()
	hookbus.AddCoreSpecs(bus)
	if err := collect.RegisterDefaults(bus, 0); err != nil {
		panic(fmt.Errorf("registering default collection listeners: %w", err))
	}

	reg := runner.New()
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("Runner modules registered.", "runners", len(reg.Names()))

	if err := execute.RegisterDefaultExecuteListener(bus, reg); err != nil {
		panic(fmt.Errorf("registering default execute listener: %w", err))
	}

	return &App{
		outW:    outW,
		logger:  logger,
		cfg:     cfg,
		bus:     bus,
		marks:   marks.NewTable(),
		runners: reg,
	}
}

// Bus exposes the hook bus for extensions and tests.
func (a *App) Bus() *hookbus.Bus { return a.bus }

// Runners exposes the runner registry.
func (a *App) Runners() *runner.Registry { return a.runners }

// Marks exposes the sidecar mark table.
func (a *App) Marks() *marks.Table { return a.marks }
