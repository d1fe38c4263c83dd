// Package interleave is the public entry point of the dynamic
// concurrency-bug exposure engine.
//
// The engine consumes a program's memory-access and synchronization event
// stream in one of five modes:
//
//   - Observe: discover interleaving idioms (iRoots) that may expose a
//     concurrency bug, and memoize them.
//   - Test: actively drive the OS scheduler (thread priorities on one CPU)
//     to force a previously observed iRoot's interleaving to occur.
//   - Race: run a happens-before data race detector over the same stream.
//   - PCT: probabilistic concurrency testing with randomly placed
//     priority change points.
//   - Random: random priority changes, or injected delays, at randomly
//     placed change points.
//
// Events normally come from an instrumentation substrate running inside
// the program under observation; this package also replays recorded traces
// (JSON lines), which is how the CLI drives the engine.
package interleave

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/controller"
	"github.com/kolkov/interleave/internal/core/knob"
)

// Mode selects the analysis to run.
type Mode = controller.Mode

// Analysis modes.
const (
	ModeObserve = controller.ModeObserve
	ModeActive  = controller.ModeActive
	ModeRace    = controller.ModeRace
	ModePCT     = controller.ModePCT
	ModeRandom  = controller.ModeRandom
)

// Engine is one configured analysis run.
type Engine struct {
	ctrl *controller.Controller
}

// Config configures an Engine.
type Config struct {
	// Mode selects the analysis.
	Mode Mode
	// ConfigFile is an optional TOML file of knob values.
	ConfigFile string
	// Knobs are explicit knob overrides applied after the file.
	Knobs map[string]string
	// Logger receives the engine's structured logs.
	Logger zerolog.Logger
}

// NewEngine builds an engine: knobs resolved, databases loaded, analyzers
// wired. A nil engine with a nil error means there is nothing to do (no
// test target available).
func NewEngine(cfg Config) (*Engine, error) {
	k := knob.NewRegistry()
	controller.RegisterKnobs(k)
	if cfg.ConfigFile != "" {
		if err := k.LoadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	for name, value := range cfg.Knobs {
		if err := k.Set(name, value); err != nil {
			return nil, err
		}
	}
	ctrl := controller.New(cfg.Mode, k, cfg.Logger)
	proceed, err := ctrl.Setup()
	if err != nil {
		return nil, err
	}
	if !proceed {
		return nil, nil
	}
	return &Engine{ctrl: ctrl}, nil
}

// Run replays a recorded trace through the engine and persists the
// databases at the end.
func (e *Engine) Run(trace io.Reader) error {
	if e == nil || e.ctrl == nil {
		return fmt.Errorf("interleave: engine not configured")
	}
	return e.ctrl.Run(trace)
}

// Exposed reports whether an active run exposed its target.
func (e *Engine) Exposed() bool {
	if e.ctrl.Scheduler() == nil {
		return false
	}
	return e.ctrl.Scheduler().Exposed()
}

// Races returns the number of dynamic races recorded in this run's race
// database (including loaded history).
func (e *Engine) Races() int {
	return e.ctrl.RaceDB().NumRaces()
}
