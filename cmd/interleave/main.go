// Package main implements the interleave CLI.
//
// The tool replays a recorded event trace of a multi-threaded program
// through one of its analyses:
//
//	interleave observe  trace.jsonl    # discover candidate iRoots
//	interleave test     trace.jsonl    # actively expose one iRoot
//	interleave race     trace.jsonl    # happens-before race detection
//	interleave pct      trace.jsonl    # probabilistic concurrency testing
//	interleave random   trace.jsonl    # random priority changes or delays
//
// When attached to a live instrumentation substrate the same analyses
// consume events directly; the CLI is the replay harness used for offline
// analysis and debugging.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/controller"
	"github.com/kolkov/interleave/internal/core/knob"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "observe":
		os.Exit(runMode(controller.ModeObserve, os.Args[2:]))
	case "test":
		os.Exit(runMode(controller.ModeActive, os.Args[2:]))
	case "race":
		os.Exit(runMode(controller.ModeRace, os.Args[2:]))
	case "pct":
		os.Exit(runMode(controller.ModePCT, os.Args[2:]))
	case "random":
		os.Exit(runMode(controller.ModeRandom, os.Args[2:]))
	case "knobs":
		printKnobs()
	case "version", "--version", "-v":
		fmt.Printf("interleave version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// knobFlags collects repeated -set name=value overrides.
type knobFlags map[string]string

func (f knobFlags) String() string { return "" }

func (f knobFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	f[name] = value
	return nil
}

func runMode(mode controller.Mode, args []string) int {
	fs := flag.NewFlagSet(mode.String(), flag.ExitOnError)
	configFile := fs.String("config", "", "TOML file of knob values")
	logLevel := fs.String("log_level", "info", "log level (trace|debug|info|warn|error)")
	overrides := knobFlags{}
	fs.Var(overrides, "set", "knob override name=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: interleave %s [flags] <trace.jsonl>\n", mode)
		return 1
	}

	log := newLogger(*logLevel)

	k := knob.NewRegistry()
	controller.RegisterKnobs(k)
	if *configFile != "" {
		if err := k.LoadFile(*configFile); err != nil {
			log.Error().Err(err).Msg("configuration error")
			return 1
		}
	}
	for name, value := range overrides {
		if err := k.Set(name, value); err != nil {
			log.Error().Err(err).Msg("configuration error")
			return 1
		}
	}

	ctrl := controller.New(mode, k, log)
	proceed, err := ctrl.Setup()
	if err != nil {
		log.Error().Err(err).Msg("setup failed")
		if code := ctrl.ExitCode(); code != 0 {
			return code
		}
		return 1
	}
	if !proceed {
		return ctrl.ExitCode()
	}

	tracePath := fs.Arg(0)
	f, err := os.Open(tracePath)
	if err != nil {
		log.Error().Err(err).Str("trace", tracePath).Msg("cannot open trace")
		return 1
	}
	defer f.Close()

	if err := ctrl.Run(f); err != nil {
		log.Error().Err(err).Msg("run failed")
		return 1
	}
	return ctrl.ExitCode()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w zerolog.LevelWriter
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		w = zerolog.MultiLevelWriter(os.Stderr)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func printKnobs() {
	k := knob.NewRegistry()
	controller.RegisterKnobs(k)
	for _, line := range k.Describe() {
		fmt.Println(line)
	}
}

func printUsage() {
	fmt.Print(`interleave - dynamic concurrency-bug exposure engine

USAGE:
    interleave <command> [flags] <trace.jsonl>

COMMANDS:
    observe    Discover candidate interleaving idioms (iRoots)
    test       Actively force one candidate iRoot's interleaving
    race       Detect happens-before data races
    pct        Probabilistic concurrency testing (random change points)
    random     Random priority changes or delays at change points
    knobs      List every configuration knob with its default
    version    Show version information
    help       Show this help message

FLAGS:
    -config FILE      TOML file of knob values
    -set NAME=VALUE   Override one knob (repeatable)
    -log_level LEVEL  trace|debug|info|warn|error (default info)

EXAMPLES:
    # Observe a recorded execution, memoizing idiom-1..5 candidates
    interleave observe -set complex_idioms=true trace.jsonl

    # Actively test the next untested candidate from the memoization DB
    interleave test trace.jsonl

    # Target one specific iRoot id with relaxed (nice) priorities
    interleave test -set target_iroot=42 -set strict=false trace.jsonl

    # Run the race detector and persist race.db
    interleave race trace.jsonl

ABOUT:
    interleave observes a program's memory accesses and synchronization
    events, discovers small ordered combinations of conflicting events
    (iRoots) whose interleaving may expose a concurrency bug, and then
    drives the OS scheduler to force those interleavings to occur. A
    happens-before race detector runs over the same event stream.

    Analysis state persists across runs in iroot.db, memo.db, sinst.db,
    race.db and test.histo, so repeated test runs walk the candidate set.
`)
}
