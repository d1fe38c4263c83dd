// Package controller binds an event source to one analysis mode, owns the
// runtime context (configuration snapshot, statistics, logging), and
// persists the databases at exit.
package controller

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/knob"
	"github.com/kolkov/interleave/internal/core/osprio"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/history"
	"github.com/kolkov/interleave/internal/idiom/iroot"
	"github.com/kolkov/interleave/internal/idiom/memo"
	"github.com/kolkov/interleave/internal/idiom/observer"
	"github.com/kolkov/interleave/internal/idiom/scheduler"
	"github.com/kolkov/interleave/internal/pct"
	"github.com/kolkov/interleave/internal/race"
	"github.com/kolkov/interleave/internal/randsched"
	"github.com/kolkov/interleave/internal/sinst"
)

// Mode selects which analysis consumes the event stream.
type Mode int

const (
	// ModeObserve runs the iRoot observer (plus the shared-instruction
	// analyzer).
	ModeObserve Mode = iota
	// ModeActive runs the active scheduler against one target iRoot.
	ModeActive
	// ModeRace runs the happens-before race detector.
	ModeRace
	// ModePCT runs the probabilistic concurrency testing scheduler.
	ModePCT
	// ModeRandom runs the random scheduler.
	ModeRandom
)

func (m Mode) String() string {
	switch m {
	case ModeObserve:
		return "observe"
	case ModeActive:
		return "active"
	case ModeRace:
		return "race"
	case ModePCT:
		return "pct"
	case ModeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// RegisterKnobs registers every knob the controller and its components
// understand.
func RegisterKnobs(k *knob.Registry) {
	k.RegisterInt("unit_size", "the monitoring granularity in bytes", 4)
	k.RegisterInt("vw", "the vulnerability window (# dynamic inst)", 1000)
	k.RegisterBool("complex_idioms", "whether target complex idioms", false)
	k.RegisterBool("single_var_idioms", "whether only consider single variable idioms", false)
	k.RegisterBool("sync_only", "whether only monitor synchronization accesses", false)
	k.RegisterBool("shadow_observer", "whether the observer is shadow", false)
	k.RegisterBool("enable_observer", "whether enable the legacy dependency-only iroot observer", false)
	k.RegisterBool("enable_observer_new", "whether enable the iroot observer", true)
	k.RegisterBool("enable_sinst", "whether enable the shared instruction analyzer", true)
	k.RegisterMutex("please choose one observer", "enable_observer", "enable_observer_new")

	k.RegisterBool("strict", "whether use non-preemptive priorities", true)
	k.RegisterInt("lowest_realtime_priority", "the lowest realtime priority", 1)
	k.RegisterInt("highest_realtime_priority", "the highest realtime priority", 99)
	k.RegisterInt("lowest_nice_value", "the lowest nice value (high priority)", -20)
	k.RegisterInt("highest_nice_value", "the highest nice value (low priority)", 19)
	k.RegisterInt("cpu", "which cpu to run on", 0)
	k.RegisterInt("yield_delay_unit", "the delay unit in milliseconds", 1)
	k.RegisterInt("yield_delay_min_each", "the max accumulated delay per event slot (ms)", 1000)
	k.RegisterInt("yield_delay_max_total", "the max accumulated delay across slots (ms)", 5000)
	k.RegisterBool("ordered_new_thread_prio", "assign new thread priorities in order", false)
	k.RegisterInt("target_iroot", "the target iroot id (0 means choose from memo)", 0)
	k.RegisterInt("target_idiom", "the target idiom (0 means any idiom)", 0)
	k.RegisterBool("memo_failed", "whether memoize fail-to-expose iroots", true)
	k.RegisterBool("idiom4_fallthrough", "merge the early-watch e3 handling of idiom 4 with the late-watch handling", false)
	k.RegisterInt("random_seed", "the seed for scheduling decisions (0 uses the current time)", 0)

	k.RegisterBool("track_racy_inst", "whether track potential racy instructions", false)

	k.RegisterInt("depth", "the target bug depth", 3)
	k.RegisterStr("pct_history", "the pct history file path", "pct.histo")
	k.RegisterBool("delay", "whether inject delay instead of changing priorities at each change point", false)
	k.RegisterBool("float", "whether the number of change points depends on execution length", true)
	k.RegisterInt("float_interval", "average number of counted instructions between two change points", 50000)
	k.RegisterInt("num_chg_pts", "number of change points (when float is off)", 3)
	k.RegisterStr("rand_history", "the rand history file path", "rand.histo")

	k.RegisterStr("sinfo_in", "the input static info database path", "sinfo.db")
	k.RegisterStr("sinfo_out", "the output static info database path", "sinfo.db")
	k.RegisterStr("iroot_in", "the input iroot database path", "iroot.db")
	k.RegisterStr("iroot_out", "the output iroot database path", "iroot.db")
	k.RegisterStr("memo_in", "the input memoization database path", "memo.db")
	k.RegisterStr("memo_out", "the output memoization database path", "memo.db")
	k.RegisterStr("sinst_in", "the input shared inst database path", "sinst.db")
	k.RegisterStr("sinst_out", "the output shared inst database path", "sinst.db")
	k.RegisterStr("race_in", "the input race database path", "race.db")
	k.RegisterStr("race_out", "the output race database path", "race.db")
	k.RegisterStr("test_history", "the test history file path", "test.histo")
	k.RegisterStr("stat_out", "the statistics output path (empty writes to stderr)", "")
}

// Controller is the runtime context plus the analyzer set of one run.
type Controller struct {
	mode  Mode
	knobs *knob.Registry
	log   zerolog.Logger
	stat  *stat.Stat

	sinfo   *staticinfo.StaticInfo
	irootDB *iroot.DB
	memo    *memo.Memo
	sinstDB *sinst.SharedInstDB
	raceDB  *race.DB
	history *history.History

	observer  *observer.Observer
	scheduler *scheduler.Scheduler
	detector  *race.Detector

	analyzers []event.Analyzer

	// SchedulerDeps overrides parts of the scheduler wiring before Setup;
	// tests install a fake priority control and a deterministic OS-tid
	// mapping.
	SchedulerDeps scheduler.Deps

	exitCode int
}

// New creates a controller for one mode. RegisterKnobs must have been
// called on k, and knob values resolved, before New.
func New(mode Mode, k *knob.Registry, log zerolog.Logger) *Controller {
	return &Controller{
		mode:  mode,
		knobs: k,
		log:   log.With().Str("component", "controller").Logger(),
		stat:  stat.New(),
		sinfo: staticinfo.New(),
	}
}

// Stat returns the run's statistics table.
func (c *Controller) Stat() *stat.Stat { return c.stat }

// StaticInfo returns the static program info table.
func (c *Controller) StaticInfo() *staticinfo.StaticInfo { return c.sinfo }

// IRootDB returns the iRoot database.
func (c *Controller) IRootDB() *iroot.DB { return c.irootDB }

// Memo returns the memoization database.
func (c *Controller) Memo() *memo.Memo { return c.memo }

// RaceDB returns the race database.
func (c *Controller) RaceDB() *race.DB { return c.raceDB }

// Scheduler returns the active scheduler (nil outside ModeActive).
func (c *Controller) Scheduler() *scheduler.Scheduler { return c.scheduler }

// ExitCode returns the process exit status decided by Setup/Run.
func (c *Controller) ExitCode() int { return c.exitCode }

// Setup loads the databases and builds the mode's analyzer set. The
// returned proceed flag is false when the run should end immediately with
// the current exit code (no test target, or an invalid one).
func (c *Controller) Setup() (proceed bool, err error) {
	k := c.knobs
	if err := k.Validate(); err != nil {
		c.exitCode = 1
		return false, err
	}
	unitSize := uint64(k.ValueInt("unit_size"))
	if unitSize == 0 {
		return false, fmt.Errorf("controller: unit_size must be positive")
	}

	c.irootDB = iroot.NewDB()
	c.memo = memo.New(c.irootDB, c.log)
	c.sinstDB = sinst.NewDB()
	c.raceDB = race.NewDB()
	c.history = history.New()

	if err := c.loadDatabases(); err != nil {
		return false, err
	}

	switch c.mode {
	case ModeObserve:
		// exactly one observer flavor consumes the stream: the legacy
		// observer only derives direct dependencies (idiom 1), the new
		// one additionally honors the complex-idiom knobs
		opts := observer.Options{
			Shadow:          k.ValueBool("shadow_observer"),
			SyncOnly:        k.ValueBool("sync_only"),
			ComplexIdioms:   k.ValueBool("complex_idioms"),
			SingleVarIdioms: k.ValueBool("single_var_idioms"),
			UnitSize:        unitSize,
			VulnWindow:      uint64(k.ValueInt("vw")),
		}
		switch {
		case k.ValueBool("enable_observer"):
			opts.ComplexIdioms = false
			opts.SingleVarIdioms = false
		case k.ValueBool("enable_observer_new"):
			// opts as resolved
		default:
			c.exitCode = 1
			return false, fmt.Errorf("controller: no observer enabled")
		}
		c.observer = observer.New(opts, c.sinfo, c.irootDB, c.memo, c.sinstDB, c.stat, c.log)
		c.analyzers = append(c.analyzers, c.observer)
		if k.ValueBool("enable_sinst") {
			c.analyzers = append(c.analyzers, sinst.NewAnalyzer(c.sinstDB, unitSize, c.log))
		}

	case ModeActive:
		band := c.band()
		seed := k.ValueInt("random_seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		deps := c.SchedulerDeps
		if deps.Control == nil {
			deps.Control = osprio.NewControl(band.Strict)
		}
		deps.Memo = c.memo
		deps.History = c.history
		deps.Stat = c.stat
		deps.Log = c.log
		c.scheduler = scheduler.New(scheduler.Options{
			Band:                 band,
			CPU:                  int(k.ValueInt("cpu")),
			UnitSize:             unitSize,
			VulnWindow:           uint64(k.ValueInt("vw")),
			YieldDelayUnit:       time.Duration(k.ValueInt("yield_delay_unit")) * time.Millisecond,
			YieldDelayMinEach:    time.Duration(k.ValueInt("yield_delay_min_each")) * time.Millisecond,
			YieldDelayMaxTotal:   time.Duration(k.ValueInt("yield_delay_max_total")) * time.Millisecond,
			TargetIRoot:          uint32(k.ValueInt("target_iroot")),
			TargetIdiom:          int(k.ValueInt("target_idiom")),
			Idiom4Fallthrough:    k.ValueBool("idiom4_fallthrough"),
			OrderedNewThreadPrio: k.ValueBool("ordered_new_thread_prio"),
			Seed:                 seed,
		}, deps)
		ok, invalid := c.scheduler.Choose()
		if invalid {
			c.exitCode = 1
			return false, fmt.Errorf("controller: invalid target iroot id %d", k.ValueInt("target_iroot"))
		}
		if !ok {
			c.log.Info().Msg("no iroot to test")
			return false, nil
		}
		c.analyzers = append(c.analyzers, c.scheduler)

	case ModeRace:
		c.detector = race.New(race.Options{
			UnitSize:      unitSize,
			TrackRacyInst: k.ValueBool("track_racy_inst"),
		}, c.raceDB, c.stat, c.log)
		c.analyzers = append(c.analyzers, c.detector)

	case ModePCT:
		band := c.band()
		seed := k.ValueInt("random_seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		deps := pct.Deps{
			Control: c.SchedulerDeps.Control,
			Stat:    c.stat,
			Log:     c.log,
			OSTID:   c.SchedulerDeps.OSTID,
		}
		if deps.Control == nil {
			deps.Control = osprio.NewControl(band.Strict)
		}
		sched, err := pct.New(pct.Options{
			Band:        band,
			CPU:         int(k.ValueInt("cpu")),
			Depth:       int(k.ValueInt("depth")),
			HistoryPath: k.ValueStr("pct_history"),
			Seed:        seed,
		}, deps)
		if err != nil {
			return false, err
		}
		c.analyzers = append(c.analyzers, sched)

	case ModeRandom:
		band := c.band()
		seed := k.ValueInt("random_seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		deps := randsched.Deps{
			Control: c.SchedulerDeps.Control,
			Stat:    c.stat,
			Log:     c.log,
			OSTID:   c.SchedulerDeps.OSTID,
		}
		if deps.Control == nil {
			deps.Control = osprio.NewControl(band.Strict)
		}
		sched, err := randsched.New(randsched.Options{
			Band:            band,
			CPU:             int(k.ValueInt("cpu")),
			Delay:           k.ValueBool("delay"),
			Float:           k.ValueBool("float"),
			FloatInterval:   uint64(k.ValueInt("float_interval")),
			NumChangePoints: int(k.ValueInt("num_chg_pts")),
			HistoryPath:     k.ValueStr("rand_history"),
			Seed:            seed,
		}, deps)
		if err != nil {
			return false, err
		}
		c.analyzers = append(c.analyzers, sched)

	default:
		return false, fmt.Errorf("controller: unknown mode %d", int(c.mode))
	}
	return true, nil
}

// band derives the priority band from the discipline knobs.
func (c *Controller) band() osprio.Band {
	k := c.knobs
	band := osprio.Band{
		Strict:  k.ValueBool("strict"),
		Lowest:  k.ValueInt("lowest_realtime_priority"),
		Highest: k.ValueInt("highest_realtime_priority"),
	}
	if !band.Strict {
		band.Lowest = k.ValueInt("lowest_nice_value")
		band.Highest = k.ValueInt("highest_nice_value")
	}
	return band
}

// Analyzers returns the analyzer set built by Setup.
func (c *Controller) Analyzers() []event.Analyzer { return c.analyzers }

// Run replays a recorded trace through the analyzer set and persists state
// at the end.
func (c *Controller) Run(r io.Reader) error {
	rp := event.NewReplayer(c.sinfo, c.log, c.analyzers...)
	if err := rp.Replay(r); err != nil {
		return err
	}
	return c.Exit()
}

// Exit persists the databases and dumps statistics. Safe to call once
// after the event stream ends.
func (c *Controller) Exit() error {
	if c.mode == ModeActive && c.scheduler != nil {
		// a run that never reached the exposure records a failed test
		c.scheduler.ProgramExit()
		c.memo.RefineCandidate(c.knobs.ValueBool("memo_failed"))
	}
	if err := c.saveDatabases(); err != nil {
		return err
	}
	if err := c.stat.Display(c.knobs.ValueStr("stat_out")); err != nil {
		return err
	}
	return nil
}

// loadDatabases reads every persisted database. The static info table
// loads first and the iRoot database next, since the others resolve
// instruction and iRoot ids against them; the rest load concurrently.
func (c *Controller) loadDatabases() error {
	k := c.knobs
	if err := c.sinfo.Load(k.ValueStr("sinfo_in")); err != nil {
		return err
	}
	if err := c.irootDB.Load(k.ValueStr("iroot_in"), c.sinfo); err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error { return c.memo.Load(k.ValueStr("memo_in")) })
	g.Go(func() error { return c.sinstDB.Load(k.ValueStr("sinst_in"), c.sinfo) })
	g.Go(func() error { return c.raceDB.Load(k.ValueStr("race_in"), c.sinfo) })
	g.Go(func() error { return c.history.Load(k.ValueStr("test_history")) })
	return g.Wait()
}

// saveDatabases writes every database back. The static info table saves
// first so a crash between writes still leaves loadable databases.
func (c *Controller) saveDatabases() error {
	k := c.knobs
	if err := c.sinfo.Save(k.ValueStr("sinfo_out")); err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error { return c.irootDB.Save(k.ValueStr("iroot_out")) })
	g.Go(func() error { return c.memo.Save(k.ValueStr("memo_out")) })
	g.Go(func() error { return c.sinstDB.Save(k.ValueStr("sinst_out")) })
	g.Go(func() error { return c.raceDB.Save(k.ValueStr("race_out")) })
	g.Go(func() error { return c.history.Save(k.ValueStr("test_history")) })
	return g.Wait()
}
