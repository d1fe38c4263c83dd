// Package randsched implements the random scheduler: at randomly placed
// points of the execution it either re-draws the running thread's priority
// from the whole band, or (in delay mode) injects a random sleep. The
// change points are scaled against the execution length of past runs.
package randsched

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/osprio"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/pct"
)

// Options carries the random scheduler's configuration snapshot.
type Options struct {
	// Band is the priority band (ignored in delay mode).
	Band osprio.Band
	// CPU is the processor every thread is pinned to (priority mode).
	CPU int
	// Delay injects sleeps at change points instead of changing
	// priorities.
	Delay bool
	// Float scales the number of change points with the execution
	// length; otherwise NumChangePoints is used.
	Float bool
	// FloatInterval is the average number of counted instructions
	// between change points in float mode.
	FloatInterval uint64
	// NumChangePoints is the fixed change point count when Float is off.
	NumChangePoints int
	// HistoryPath is the execution history file.
	HistoryPath string
	// Seed seeds change-point placement and the draws.
	Seed int64
}

// Deps are the random scheduler's collaborators.
type Deps struct {
	Control osprio.Control
	Stat    *stat.Stat
	Log     zerolog.Logger
	OSTID   func(event.ThreadID) int
	// Sleep is the delay-mode sleeper; tests replace it to avoid real
	// sleeps.
	Sleep func(time.Duration)
}

// Scheduler is the random scheduler analyzer.
type Scheduler struct {
	event.BaseAnalyzer

	mu sync.Mutex

	opts Options
	deps Deps
	log  zerolog.Logger
	rng  *rand.Rand

	history *pct.History
	threads *osprio.ThreadRegistry

	prios        []int
	changePoints []uint64
	changeCursor int
	delayUnit    time.Duration

	totalInstCount uint64
	totalThreads   uint64
	currThreads    int
	startSched     bool
	mainStarted    bool
}

// New creates a random scheduler and loads its execution history.
func New(opts Options, deps Deps) (*Scheduler, error) {
	if deps.OSTID == nil {
		deps.OSTID = func(event.ThreadID) int { return osprio.CurrentOSTID() }
	}
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}
	s := &Scheduler{
		opts:    opts,
		deps:    deps,
		log:     deps.Log.With().Str("component", "randsched").Logger(),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		history: pct.NewHistory(),
		threads: osprio.NewThreadRegistry(),
	}
	if err := s.history.Load(opts.HistoryPath); err != nil {
		return nil, err
	}
	s.randomize()
	return s, nil
}

// Name implements event.Analyzer.
func (s *Scheduler) Name() string { return "randsched" }

func (s *Scheduler) randomize() {
	if !s.opts.Delay {
		b := s.opts.Band
		if b.Strict {
			for p := int(b.Lowest); p <= int(b.Highest); p++ {
				s.prios = append(s.prios, p)
			}
		} else {
			for p := int(b.Highest); p >= int(b.Lowest); p-- {
				s.prios = append(s.prios, p)
			}
		}
	}

	if s.history.Empty() {
		return
	}
	avg := s.history.AvgInstCount()
	var numChgPts int
	if s.opts.Float {
		interval := s.opts.FloatInterval
		if interval == 0 {
			interval = 50000
		}
		numChgPts = int(avg/interval) + 1
		s.delayUnit = 50 * time.Millisecond
	} else {
		numChgPts = s.opts.NumChangePoints
		s.delayUnit = time.Duration(avg/500+1) * time.Microsecond
	}
	for i := 0; i < numChgPts; i++ {
		s.changePoints = append(s.changePoints, uint64(float64(avg)*s.rng.Float64()))
	}
	sort.Slice(s.changePoints, func(i, j int) bool { return s.changePoints[i] < s.changePoints[j] })
	s.log.Debug().Int("change_points", numChgPts).Uint64("avg_inst", avg).
		Dur("delay_unit", s.delayUnit).Msg("randsched randomized")
}

// ThreadStart assigns a random priority (priority mode); the main thread
// additionally pins affinity.
func (s *Scheduler) ThreadStart(curr, parent event.ThreadID) {
	osTID := s.deps.OSTID(curr)
	s.threads.Register(curr, osTID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.currThreads++
	s.totalThreads++
	if !s.mainStarted {
		s.mainStarted = true
		if !s.opts.Delay {
			if err := s.deps.Control.SetAffinity(osTID, s.opts.CPU); err != nil {
				s.log.Fatal().Err(err).Int("cpu", s.opts.CPU).Msg("set affinity failed")
			}
			s.setPriority(curr, s.randomPriority())
		}
		return
	}
	s.startSched = true
	if !s.opts.Delay {
		s.setPriority(curr, s.randomPriority())
	}
}

// ThreadExit stops scheduling changes when the last child exits.
func (s *Scheduler) ThreadExit(curr event.ThreadID, clk event.Timestamp) {
	s.mu.Lock()
	s.currThreads--
	if s.currThreads <= 1 {
		s.startSched = false
	}
	s.mu.Unlock()
	s.threads.Unregister(curr)
}

// WatchInstCount advances the execution counter and fires a change when a
// change point is crossed.
func (s *Scheduler) WatchInstCount(tid event.ThreadID, c uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.startSched {
		return
	}
	s.totalInstCount += c
	if !s.needChange(s.totalInstCount) {
		return
	}
	if s.opts.Delay {
		d := time.Duration(float64(s.delayUnit) * s.rng.Float64())
		s.log.Debug().Uint64("thd", uint64(tid)).Dur("delay", d).Msg("inject delay")
		s.deps.Stat.Inc("randsched_delays", 1, true)
		s.mu.Unlock()
		s.deps.Sleep(d)
		s.mu.Lock()
		return
	}
	s.setPriority(tid, s.randomPriority())
	s.deps.Stat.Inc("randsched_prio_changes", 1, true)
}

// ProgramExit folds this run's execution length into the history.
func (s *Scheduler) ProgramExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Update(s.totalInstCount, s.totalThreads)
	if err := s.history.Save(s.opts.HistoryPath); err != nil {
		s.log.Error().Err(err).Msg("save rand history failed")
	}
}

func (s *Scheduler) needChange(k uint64) bool {
	if s.changeCursor < len(s.changePoints) && k >= s.changePoints[s.changeCursor] {
		s.changeCursor++
		return true
	}
	return false
}

func (s *Scheduler) randomPriority() int {
	if len(s.prios) == 0 {
		return s.opts.Band.Normal()
	}
	return s.prios[s.rng.Intn(len(s.prios))]
}

func (s *Scheduler) setPriority(tid event.ThreadID, prio int) {
	osTID, ok := s.threads.Lookup(tid)
	if !ok {
		return
	}
	s.log.Debug().Uint64("thd", uint64(tid)).Int("prio", prio).Msg("set priority")
	if err := s.deps.Control.SetPriority(osTID, prio); err != nil {
		s.log.Fatal().Err(err).Uint64("thd", uint64(tid)).Msg("set priority failed")
	}
}
