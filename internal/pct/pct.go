// Package pct implements a probabilistic concurrency testing scheduler:
// every thread gets a distinct base priority, and at d-1 randomly chosen
// points of the execution the running thread is demoted to a low priority,
// which suffices to expose any bug of depth d with probability 1/(n*k^(d-1)).
//
// Unlike the active scheduler, pct needs no target iRoot; it randomizes
// every run and relies on the execution history to place its priority
// change points.
package pct

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/osprio"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// Options carries the pct scheduler's configuration snapshot.
type Options struct {
	// Band is the priority band.
	Band osprio.Band
	// CPU is the processor every thread is pinned to.
	CPU int
	// Depth is the target bug depth; depth-1 priority change points are
	// placed per run.
	Depth int
	// HistoryPath is the execution history file.
	HistoryPath string
	// Seed seeds the change-point placement (0 is a valid fixed seed).
	Seed int64
}

// Deps are the pct scheduler's collaborators.
type Deps struct {
	Control osprio.Control
	Stat    *stat.Stat
	Log     zerolog.Logger
	OSTID   func(event.ThreadID) int
}

// Scheduler is the pct scheduler analyzer.
type Scheduler struct {
	event.BaseAnalyzer

	mu sync.Mutex

	opts Options
	deps Deps
	log  zerolog.Logger

	history *History
	threads *osprio.ThreadRegistry

	changePoints    []uint64
	changePriosCur  int
	changePrios     []int
	newThreadPrios  []int
	newThreadCursor int

	totalInstCount uint64
	totalThreads   uint64
	currThreads    int
	startInstCount bool
	mainStarted    bool
	changeCursor   int
}

// New creates a pct scheduler and loads its execution history from
// opts.HistoryPath (a missing file yields an empty history).
func New(opts Options, deps Deps) (*Scheduler, error) {
	if deps.OSTID == nil {
		deps.OSTID = func(event.ThreadID) int { return osprio.CurrentOSTID() }
	}
	s := &Scheduler{
		opts:    opts,
		deps:    deps,
		log:     deps.Log.With().Str("component", "pct").Logger(),
		history: NewHistory(),
		threads: osprio.NewThreadRegistry(),
	}
	if err := s.history.Load(opts.HistoryPath); err != nil {
		return nil, err
	}
	// with no history the first run only samples the execution length
	depth := opts.Depth
	if s.history.Empty() {
		depth = 1
	}
	s.randomize(depth)
	return s, nil
}

// Name implements event.Analyzer.
func (s *Scheduler) Name() string { return "pct" }

// randomize fills the change priorities, the new-thread priorities, and
// the change points drawn against the historical execution length.
func (s *Scheduler) randomize(depth int) {
	rng := rand.New(rand.NewSource(s.opts.Seed))
	b := s.opts.Band
	if b.Strict {
		low := int(b.Lowest)
		high := int(b.Highest)
		for i := depth - 2; i >= 0; i-- {
			s.changePrios = append(s.changePrios, low+i)
		}
		for i := 0; i < high-low-depth+2; i++ {
			s.newThreadPrios = append(s.newThreadPrios, low+depth-1+i)
		}
	} else {
		low := int(b.Lowest)
		high := int(b.Highest)
		for i := depth - 2; i >= 0; i-- {
			s.changePrios = append(s.changePrios, high-i)
		}
		for i := 0; i < high-low-depth+2; i++ {
			s.newThreadPrios = append(s.newThreadPrios, low+i)
		}
	}
	rng.Shuffle(len(s.newThreadPrios), func(i, j int) {
		s.newThreadPrios[i], s.newThreadPrios[j] = s.newThreadPrios[j], s.newThreadPrios[i]
	})

	avg := s.history.AvgInstCount()
	for i := 1; i < depth; i++ {
		s.changePoints = append(s.changePoints, uint64(float64(avg)*rng.Float64()))
	}
	sort.Slice(s.changePoints, func(i, j int) bool { return s.changePoints[i] < s.changePoints[j] })
	s.log.Debug().Int("depth", depth).Uint64("avg_inst", avg).
		Ints("change_prios", s.changePrios).Msg("pct randomized")
}

// ThreadStart assigns the new thread its base priority; the main thread
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
		if err := s.deps.Control.SetAffinity(osTID, s.opts.CPU); err != nil {
			s.log.Fatal().Err(err).Int("cpu", s.opts.CPU).Msg("set affinity failed")
		}
	} else {
		s.startInstCount = true
	}
	s.setPriority(curr, s.nextNewThreadPriority())
}

// ThreadExit stops instruction counting when the last child exits.
func (s *Scheduler) ThreadExit(curr event.ThreadID, clk event.Timestamp) {
	s.mu.Lock()
	s.currThreads--
	if s.currThreads <= 1 {
		s.startInstCount = false
	}
	s.mu.Unlock()
	s.threads.Unregister(curr)
}

// SchedYield drops the yielding thread to the band minimum so another
// thread can run. Only the strict discipline reacts to yields.
func (s *Scheduler) SchedYield(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Band.Strict {
		return
	}
	s.setPriority(tid, s.opts.Band.Min())
}

// WatchInstCount advances the execution counter and applies a priority
// change when a change point is crossed.
func (s *Scheduler) WatchInstCount(tid event.ThreadID, c uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.startInstCount {
		return
	}
	s.totalInstCount += c
	if s.needChange(s.totalInstCount) {
		s.setPriority(tid, s.nextChangePriority())
		s.deps.Stat.Inc("pct_prio_changes", 1, true)
	}
}

// ProgramExit folds this run's execution length into the history.
func (s *Scheduler) ProgramExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Update(s.totalInstCount, s.totalThreads)
	if err := s.history.Save(s.opts.HistoryPath); err != nil {
		s.log.Error().Err(err).Msg("save pct history failed")
	}
}

func (s *Scheduler) needChange(k uint64) bool {
	if s.changeCursor < len(s.changePoints) && k >= s.changePoints[s.changeCursor] {
		s.changeCursor++
		return true
	}
	return false
}

func (s *Scheduler) nextNewThreadPriority() int {
	if len(s.newThreadPrios) == 0 {
		return s.opts.Band.Normal()
	}
	p := s.newThreadPrios[s.newThreadCursor%len(s.newThreadPrios)]
	s.newThreadCursor++
	return p
}

func (s *Scheduler) nextChangePriority() int {
	if len(s.changePrios) == 0 {
		return s.opts.Band.Min()
	}
	p := s.changePrios[s.changePriosCur%len(s.changePrios)]
	s.changePriosCur++
	return p
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

// TotalInstCount returns the execution length seen so far.
func (s *Scheduler) TotalInstCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInstCount
}
