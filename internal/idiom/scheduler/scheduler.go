// Package scheduler implements the active scheduler: given one target
// iRoot, it drives the OS scheduler (thread priorities on a single CPU) to
// force the target's interleaving to occur within the vulnerability window.
//
// One state machine per idiom consumes the event stream. States record
// which target events have occurred and in which threads; watch phases
// inspect every memory touch against the recorded slots and either advance,
// hold an intruding thread, or give up the scenario under the backpressure
// bounds.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/osprio"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/history"
	"github.com/kolkov/interleave/internal/idiom/iroot"
	"github.com/kolkov/interleave/internal/idiom/memo"
)

// flushTokenRefill throttles code-cache flushes issued from idle states.
const flushTokenRefill = 10

// CacheFlusher asks the instrumentation substrate to re-instrument the
// next trace. Entering a watch state flushes so that subsequent accesses
// are delivered with the new watch callbacks in place.
type CacheFlusher interface {
	Flush()
}

// NopFlusher is the flusher used when no substrate is attached (replay).
type NopFlusher struct{}

// Flush implements CacheFlusher.
func (NopFlusher) Flush() {}

// Options carries the scheduler's configuration snapshot.
type Options struct {
	// Band is the priority band (strict real-time or relaxed nice).
	Band osprio.Band
	// CPU is the processor every thread is pinned to.
	CPU int
	// UnitSize is the monitoring granularity in bytes.
	UnitSize uint64
	// VulnWindow is the vulnerability window in dynamic instructions.
	VulnWindow uint64

	// YieldDelayUnit is one backpressure sleep.
	YieldDelayUnit time.Duration
	// YieldDelayMinEach bounds the accumulated sleep per event slot.
	YieldDelayMinEach time.Duration
	// YieldDelayMaxTotal bounds the accumulated sleep across all slots.
	YieldDelayMaxTotal time.Duration

	// TargetIRoot selects a specific iRoot id to test (0 = pick from the
	// memoization database).
	TargetIRoot uint32
	// TargetIdiom restricts memo-driven selection to one idiom (0 = any).
	TargetIdiom int

	// Idiom4Fallthrough merges the early-watch e3 handling of idiom 4
	// with the late-watch handling.
	Idiom4Fallthrough bool

	// OrderedNewThreadPrio assigns pool priorities in band order instead
	// of a shuffled order.
	OrderedNewThreadPrio bool

	// Seed seeds the slot-reclaim coin flips.
	Seed int64
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Memo    *memo.Memo
	History *history.History
	Control osprio.Control
	Flusher CacheFlusher
	Stat    *stat.Stat
	Log     zerolog.Logger
	// OSTID resolves a logical thread to the OS thread the hook runs on.
	// The production value reads the calling thread's id; tests supply a
	// deterministic mapping.
	OSTID func(event.ThreadID) int
}

// machine is one idiom's state machine. All methods run with the scheduler
// lock held; access returns true when the event should be re-evaluated
// after a backpressure sleep.
type machine interface {
	reset()
	access(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) (retry bool)
	instCount(tid event.ThreadID, c uint64)
	state() string
	done() bool
}

// Scheduler is the active scheduler analyzer.
type Scheduler struct {
	event.BaseAnalyzer

	mu sync.Mutex

	opts Options
	deps Deps
	log  zerolog.Logger
	rng  *rand.Rand

	curr    *iroot.IRoot
	mach    machine
	pool    *osprio.NewThreadPool
	threads *osprio.ThreadRegistry
	// alive tracks the logical threads whose priorities the machines may
	// steer.
	alive map[event.ThreadID]bool

	delaySet map[event.ThreadID]bool

	slotDelay  []time.Duration
	totalDelay time.Duration

	flushToken int

	mainStarted bool
	exposed     bool
	finished    bool
}

// New creates a scheduler. Choose must be called before events arrive.
func New(opts Options, deps Deps) *Scheduler {
	if deps.OSTID == nil {
		deps.OSTID = func(event.ThreadID) int { return osprio.CurrentOSTID() }
	}
	if deps.Flusher == nil {
		deps.Flusher = NopFlusher{}
	}
	return &Scheduler{
		opts:       opts,
		deps:       deps,
		log:        deps.Log.With().Str("component", "scheduler").Logger(),
		rng:        rand.New(rand.NewSource(opts.Seed)),
		threads:    osprio.NewThreadRegistry(),
		alive:      make(map[event.ThreadID]bool),
		delaySet:   make(map[event.ThreadID]bool),
		flushToken: flushTokenRefill,
	}
}

// Name implements event.Analyzer.
func (s *Scheduler) Name() string { return "scheduler" }

// Choose selects the test target before the program starts. It returns
// false when no iRoot is available to test; a targeted run with an unknown
// id is a configuration error reported by the caller.
func (s *Scheduler) Choose() (ok, invalidTarget bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.opts.TargetIRoot != 0:
		s.curr = s.deps.Memo.ChooseForTestByID(s.opts.TargetIRoot, true)
		if s.curr == nil {
			return false, true
		}
	case s.opts.TargetIdiom != 0:
		s.curr = s.deps.Memo.ChooseForTestByIdiom(iroot.IdiomType(s.opts.TargetIdiom), true)
	default:
		s.curr = s.deps.Memo.ChooseForTest(true)
	}
	if s.curr == nil {
		return false, false
	}

	decreasing := s.useDecreasingPriorities()
	s.pool = osprio.NewNewThreadPool(s.opts.Band, decreasing)
	if !s.opts.OrderedNewThreadPrio {
		s.pool.Shuffle(s.rng)
	}
	s.slotDelay = make([]time.Duration, s.curr.NumEvents())
	s.mach = s.newMachine(s.curr.Idiom())
	s.mach.reset()
	s.log.Info().Uint32("iroot", s.curr.ID()).Stringer("idiom", s.curr.Idiom()).
		Bool("decreasing_prios", decreasing).Msg("test target chosen")
	return true, false
}

// Target returns the iRoot under test (nil before Choose).
func (s *Scheduler) Target() *iroot.IRoot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curr
}

// Exposed reports whether the target has been actively exposed.
func (s *Scheduler) Exposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposed
}

// State returns the current machine state name, for tests and logs.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mach == nil {
		return "NONE"
	}
	return s.mach.state()
}

func (s *Scheduler) newMachine(t iroot.IdiomType) machine {
	switch t {
	case iroot.Idiom1:
		return &idiom1Machine{s: s}
	case iroot.Idiom2:
		return &idiom2Machine{s: s}
	case iroot.Idiom3:
		return &idiom34Machine{s: s, idiom: iroot.Idiom3}
	case iroot.Idiom4:
		return &idiom34Machine{s: s, idiom: iroot.Idiom4, fallthroughE3: s.opts.Idiom4Fallthrough}
	case iroot.Idiom5:
		return &idiom5Machine{s: s}
	default:
		s.log.Error().Int("idiom", int(t)).Msg("unknown idiom, scheduler disabled")
		return nil
	}
}

// useDecreasingPriorities alternates the new-thread priority order between
// test runs of the same target: history counts drive targeted runs, memo
// counts drive memo-driven ones.
func (s *Scheduler) useDecreasingPriorities() bool {
	if s.opts.TargetIRoot != 0 {
		return s.deps.History.TotalTestRuns(s.curr)%2 == 0
	}
	return s.deps.Memo.TotalTestRuns(s.curr, true)%2 == 0
}

// ThreadStart pins affinity on main start and assigns the new thread its
// pool priority.
func (s *Scheduler) ThreadStart(curr, parent event.ThreadID) {
	osTID := s.deps.OSTID(curr)
	s.threads.Register(curr, osTID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[curr] = true
	if s.curr == nil {
		return
	}
	if !s.mainStarted {
		s.mainStarted = true
		// all threads share one CPU so that priority alone decides the
		// execution order
		if err := s.deps.Control.SetAffinity(osTID, s.opts.CPU); err != nil {
			s.log.Fatal().Err(err).Int("cpu", s.opts.CPU).Msg("set affinity failed")
		}
		s.setPriority(curr, s.opts.Band.Normal())
		return
	}
	s.setPriority(curr, s.pool.Next())
}

// ThreadExit drops the thread from the steering tables.
func (s *Scheduler) ThreadExit(curr event.ThreadID, clk event.Timestamp) {
	s.mu.Lock()
	delete(s.alive, curr)
	delete(s.delaySet, curr)
	s.mu.Unlock()
	s.threads.Unregister(curr)
}

// SchedYield drops the yielding thread to the band minimum so another
// thread can run.
func (s *Scheduler) SchedYield(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curr == nil {
		return
	}
	s.setPriority(tid, s.opts.Band.Min())
}

// BeforeMemRead implements event.Analyzer.
func (s *Scheduler) BeforeMemRead(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	s.handleAccess(tid, inst, iroot.MemRead, addr, size)
}

// BeforeMemWrite implements event.Analyzer.
func (s *Scheduler) BeforeMemWrite(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	s.handleAccess(tid, inst, iroot.MemWrite, addr, size)
}

// AfterPthreadMutexLock implements event.Analyzer.
func (s *Scheduler) AfterPthreadMutexLock(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	s.handleAccess(tid, inst, iroot.MutexLock, addr, s.opts.UnitSize)
}

// BeforePthreadMutexUnlock implements event.Analyzer.
func (s *Scheduler) BeforePthreadMutexUnlock(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	s.handleAccess(tid, inst, iroot.MutexUnlock, addr, s.opts.UnitSize)
}

// BeforePthreadCondWait treats the release half of a condition wait as a
// mutex unlock.
func (s *Scheduler) BeforePthreadCondWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	s.handleAccess(tid, inst, iroot.MutexUnlock, mutexAddr, s.opts.UnitSize)
}

// AfterPthreadCondWait treats the re-acquire half as a mutex lock.
func (s *Scheduler) AfterPthreadCondWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	s.handleAccess(tid, inst, iroot.MutexLock, mutexAddr, s.opts.UnitSize)
}

// BeforePthreadCondTimedwait implements event.Analyzer.
func (s *Scheduler) BeforePthreadCondTimedwait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	s.BeforePthreadCondWait(tid, clk, inst, condAddr, mutexAddr)
}

// AfterPthreadCondTimedwait implements event.Analyzer.
func (s *Scheduler) AfterPthreadCondTimedwait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	s.AfterPthreadCondWait(tid, clk, inst, condAddr, mutexAddr)
}

// WatchInstCount advances the active watch windows and throttles flushes
// issued from idle states.
func (s *Scheduler) WatchInstCount(tid event.ThreadID, c uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mach == nil || s.mach.done() {
		return
	}
	s.mach.instCount(tid, c)
}

// ProgramExit finalizes the test: a run that never exposed the target is a
// failed test.
func (s *Scheduler) ProgramExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curr == nil || s.finished {
		return
	}
	s.finished = true
	if !s.exposed {
		if s.opts.TargetIRoot == 0 {
			s.deps.Memo.TestFail(s.curr, true)
		}
		s.deps.History.Update(s.curr, false)
		s.log.Info().Uint32("iroot", s.curr.ID()).Msg("test finished without exposure")
	}
}

func (s *Scheduler) handleAccess(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mach == nil || s.mach.done() || s.finished {
		return
	}
	for s.mach.access(tid, inst, typ, addr, size) {
		if s.mach.done() || s.finished {
			return
		}
	}
}

// matchEvent reports whether (inst, typ) is target event j.
func (s *Scheduler) matchEvent(j int, inst *staticinfo.Inst, typ iroot.EventType) bool {
	if inst == nil {
		return false
	}
	e := s.curr.GetEvent(j)
	return e.Inst() == inst && e.Type() == typ
}

// setPriority applies a band priority to a logical thread. A failed
// priority syscall is fatal.
func (s *Scheduler) setPriority(tid event.ThreadID, prio int) {
	osTID, ok := s.threads.Lookup(tid)
	if !ok {
		s.log.Debug().Uint64("thd", uint64(tid)).Msg("priority write for unregistered thread")
		return
	}
	s.log.Debug().Uint64("thd", uint64(tid)).Int("prio", prio).Msg("set priority")
	if err := s.deps.Control.SetPriority(osTID, prio); err != nil {
		s.log.Fatal().Err(err).Uint64("thd", uint64(tid)).Msg("set priority failed")
	}
	s.deps.Stat.Inc("sched_prio_writes", 1, true)
}

// setOthers applies a priority to every live thread except tid.
func (s *Scheduler) setOthers(tid event.ThreadID, prio int) {
	for t := range s.alive {
		if t != tid {
			s.setPriority(t, prio)
		}
	}
}

// delayThread parks an intruding thread: minimum priority, remembered in
// the delay set so a give-up can wake it.
func (s *Scheduler) delayThread(tid event.ThreadID) {
	if s.delaySet[tid] {
		return
	}
	s.delaySet[tid] = true
	s.setPriority(tid, s.opts.Band.Min())
	s.deps.Stat.Inc("sched_delays", 1, true)
}

// wakeDelaySet restores every parked thread to normal priority.
func (s *Scheduler) wakeDelaySet() {
	for tid := range s.delaySet {
		s.setPriority(tid, s.opts.Band.Normal())
	}
	s.delaySet = make(map[event.ThreadID]bool)
}

// restoreAll returns every live thread to normal priority.
func (s *Scheduler) restoreAll() {
	for tid := range s.alive {
		s.setPriority(tid, s.opts.Band.Normal())
	}
	s.delaySet = make(map[event.ThreadID]bool)
}

// checkGiveup decides whether a threatened scenario must be abandoned.
// While both the per-slot and the total accumulated delays are within
// bounds it sleeps one delay unit (releasing the scheduler lock) and
// returns false so the caller re-evaluates; otherwise it returns true and
// the caller resets.
func (s *Scheduler) checkGiveup(slotIdx int) bool {
	if slotIdx < 0 || slotIdx >= len(s.slotDelay) {
		s.log.Error().Int("slot", slotIdx).Msg("give-up check for unknown slot")
		return true
	}
	if s.slotDelay[slotIdx] > s.opts.YieldDelayMinEach ||
		s.totalDelay > s.opts.YieldDelayMaxTotal {
		return true
	}
	s.slotDelay[slotIdx] += s.opts.YieldDelayUnit
	s.totalDelay += s.opts.YieldDelayUnit
	s.deps.Stat.Inc("sched_giveup_sleeps", 1, true)
	s.mu.Unlock()
	time.Sleep(s.opts.YieldDelayUnit)
	s.mu.Lock()
	return false
}

// resetScenario wakes the delay set and clears per-slot delays for a fresh
// attempt. The total delay keeps accumulating across attempts.
func (s *Scheduler) resetScenario() {
	s.wakeDelaySet()
	for i := range s.slotDelay {
		s.slotDelay[i] = 0
	}
}

// activelyExposed records a successful exposure. Called exactly once, from
// the machine that observed the final event.
func (s *Scheduler) activelyExposed() {
	if s.exposed {
		s.log.Error().Msg("activelyExposed called twice")
		return
	}
	s.exposed = true
	if s.opts.TargetIRoot == 0 {
		s.deps.Memo.TestSuccess(s.curr, true)
	}
	s.deps.History.Update(s.curr, true)
	s.restoreAll()
	s.deps.Stat.Inc("sched_exposed", 1, true)
	s.log.Info().Uint32("iroot", s.curr.ID()).Stringer("idiom", s.curr.Idiom()).
		Msg("target iroot actively exposed")
}

// flushWatch flushes the code cache on watch entry.
func (s *Scheduler) flushWatch() {
	s.deps.Flusher.Flush()
	s.flushToken = flushTokenRefill
}

// flushIdle throttles flushes requested from idle states: decrement a
// token, flush on underflow, refill.
func (s *Scheduler) flushIdle() {
	s.flushToken--
	if s.flushToken < 0 {
		s.deps.Flusher.Flush()
		s.flushToken = flushTokenRefill
	}
}

// reclaim decides whether an already-assigned slot is stolen by a new
// matching thread. Short chains reclaim at even odds; with a long chain
// open the established assignment is favored.
func (s *Scheduler) reclaim(longChain bool) bool {
	p := 0.5
	if longChain {
		p = 0.2
	}
	return s.rng.Float64() < p
}

// overlap reports whether [aAddr, aAddr+aSize) intersects
// [bAddr, bAddr+bSize).
func overlap(aAddr event.Addr, aSize uint64, bAddr event.Addr, bSize uint64) bool {
	return aAddr < bAddr+event.Addr(bSize) && bAddr < aAddr+event.Addr(aSize)
}
