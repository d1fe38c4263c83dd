// Package race implements the happens-before data race detector and the
// race database. The detector consumes the same event stream as the iRoot
// observer, maintains vector clocks per thread and per synchronization
// object, and reports pairs of conflicting accesses not ordered by any
// synchronization path.
package race

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/filter"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/core/vectorclock"
)

// Options carries the detector's configuration snapshot.
type Options struct {
	// UnitSize is the monitoring granularity in bytes.
	UnitSize uint64
	// TrackRacyInst records the instruction set of racy locations and
	// flags them in the race database when the location is freed.
	TrackRacyInst bool
}

// mutexMeta is the vector clock released at the last unlock.
type mutexMeta struct {
	vc *vectorclock.VectorClock
}

// condMeta tracks waiters and pending signal clocks of one condition
// variable.
type condMeta struct {
	waitTable   map[event.ThreadID]*vectorclock.VectorClock
	signalTable map[event.ThreadID]*vectorclock.VectorClock
}

// barrierEntry is one waiter's clock and its post-barrier flag.
type barrierEntry struct {
	vc      *vectorclock.VectorClock
	flagged bool
}

// barrierMeta keeps two alternating wait tables so that consecutive
// barrier rounds stay isolated even when a fast thread re-enters the
// barrier before a slow one has left.
type barrierMeta struct {
	waitTable1     map[event.ThreadID]*barrierEntry
	waitTable2     map[event.ThreadID]*barrierEntry
	preUsingTable1 bool
	postUsingTable1 bool
}

func newBarrierMeta() *barrierMeta {
	return &barrierMeta{
		waitTable1:      make(map[event.ThreadID]*barrierEntry),
		waitTable2:      make(map[event.ThreadID]*barrierEntry),
		preUsingTable1:  true,
		postUsingTable1: true,
	}
}

// Detector is the happens-before race detector analyzer.
type Detector struct {
	event.BaseAnalyzer

	mu sync.Mutex

	opts   Options
	raceDB *DB
	filter *filter.RegionFilter
	stat   *stat.Stat
	log    zerolog.Logger

	vcMap     map[event.ThreadID]*vectorclock.VectorClock
	atomicMap map[event.ThreadID]bool

	metaTable        map[event.Addr]*djitMeta
	mutexMetaTable   map[event.Addr]*mutexMeta
	condMetaTable    map[event.Addr]*condMeta
	barrierMetaTable map[event.Addr]*barrierMeta
}

// New creates a detector reporting into db.
func New(opts Options, db *DB, st *stat.Stat, log zerolog.Logger) *Detector {
	return &Detector{
		opts:             opts,
		raceDB:           db,
		filter:           filter.NewRegionFilter(),
		stat:             st,
		log:              log.With().Str("component", "race").Logger(),
		vcMap:            make(map[event.ThreadID]*vectorclock.VectorClock),
		atomicMap:        make(map[event.ThreadID]bool),
		metaTable:        make(map[event.Addr]*djitMeta),
		mutexMetaTable:   make(map[event.Addr]*mutexMeta),
		condMetaTable:    make(map[event.Addr]*condMeta),
		barrierMetaTable: make(map[event.Addr]*barrierMeta),
	}
}

// Name implements event.Analyzer.
func (d *Detector) Name() string { return "race" }

// ThreadStart initializes the thread's clock: one tick of its own, joined
// with the parent's clock, which then ticks past the fork.
func (d *Detector) ThreadStart(curr, parent event.ThreadID) {
	vc := vectorclock.New()
	d.mu.Lock()
	defer d.mu.Unlock()
	vc.Increment(curr)
	if parent != event.InvalidThreadID {
		parentVC := d.vcMap[parent]
		if parentVC == nil {
			d.log.Error().Uint64("parent", uint64(parent)).Msg("thread start before parent")
		} else {
			vc.Join(parentVC)
			parentVC.Increment(parent)
		}
	}
	d.vcMap[curr] = vc
	d.atomicMap[curr] = false
}

// BeforeMemRead implements event.Analyzer.
func (d *Detector) BeforeMemRead(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filter.Filter(addr, true) {
		return
	}
	if d.atomicMap[tid] {
		return
	}
	start := event.UnitDown(addr, d.opts.UnitSize)
	end := event.UnitUp(addr+event.Addr(size), d.opts.UnitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(d.opts.UnitSize) {
		d.processRead(tid, d.getMeta(iaddr), inst)
	}
}

// BeforeMemWrite implements event.Analyzer.
func (d *Detector) BeforeMemWrite(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filter.Filter(addr, true) {
		return
	}
	if d.atomicMap[tid] {
		return
	}
	start := event.UnitDown(addr, d.opts.UnitSize)
	end := event.UnitUp(addr+event.Addr(size), d.opts.UnitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(d.opts.UnitSize) {
		d.processWrite(tid, d.getMeta(iaddr), inst)
	}
}

// BeforeAtomicInst suppresses race checks until the matching end hook;
// atomic instructions are race-free at the language level.
func (d *Detector) BeforeAtomicInst(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, op string, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.atomicMap[tid] = true
}

// AfterAtomicInst re-enables race checks.
func (d *Detector) AfterAtomicInst(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, op string, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.atomicMap[tid] = false
}

// AfterPthreadJoin folds the child's clock into the parent's.
func (d *Detector) AfterPthreadJoin(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, child event.ThreadID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	currVC := d.vcMap[tid]
	childVC := d.vcMap[child]
	if currVC == nil || childVC == nil {
		d.log.Error().Uint64("thd", uint64(tid)).Uint64("child", uint64(child)).
			Msg("join with unknown thread clock")
		return
	}
	currVC.Join(childVC)
}

// AfterPthreadMutexLock implements event.Analyzer.
func (d *Detector) AfterPthreadMutexLock(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processLock(tid, d.getMutexMeta(addr))
}

// BeforePthreadMutexUnlock implements event.Analyzer.
func (d *Detector) BeforePthreadMutexUnlock(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processUnlock(tid, d.getMutexMeta(addr))
}

// BeforePthreadCondSignal implements event.Analyzer.
func (d *Detector) BeforePthreadCondSignal(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processNotify(tid, d.getCondMeta(addr))
}

// BeforePthreadCondBroadcast implements event.Analyzer.
func (d *Detector) BeforePthreadCondBroadcast(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processNotify(tid, d.getCondMeta(addr))
}

// BeforePthreadCondWait releases the mutex and registers the waiter.
func (d *Detector) BeforePthreadCondWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processUnlock(tid, d.getMutexMeta(mutexAddr))
	d.processPreWait(tid, d.getCondMeta(condAddr))
}

// AfterPthreadCondWait collects a delivered signal and re-acquires the
// mutex.
func (d *Detector) AfterPthreadCondWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processPostWait(tid, d.getCondMeta(condAddr))
	d.processLock(tid, d.getMutexMeta(mutexAddr))
}

// BeforePthreadCondTimedwait implements event.Analyzer.
func (d *Detector) BeforePthreadCondTimedwait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	d.BeforePthreadCondWait(tid, clk, inst, condAddr, mutexAddr)
}

// AfterPthreadCondTimedwait implements event.Analyzer.
func (d *Detector) AfterPthreadCondTimedwait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	d.AfterPthreadCondWait(tid, clk, inst, condAddr, mutexAddr)
}

// BeforePthreadBarrierWait implements event.Analyzer.
func (d *Detector) BeforePthreadBarrierWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processPreBarrier(tid, d.getBarrierMeta(addr))
}

// AfterPthreadBarrierWait implements event.Analyzer.
func (d *Detector) AfterPthreadBarrierWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processPostBarrier(tid, d.getBarrierMeta(addr))
}

// AfterMalloc implements event.Analyzer.
func (d *Detector) AfterMalloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, size uint64, addr event.Addr) {
	d.allocAddrRegion(addr, size)
}

// AfterCalloc implements event.Analyzer.
func (d *Detector) AfterCalloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, nmemb, size uint64, addr event.Addr) {
	d.allocAddrRegion(addr, nmemb*size)
}

// BeforeRealloc implements event.Analyzer.
func (d *Detector) BeforeRealloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, oriAddr event.Addr, size uint64) {
	d.freeAddrRegion(oriAddr)
}

// AfterRealloc implements event.Analyzer.
func (d *Detector) AfterRealloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, oriAddr event.Addr, size uint64, newAddr event.Addr) {
	d.allocAddrRegion(newAddr, size)
}

// BeforeFree implements event.Analyzer.
func (d *Detector) BeforeFree(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	d.freeAddrRegion(addr)
}

// AfterValloc implements event.Analyzer.
func (d *Detector) AfterValloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, size uint64, addr event.Addr) {
	d.allocAddrRegion(addr, size)
}

// ImageLoad registers the data and bss segments of a loaded image.
func (d *Detector) ImageLoad(image *staticinfo.Image, lowAddr, highAddr, dataStart event.Addr, dataSize uint64, bssStart event.Addr, bssSize uint64) {
	if dataStart != 0 {
		d.allocAddrRegion(dataStart, dataSize)
	}
	if bssStart != 0 {
		d.allocAddrRegion(bssStart, bssSize)
	}
}

// ImageUnload drops the segments of an unloaded image.
func (d *Detector) ImageUnload(image *staticinfo.Image, lowAddr, highAddr, dataStart event.Addr, dataSize uint64, bssStart event.Addr, bssSize uint64) {
	if dataStart != 0 {
		d.freeAddrRegion(dataStart)
	}
	if bssStart != 0 {
		d.freeAddrRegion(bssStart)
	}
}

func (d *Detector) allocAddrRegion(addr event.Addr, size uint64) {
	if addr == 0 || size == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddRegion(addr, size, true)
}

func (d *Detector) freeAddrRegion(addr event.Addr) {
	if addr == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size := d.filter.RemoveRegion(addr, true)
	start := event.UnitDown(addr, d.opts.UnitSize)
	end := event.UnitUp(addr+event.Addr(size), d.opts.UnitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(d.opts.UnitSize) {
		if m, ok := d.metaTable[iaddr]; ok {
			d.processFree(m)
			delete(d.metaTable, iaddr)
		}
		delete(d.mutexMetaTable, iaddr)
		delete(d.condMetaTable, iaddr)
		delete(d.barrierMetaTable, iaddr)
	}
}

func (d *Detector) getMutexMeta(iaddr event.Addr) *mutexMeta {
	m, ok := d.mutexMetaTable[iaddr]
	if !ok {
		m = &mutexMeta{vc: vectorclock.New()}
		d.mutexMetaTable[iaddr] = m
	}
	return m
}

func (d *Detector) getCondMeta(iaddr event.Addr) *condMeta {
	m, ok := d.condMetaTable[iaddr]
	if !ok {
		m = &condMeta{
			waitTable:   make(map[event.ThreadID]*vectorclock.VectorClock),
			signalTable: make(map[event.ThreadID]*vectorclock.VectorClock),
		}
		d.condMetaTable[iaddr] = m
	}
	return m
}

func (d *Detector) getBarrierMeta(iaddr event.Addr) *barrierMeta {
	m, ok := d.barrierMetaTable[iaddr]
	if !ok {
		m = newBarrierMeta()
		d.barrierMetaTable[iaddr] = m
	}
	return m
}

// processLock joins the mutex clock into the acquiring thread.
func (d *Detector) processLock(tid event.ThreadID, m *mutexMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		d.log.Error().Uint64("thd", uint64(tid)).Msg("lock before thread start")
		return
	}
	currVC.Join(m.vc)
}

// processUnlock publishes the releasing thread's clock and ticks it.
func (d *Detector) processUnlock(tid event.ThreadID, m *mutexMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		d.log.Error().Uint64("thd", uint64(tid)).Msg("unlock before thread start")
		return
	}
	m.vc.CopyFrom(currVC)
	currVC.Increment(tid)
}

// processNotify joins every waiter's clock and installs the result as the
// pending signal clock for each of them.
func (d *Detector) processNotify(tid event.ThreadID, m *condMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		return
	}
	for _, wvc := range m.waitTable {
		currVC.Join(wvc)
	}
	for t := range m.waitTable {
		m.signalTable[t] = currVC.Clone()
	}
	currVC.Increment(tid)
}

// processPreWait registers the waiter and ticks its clock.
func (d *Detector) processPreWait(tid event.ThreadID, m *condMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		return
	}
	m.waitTable[tid] = currVC.Clone()
	currVC.Increment(tid)
}

// processPostWait removes the waiter and, when a signal was delivered,
// joins its clock. A timed wait can return with no pending signal.
func (d *Detector) processPostWait(tid event.ThreadID, m *condMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		return
	}
	delete(m.waitTable, tid)
	if svc, ok := m.signalTable[tid]; ok {
		currVC.Join(svc)
		delete(m.signalTable, tid)
	}
}

// processPreBarrier records the arriving thread's clock in the table
// selected by the pre flag.
func (d *Detector) processPreBarrier(tid event.ThreadID, m *barrierMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		return
	}
	table := m.waitTable2
	if m.preUsingTable1 {
		table = m.waitTable1
	}
	table[tid] = &barrierEntry{vc: currVC.Clone(), flagged: false}
}

// processPostBarrier joins every arrival clock, flags the leaving thread,
// and flips the table selectors once a round completes: the pre selector
// flips when this thread is the first to leave (all others unflagged), the
// post selector flips and the table clears when it is the last.
func (d *Detector) processPostBarrier(tid event.ThreadID, m *barrierMeta) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		return
	}
	table := m.waitTable2
	if m.postUsingTable1 {
		table = m.waitTable1
	}
	allFlagged := true
	allNotFlagged := true
	for t, e := range table {
		if t == tid {
			if e.flagged {
				d.log.Error().Uint64("thd", uint64(tid)).Msg("double post-barrier")
			}
			e.flagged = true
		} else {
			if e.flagged {
				allNotFlagged = false
			} else {
				allFlagged = false
			}
		}
		currVC.Join(e.vc)
	}
	currVC.Increment(tid)
	if allNotFlagged {
		m.preUsingTable1 = !m.preUsingTable1
	}
	if allFlagged {
		if m.postUsingTable1 {
			m.waitTable1 = make(map[event.ThreadID]*barrierEntry)
		} else {
			m.waitTable2 = make(map[event.ThreadID]*barrierEntry)
		}
		m.postUsingTable1 = !m.postUsingTable1
	}
}
