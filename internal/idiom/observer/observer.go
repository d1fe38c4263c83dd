// Package observer implements the iRoot observer: a passive monitor that
// consumes the event stream and derives candidate iRoots of the five idiom
// shapes from per-address access history and per-thread recent-access
// windows.
//
// The observer never influences the program; it only updates in-memory
// tables and records candidates in the iRoot and memoization databases.
package observer

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/filter"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
	"github.com/kolkov/interleave/internal/idiom/memo"
	"github.com/kolkov/interleave/internal/sinst"
)

// entryQueueLimit bounds each thread's recent-info queue; exceeding it
// triggers garbage collection of entries older than the vulnerability
// window.
const entryQueueLimit = 1024 * 10

// Options carries the observer's configuration snapshot.
type Options struct {
	// Shadow marks every observation as auxiliary; shadow observations do
	// not count toward first-observation accounting in the memo.
	Shadow bool
	// SyncOnly ignores memory events and observes synchronization only.
	SyncOnly bool
	// ComplexIdioms enables idioms 2..5 in addition to idiom 1.
	ComplexIdioms bool
	// SingleVarIdioms restricts the complex search to a single variable.
	SingleVarIdioms bool
	// UnitSize is the monitoring granularity in bytes.
	UnitSize uint64
	// VulnWindow is the vulnerability window in dynamic instructions.
	VulnWindow uint64
}

// metaType discriminates the per-address metadata variant.
type metaType int

const (
	metaMem metaType = iota
	metaMutex
)

// acc is one dynamic access: a process-unique id, the issuing thread and
// its clock, the access type, and the program point.
type acc struct {
	uid  uint64
	thd  event.ThreadID
	clk  event.Timestamp
	typ  iroot.EventType
	inst *staticinfo.Inst
}

// lastAcc is a last-access table entry. A read installs itself valid; a
// write invalidates every entry and installs itself invalid so later local
// reads still discover the remote writer.
type lastAcc struct {
	valid bool
	acc   acc
}

// meta is the per-unit-address observer metadata.
type meta struct {
	typ metaType

	hasLastWriter bool
	lastWriter    acc

	lastAccTable map[event.ThreadID]*lastAcc
}

func newMeta(typ metaType) *meta {
	return &meta{typ: typ, lastAccTable: make(map[event.ThreadID]*lastAcc)}
}

// riEntry is one recent-info entry: an access, the metadata it touched,
// and the remote successors discovered for it (with, for each successor,
// the successor thread's local predecessors at that time).
type riEntry struct {
	acc       acc
	meta      *meta
	succs     []acc
	succPrevs [][]acc
}

// recentInfo is a thread's recent-access window, ordered by occurrence.
type recentInfo struct {
	entries []*riEntry
	currClk event.Timestamp
}

// Observer is the iRoot observer analyzer.
type Observer struct {
	event.BaseAnalyzer

	mu sync.Mutex

	opts    Options
	sinfo   *staticinfo.StaticInfo
	irootDB *iroot.DB
	memo    *memo.Memo
	sinstDB *sinst.SharedInstDB
	filter  *filter.RegionFilter
	stat    *stat.Stat
	log     zerolog.Logger

	metaTable map[event.Addr]*meta
	riTable   map[event.ThreadID]*recentInfo
	currUID   uint64

	lpValid [iroot.NumEventTypes][iroot.NumEventTypes]bool
}

// New creates an observer bound to the given databases.
func New(opts Options, sinfo *staticinfo.StaticInfo, db *iroot.DB, mm *memo.Memo,
	sdb *sinst.SharedInstDB, st *stat.Stat, log zerolog.Logger) *Observer {
	o := &Observer{
		opts:      opts,
		sinfo:     sinfo,
		irootDB:   db,
		memo:      mm,
		sinstDB:   sdb,
		filter:    filter.NewRegionFilter(),
		stat:      st,
		log:       log.With().Str("component", "observer").Logger(),
		metaTable: make(map[event.Addr]*meta),
		riTable:   make(map[event.ThreadID]*recentInfo),
	}
	o.initLpValidTable()
	return o
}

// Name implements event.Analyzer.
func (o *Observer) Name() string { return "observer" }

// initLpValidTable seeds the local-pair table: the event-type pairs allowed
// to be consecutive within one thread for a complex idiom to apply.
func (o *Observer) initLpValidTable() {
	o.lpValid[iroot.MemRead][iroot.MemRead] = true
	o.lpValid[iroot.MemRead][iroot.MemWrite] = true
	o.lpValid[iroot.MemWrite][iroot.MemRead] = true
	o.lpValid[iroot.MemWrite][iroot.MemWrite] = true
	o.lpValid[iroot.MutexUnlock][iroot.MutexLock] = true
}

// checkLocalPair reports whether <prev,curr> is a valid local pair.
func (o *Observer) checkLocalPair(prev, curr iroot.EventType) bool {
	return o.lpValid[prev][curr]
}

func (o *Observer) nextAccUID() uint64 {
	o.currUID++
	return o.currUID
}

// BeforeMemRead implements event.Analyzer.
func (o *Observer) BeforeMemRead(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	if o.opts.SyncOnly {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.filter.Filter(addr, true) {
		return
	}
	start := event.UnitDown(addr, o.opts.UnitSize)
	end := event.UnitUp(addr+event.Addr(size), o.opts.UnitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(o.opts.UnitSize) {
		m := o.getMemMeta(iaddr)
		if m == nil {
			continue // access to a sync variable, ignore
		}
		o.processiRootEvent(tid, clk, iroot.MemRead, inst, m)
	}
}

// BeforeMemWrite implements event.Analyzer.
func (o *Observer) BeforeMemWrite(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	if o.opts.SyncOnly {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.filter.Filter(addr, true) {
		return
	}
	start := event.UnitDown(addr, o.opts.UnitSize)
	end := event.UnitUp(addr+event.Addr(size), o.opts.UnitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(o.opts.UnitSize) {
		m := o.getMemMeta(iaddr)
		if m == nil {
			continue // access to a sync variable, ignore
		}
		o.processiRootEvent(tid, clk, iroot.MemWrite, inst, m)
	}
}

// AfterPthreadMutexLock implements event.Analyzer.
func (o *Observer) AfterPthreadMutexLock(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processiRootEvent(tid, clk, iroot.MutexLock, inst, o.getMutexMeta(addr))
}

// BeforePthreadMutexUnlock implements event.Analyzer.
func (o *Observer) BeforePthreadMutexUnlock(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processiRootEvent(tid, clk, iroot.MutexUnlock, inst, o.getMutexMeta(addr))
}

// BeforePthreadCondWait treats the release half of a condition wait as a
// mutex unlock.
func (o *Observer) BeforePthreadCondWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processiRootEvent(tid, clk, iroot.MutexUnlock, inst, o.getMutexMeta(mutexAddr))
}

// AfterPthreadCondWait treats the re-acquire half of a condition wait as a
// mutex lock.
func (o *Observer) AfterPthreadCondWait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processiRootEvent(tid, clk, iroot.MutexLock, inst, o.getMutexMeta(mutexAddr))
}

// BeforePthreadCondTimedwait implements event.Analyzer.
func (o *Observer) BeforePthreadCondTimedwait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	o.BeforePthreadCondWait(tid, clk, inst, condAddr, mutexAddr)
}

// AfterPthreadCondTimedwait implements event.Analyzer.
func (o *Observer) AfterPthreadCondTimedwait(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr event.Addr) {
	o.AfterPthreadCondWait(tid, clk, inst, condAddr, mutexAddr)
}

// AfterMalloc implements event.Analyzer.
func (o *Observer) AfterMalloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, size uint64, addr event.Addr) {
	o.allocAddrRegion(addr, size)
}

// AfterCalloc implements event.Analyzer.
func (o *Observer) AfterCalloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, nmemb, size uint64, addr event.Addr) {
	o.allocAddrRegion(addr, nmemb*size)
}

// BeforeRealloc implements event.Analyzer.
func (o *Observer) BeforeRealloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, oriAddr event.Addr, size uint64) {
	o.freeAddrRegion(oriAddr)
}

// AfterRealloc implements event.Analyzer.
func (o *Observer) AfterRealloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, oriAddr event.Addr, size uint64, newAddr event.Addr) {
	o.allocAddrRegion(newAddr, size)
}

// BeforeFree implements event.Analyzer.
func (o *Observer) BeforeFree(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	o.freeAddrRegion(addr)
}

// AfterValloc implements event.Analyzer.
func (o *Observer) AfterValloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, size uint64, addr event.Addr) {
	o.allocAddrRegion(addr, size)
}

// ImageLoad registers the data and bss segments of a loaded image.
func (o *Observer) ImageLoad(image *staticinfo.Image, lowAddr, highAddr, dataStart event.Addr, dataSize uint64, bssStart event.Addr, bssSize uint64) {
	if dataStart != 0 {
		o.allocAddrRegion(dataStart, dataSize)
	}
	if bssStart != 0 {
		o.allocAddrRegion(bssStart, bssSize)
	}
}

// ImageUnload drops the segments of an unloaded image.
func (o *Observer) ImageUnload(image *staticinfo.Image, lowAddr, highAddr, dataStart event.Addr, dataSize uint64, bssStart event.Addr, bssSize uint64) {
	if dataStart != 0 {
		o.freeAddrRegion(dataStart)
	}
	if bssStart != 0 {
		o.freeAddrRegion(bssStart)
	}
}

func (o *Observer) allocAddrRegion(addr event.Addr, size uint64) {
	if addr == 0 || size == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.filter.AddRegion(addr, size, true)
}

func (o *Observer) freeAddrRegion(addr event.Addr) {
	if addr == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	size := o.filter.RemoveRegion(addr, true)
	start := event.UnitDown(addr, o.opts.UnitSize)
	end := event.UnitUp(addr+event.Addr(size), o.opts.UnitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(o.opts.UnitSize) {
		if m, ok := o.metaTable[iaddr]; ok {
			o.processFree(m)
			delete(o.metaTable, iaddr)
		}
	}
}

// getMemMeta returns the memory meta for a unit address, creating it if
// absent. Returns nil when the address is tracked as a mutex.
func (o *Observer) getMemMeta(iaddr event.Addr) *meta {
	m, ok := o.metaTable[iaddr]
	if !ok {
		m = newMeta(metaMem)
		o.metaTable[iaddr] = m
		return m
	}
	switch m.typ {
	case metaMem:
		return m
	case metaMutex:
		return nil
	default:
		o.log.Error().Uint64("addr", uint64(iaddr)).Int("type", int(m.typ)).
			Msg("meta is neither MEM nor MUTEX")
		return nil
	}
}

// getMutexMeta returns the mutex meta for a unit address, creating it if
// absent. A pre-existing memory meta is freed and replaced; a location is
// occasionally reused as a mutex after carrying data.
func (o *Observer) getMutexMeta(iaddr event.Addr) *meta {
	m, ok := o.metaTable[iaddr]
	if !ok {
		m = newMeta(metaMutex)
		o.metaTable[iaddr] = m
		return m
	}
	switch m.typ {
	case metaMem:
		o.processFree(m)
		m = newMeta(metaMutex)
		o.metaTable[iaddr] = m
		return m
	case metaMutex:
		return m
	default:
		o.log.Error().Uint64("addr", uint64(iaddr)).Int("type", int(m.typ)).
			Msg("meta is neither MEM nor MUTEX")
		m = newMeta(metaMutex)
		o.metaTable[iaddr] = m
		return m
	}
}

// processFree clears the access history of a dying meta.
func (o *Observer) processFree(m *meta) {
	m.lastAccTable = make(map[event.ThreadID]*lastAcc)
	m.hasLastWriter = false
}
