package event

import (
	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// Analyzer is the hook surface delivered by the event source. Exactly one
// analyzer set is active per run; every hook is invoked synchronously from
// the thread of the program under observation.
//
// Components embed BaseAnalyzer and override only the hooks they need.
type Analyzer interface {
	Name() string

	ThreadStart(curr, parent ThreadID)
	ThreadExit(curr ThreadID, clk Timestamp)

	BeforeMemRead(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr, size uint64)
	BeforeMemWrite(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr, size uint64)

	AfterPthreadJoin(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, child ThreadID)
	AfterPthreadMutexLock(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)
	BeforePthreadMutexUnlock(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)
	BeforePthreadCondSignal(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)
	BeforePthreadCondBroadcast(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)
	BeforePthreadCondWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr)
	AfterPthreadCondWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr)
	BeforePthreadCondTimedwait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr)
	AfterPthreadCondTimedwait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr)
	BeforePthreadBarrierWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)
	AfterPthreadBarrierWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)

	BeforeAtomicInst(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, op string, addr Addr)
	AfterAtomicInst(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, op string, addr Addr)

	AfterMalloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, size uint64, addr Addr)
	AfterCalloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, nmemb, size uint64, addr Addr)
	BeforeRealloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, oriAddr Addr, size uint64)
	AfterRealloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, oriAddr Addr, size uint64, newAddr Addr)
	BeforeFree(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr)
	AfterValloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, size uint64, addr Addr)

	ImageLoad(image *staticinfo.Image, lowAddr, highAddr, dataStart Addr, dataSize uint64, bssStart Addr, bssSize uint64)
	ImageUnload(image *staticinfo.Image, lowAddr, highAddr, dataStart Addr, dataSize uint64, bssStart Addr, bssSize uint64)

	// WatchInstCount is delivered periodically with the number of
	// instructions the thread executed since its last tick.
	WatchInstCount(tid ThreadID, c uint64)

	// SchedYield is delivered when the program issues a yield.
	SchedYield(tid ThreadID, clk Timestamp, inst *staticinfo.Inst)

	// ProgramExit is the final hook; after it returns no more events are
	// delivered.
	ProgramExit()
}

// BaseAnalyzer provides no-op implementations of every Analyzer hook.
type BaseAnalyzer struct{}

func (BaseAnalyzer) Name() string { return "base" }

func (BaseAnalyzer) ThreadStart(curr, parent ThreadID)     {}
func (BaseAnalyzer) ThreadExit(curr ThreadID, clk Timestamp) {}

func (BaseAnalyzer) BeforeMemRead(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr, size uint64) {
}
func (BaseAnalyzer) BeforeMemWrite(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr, size uint64) {
}

func (BaseAnalyzer) AfterPthreadJoin(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, child ThreadID) {
}
func (BaseAnalyzer) AfterPthreadMutexLock(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {
}
func (BaseAnalyzer) BeforePthreadMutexUnlock(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {
}
func (BaseAnalyzer) BeforePthreadCondSignal(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {
}
func (BaseAnalyzer) BeforePthreadCondBroadcast(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {
}
func (BaseAnalyzer) BeforePthreadCondWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr) {
}
func (BaseAnalyzer) AfterPthreadCondWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr) {
}
func (BaseAnalyzer) BeforePthreadCondTimedwait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr) {
}
func (BaseAnalyzer) AfterPthreadCondTimedwait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, condAddr, mutexAddr Addr) {
}
func (BaseAnalyzer) BeforePthreadBarrierWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {
}
func (BaseAnalyzer) AfterPthreadBarrierWait(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {
}

func (BaseAnalyzer) BeforeAtomicInst(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, op string, addr Addr) {
}
func (BaseAnalyzer) AfterAtomicInst(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, op string, addr Addr) {
}

func (BaseAnalyzer) AfterMalloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, size uint64, addr Addr) {
}
func (BaseAnalyzer) AfterCalloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, nmemb, size uint64, addr Addr) {
}
func (BaseAnalyzer) BeforeRealloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, oriAddr Addr, size uint64) {
}
func (BaseAnalyzer) AfterRealloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, oriAddr Addr, size uint64, newAddr Addr) {
}
func (BaseAnalyzer) BeforeFree(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, addr Addr) {}
func (BaseAnalyzer) AfterValloc(tid ThreadID, clk Timestamp, inst *staticinfo.Inst, size uint64, addr Addr) {
}

func (BaseAnalyzer) ImageLoad(image *staticinfo.Image, lowAddr, highAddr, dataStart Addr, dataSize uint64, bssStart Addr, bssSize uint64) {
}
func (BaseAnalyzer) ImageUnload(image *staticinfo.Image, lowAddr, highAddr, dataStart Addr, dataSize uint64, bssStart Addr, bssSize uint64) {
}

func (BaseAnalyzer) WatchInstCount(tid ThreadID, c uint64)                        {}
func (BaseAnalyzer) SchedYield(tid ThreadID, clk Timestamp, inst *staticinfo.Inst) {}
func (BaseAnalyzer) ProgramExit()                                                  {}
