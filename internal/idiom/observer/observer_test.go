package observer

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/stat"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
	"github.com/kolkov/interleave/internal/idiom/memo"
	"github.com/kolkov/interleave/internal/sinst"
)

type fixture struct {
	sinfo *staticinfo.StaticInfo
	db    *iroot.DB
	memo  *memo.Memo
	obs   *Observer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.UnitSize == 0 {
		opts.UnitSize = 4
	}
	if opts.VulnWindow == 0 {
		opts.VulnWindow = 1000
	}
	sinfo := staticinfo.New()
	db := iroot.NewDB()
	mm := memo.New(db, zerolog.Nop())
	obs := New(opts, sinfo, db, mm, sinst.NewDB(), stat.New(), zerolog.Nop())
	return &fixture{sinfo: sinfo, db: db, memo: mm, obs: obs}
}

func (f *fixture) inst(offset uint64) *staticinfo.Inst {
	return f.sinfo.GetInst("app", offset)
}

// observed returns the authoritative observation count of the iroot with
// the given idiom and (inst offset, type) events.
func (f *fixture) observed(idiom iroot.IdiomType, events ...[2]uint64) uint64 {
	var evs []*iroot.Event
	for _, e := range events {
		evs = append(evs, f.db.GetiRootEvent(f.inst(e[0]), iroot.EventType(e[1]), true))
	}
	ir := f.db.GetiRoot(idiom, true, evs...)
	return f.memo.TotalObserved(ir, true)
}

const (
	tRead   = uint64(iroot.MemRead)
	tWrite  = uint64(iroot.MemWrite)
	tLock   = uint64(iroot.MutexLock)
	tUnlock = uint64(iroot.MutexUnlock)
)

// TestIdiom1Discovery covers the basic remote dependency: a write in one
// thread consumed by a read in another.
func TestIdiom1Discovery(t *testing.T) {
	f := newFixture(t, Options{})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x100, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}); got != 1 {
		t.Errorf("idiom1 (W,R) observed %d times, want 1", got)
	}
}

// TestIdiom1WAWAndWAR covers write-after-write and write-after-read
// dependencies.
func TestIdiom1WAWAndWAR(t *testing.T) {
	f := newFixture(t, Options{})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	// WAW: no intervening valid reader
	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemWrite(1, 12, f.inst(0x20), 0x100, 4)
	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x20, tWrite}); got != 1 {
		t.Errorf("idiom1 WAW observed %d times, want 1", got)
	}

	// WAR: the valid readers are the predecessors, not the writer
	f.obs.BeforeMemRead(0, 14, f.inst(0x30), 0x100, 4)
	f.obs.BeforeMemWrite(1, 16, f.inst(0x40), 0x100, 4)
	if got := f.observed(iroot.Idiom1, [2]uint64{0x30, tRead}, [2]uint64{0x40, tWrite}); got != 1 {
		t.Errorf("idiom1 WAR observed %d times, want 1", got)
	}
	if got := f.observed(iroot.Idiom1, [2]uint64{0x20, tWrite}, [2]uint64{0x40, tWrite}); got != 0 {
		t.Errorf("WAW emitted despite a valid reader, observed %d times", got)
	}
}

// TestIdiom1LocalReadSuppressesRAW verifies that a valid local precedent
// read absorbs the remote dependency.
func TestIdiom1LocalReadSuppressesRAW(t *testing.T) {
	f := newFixture(t, Options{})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x100, 4)
	// the second read of thread 1 has a valid local precedent read
	f.obs.BeforeMemRead(1, 13, f.inst(0x21), 0x100, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x21, tRead}); got != 0 {
		t.Errorf("RAW emitted despite local precedent read, observed %d times", got)
	}
}

// TestMutexIdiom1 covers the UNLOCK -> LOCK dependency on a mutex address.
func TestMutexIdiom1(t *testing.T) {
	f := newFixture(t, Options{})

	f.obs.AfterPthreadMutexLock(0, 5, f.inst(0x10), 0x200)
	f.obs.BeforePthreadMutexUnlock(0, 6, f.inst(0x11), 0x200)
	f.obs.AfterPthreadMutexLock(1, 8, f.inst(0x10), 0x200)

	// lock/unlock meta records accesses like memory meta: the unlock is a
	// write-typed access consumed by the next lock
	if got := f.observed(iroot.Idiom1, [2]uint64{0x11, tUnlock}, [2]uint64{0x10, tLock}); got == 0 {
		t.Errorf("unlock->lock dependency not observed")
	}
}

// TestIdiom2Discovery covers the round trip W, remote R, W within the
// window.
func TestIdiom2Discovery(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x100, 4)
	f.obs.BeforeMemWrite(0, 14, f.inst(0x30), 0x100, 4)

	if got := f.observed(iroot.Idiom2,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}, [2]uint64{0x30, tWrite}); got != 1 {
		t.Errorf("idiom2 observed %d times, want 1", got)
	}
}

// TestIdiom2OutsideWindow verifies that a round trip wider than the
// vulnerability window is not a candidate.
func TestIdiom2OutsideWindow(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true, VulnWindow: 10})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x100, 4)
	f.obs.BeforeMemWrite(0, 100, f.inst(0x30), 0x100, 4)

	if got := f.observed(iroot.Idiom2,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}, [2]uint64{0x30, tWrite}); got != 0 {
		t.Errorf("idiom2 observed outside the window %d times, want 0", got)
	}
}

// TestIdiom4Discovery covers two nested dependencies over two locations
// observed in nesting order.
func TestIdiom4Discovery(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	// T0.W(a), T1.R(a), T1.W(b), T0.R(b)
	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 11, f.inst(0x20), 0x100, 4)
	f.obs.BeforeMemWrite(1, 12, f.inst(0x30), 0x108, 4)
	f.obs.BeforeMemRead(0, 13, f.inst(0x40), 0x108, 4)

	if got := f.observed(iroot.Idiom4,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead},
		[2]uint64{0x30, tWrite}, [2]uint64{0x40, tRead}); got != 1 {
		t.Errorf("idiom4 observed %d times, want 1", got)
	}
}

// TestIdiom3Discovery covers two nested dependencies over one location.
func TestIdiom3Discovery(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	// T0.W(a), T1.R(a), T1.W(a), T0.R(a): prev and curr metas coincide
	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 11, f.inst(0x20), 0x100, 4)
	f.obs.BeforeMemWrite(1, 12, f.inst(0x30), 0x100, 4)
	f.obs.BeforeMemRead(0, 13, f.inst(0x40), 0x100, 4)

	if got := f.observed(iroot.Idiom3,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead},
		[2]uint64{0x30, tWrite}, [2]uint64{0x40, tRead}); got != 1 {
		t.Errorf("idiom3 observed %d times, want 1", got)
	}
}

// TestIdiom5Discovery covers two independent conflicts on distinct
// locations, observed with the inner pair flipped so the interleaved
// shape is the candidate.
func TestIdiom5Discovery(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	// T0.W(a), T1.W(b), T1.R(a), T0.R(b)
	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemWrite(1, 11, f.inst(0x30), 0x108, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x100, 4)
	f.obs.BeforeMemRead(0, 13, f.inst(0x40), 0x108, 4)

	if got := f.observed(iroot.Idiom5,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead},
		[2]uint64{0x30, tWrite}, [2]uint64{0x40, tRead}); got != 1 {
		t.Errorf("idiom5 observed %d times, want 1", got)
	}
	// and its mirror
	if got := f.observed(iroot.Idiom5,
		[2]uint64{0x30, tWrite}, [2]uint64{0x40, tRead},
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}); got != 1 {
		t.Errorf("idiom5 mirror observed %d times, want 1", got)
	}
}

// TestSingleVarIdiomsRestrictsSearch verifies that the single-variable
// mode only pairs accesses over the current meta.
func TestSingleVarIdiomsRestrictsSearch(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true, SingleVarIdioms: true})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	// the idiom-4 shape over two variables must not be found
	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 11, f.inst(0x20), 0x100, 4)
	f.obs.BeforeMemWrite(1, 12, f.inst(0x30), 0x108, 4)
	f.obs.BeforeMemRead(0, 13, f.inst(0x40), 0x108, 4)

	if got := f.observed(iroot.Idiom4,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead},
		[2]uint64{0x30, tWrite}, [2]uint64{0x40, tRead}); got != 0 {
		t.Errorf("idiom4 observed %d times in single-var mode, want 0", got)
	}

	// the single-variable idiom-3 shape still is
	f2 := newFixture(t, Options{ComplexIdioms: true, SingleVarIdioms: true})
	f2.obs.AfterMalloc(0, 1, f2.inst(0x1), 64, 0x100)
	f2.obs.BeforeMemWrite(0, 10, f2.inst(0x10), 0x100, 4)
	f2.obs.BeforeMemRead(1, 11, f2.inst(0x20), 0x100, 4)
	f2.obs.BeforeMemWrite(1, 12, f2.inst(0x30), 0x100, 4)
	f2.obs.BeforeMemRead(0, 13, f2.inst(0x40), 0x100, 4)
	if got := f2.observed(iroot.Idiom3,
		[2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead},
		[2]uint64{0x30, tWrite}, [2]uint64{0x40, tRead}); got != 1 {
		t.Errorf("idiom3 observed %d times in single-var mode, want 1", got)
	}
}

// TestSyncOnlySkipsMemory verifies the sync_only knob.
func TestSyncOnlySkipsMemory(t *testing.T) {
	f := newFixture(t, Options{SyncOnly: true})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x100, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}); got != 0 {
		t.Errorf("memory dependency observed %d times in sync_only mode", got)
	}
}

// TestFilterSkipsUnallocated verifies that accesses outside every region
// are ignored.
func TestFilterSkipsUnallocated(t *testing.T) {
	f := newFixture(t, Options{})

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x900, 4)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x900, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}); got != 0 {
		t.Errorf("unallocated access produced a dependency")
	}
}

// TestFreeClearsMeta verifies that freeing a region erases its access
// history.
func TestFreeClearsMeta(t *testing.T) {
	f := newFixture(t, Options{})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	f.obs.BeforeFree(0, 11, f.inst(0x2), 0x100)
	f.obs.AfterMalloc(1, 12, f.inst(0x3), 64, 0x100)
	f.obs.BeforeMemRead(1, 13, f.inst(0x20), 0x100, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}); got != 0 {
		t.Errorf("dependency survived a free of the region")
	}
}

// TestMemMetaReplacedByMutex verifies that a data location later used as a
// mutex is re-typed.
func TestMemMetaReplacedByMutex(t *testing.T) {
	f := newFixture(t, Options{})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 4)
	// the same address becomes a mutex
	f.obs.AfterPthreadMutexLock(1, 11, f.inst(0x20), 0x100)
	// further memory accesses to the address are ignored
	f.obs.BeforeMemRead(1, 12, f.inst(0x30), 0x100, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x30, tRead}); got != 0 {
		t.Errorf("memory dependency crossed the MEM->MUTEX replacement")
	}
}

// TestUnitAlignment verifies that a wide access is split into unit strides
// and matched against an overlapping narrow access.
func TestUnitAlignment(t *testing.T) {
	f := newFixture(t, Options{})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 64, 0x100)

	// 8-byte write covers two 4-byte units
	f.obs.BeforeMemWrite(0, 10, f.inst(0x10), 0x100, 8)
	f.obs.BeforeMemRead(1, 12, f.inst(0x20), 0x104, 4)

	if got := f.observed(iroot.Idiom1, [2]uint64{0x10, tWrite}, [2]uint64{0x20, tRead}); got != 1 {
		t.Errorf("overlapping unit not matched, observed %d", got)
	}
}

// TestRecentInfoGC verifies the queue limit and that surviving entries
// stay within the window in occurrence order.
func TestRecentInfoGC(t *testing.T) {
	f := newFixture(t, Options{ComplexIdioms: true, VulnWindow: 100})
	f.obs.AfterMalloc(0, 1, f.inst(0x1), 1<<20, 0x100000)

	// one write past the limit, so the last write is the one that runs GC
	n := entryQueueLimit + 1
	for i := 0; i < n; i++ {
		addr := event.Addr(0x100000 + uint64(i%1024)*4)
		f.obs.BeforeMemWrite(0, event.Timestamp(10+uint64(i)), f.inst(0x10), addr, 4)
	}

	ri := f.obs.riTable[0]
	if len(ri.entries) > entryQueueLimit {
		t.Errorf("recent info has %d entries after GC, limit %d", len(ri.entries), entryQueueLimit)
	}
	lastClk := uint64(0)
	for _, e := range ri.entries {
		if uint64(e.acc.clk) < lastClk {
			t.Fatalf("recent info out of occurrence order")
		}
		lastClk = uint64(e.acc.clk)
	}
	newest := ri.entries[len(ri.entries)-1].acc.clk
	oldest := ri.entries[0].acc.clk
	if uint64(newest-oldest) >= 100 {
		t.Errorf("GC kept an entry outside the window: span %d", newest-oldest)
	}
}
