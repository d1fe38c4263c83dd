package sinst

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/staticinfo"
)

func TestSecondThreadPromotesToShared(t *testing.T) {
	sinfo := staticinfo.New()
	db := NewDB()
	a := NewAnalyzer(db, 4, zerolog.Nop())

	i0 := sinfo.GetInst("app", 0x10)
	i1 := sinfo.GetInst("app", 0x20)
	i2 := sinfo.GetInst("app", 0x30)

	a.AfterMalloc(0, 1, i0, 64, 0x1000)

	// thread 0 touches the unit twice: nothing shared yet
	a.BeforeMemWrite(0, 2, i0, 0x1000, 4)
	a.BeforeMemRead(0, 3, i1, 0x1000, 4)
	if db.Shared(i0, true) || db.Shared(i1, true) {
		t.Fatalf("single-thread accesses marked shared")
	}

	// a second thread arrives: everything seen at the unit is shared
	a.BeforeMemRead(1, 4, i2, 0x1000, 4)
	for _, inst := range []*staticinfo.Inst{i0, i1, i2} {
		if !db.Shared(inst, true) {
			t.Errorf("inst %s not shared after second thread", inst)
		}
	}
}

func TestFilteredAccessesIgnored(t *testing.T) {
	sinfo := staticinfo.New()
	db := NewDB()
	a := NewAnalyzer(db, 4, zerolog.Nop())

	i0 := sinfo.GetInst("app", 0x10)
	a.BeforeMemWrite(0, 1, i0, 0x5000, 4)
	a.BeforeMemWrite(1, 2, i0, 0x5000, 4)
	if db.Shared(i0, true) {
		t.Errorf("access outside every region marked shared")
	}
}

func TestFreeDropsUnitState(t *testing.T) {
	sinfo := staticinfo.New()
	db := NewDB()
	a := NewAnalyzer(db, 4, zerolog.Nop())

	i0 := sinfo.GetInst("app", 0x10)
	a.AfterMalloc(0, 1, i0, 16, 0x1000)
	a.BeforeMemWrite(0, 2, i0, 0x1000, 4)
	a.BeforeFree(0, 3, i0, 0x1000)

	// a new allocation reuses the address; the old first-thread record
	// must not leak into it
	a.AfterMalloc(1, 4, i0, 16, 0x1000)
	a.BeforeMemWrite(1, 5, i0, 0x1000, 4)
	if db.Shared(i0, true) {
		t.Errorf("stale unit state across free/realloc marked shared")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sinfoPath := filepath.Join(dir, "sinfo.db")
	dbPath := filepath.Join(dir, "sinst.db")

	sinfo := staticinfo.New()
	db := NewDB()
	i0 := sinfo.GetInst("app", 0x10)
	db.SetShared(i0, true)

	if err := sinfo.Save(sinfoPath); err != nil {
		t.Fatalf("save sinfo: %v", err)
	}
	if err := db.Save(dbPath); err != nil {
		t.Fatalf("save sinst: %v", err)
	}

	loadedSinfo := staticinfo.New()
	if err := loadedSinfo.Load(sinfoPath); err != nil {
		t.Fatalf("load sinfo: %v", err)
	}
	loaded := NewDB()
	if err := loaded.Load(dbPath, loadedSinfo); err != nil {
		t.Fatalf("load sinst: %v", err)
	}
	if !loaded.Shared(loadedSinfo.FindInst(i0.ID()), true) {
		t.Errorf("shared inst lost in round trip")
	}
}
