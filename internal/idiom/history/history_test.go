package history

import (
	"path/filepath"
	"testing"

	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
)

func makeIRoot(t *testing.T) *iroot.IRoot {
	t.Helper()
	sinfo := staticinfo.New()
	db := iroot.NewDB()
	w := db.GetiRootEvent(sinfo.GetInst("app", 0x10), iroot.MemWrite, true)
	r := db.GetiRootEvent(sinfo.GetInst("app", 0x20), iroot.MemRead, true)
	return db.GetiRoot(iroot.Idiom1, true, w, r)
}

func TestUpdateAndTotal(t *testing.T) {
	h := New()
	ir := makeIRoot(t)

	if got := h.TotalTestRuns(ir); got != 0 {
		t.Errorf("fresh history TotalTestRuns = %d, want 0", got)
	}
	h.Update(ir, false)
	h.Update(ir, true)
	if got := h.TotalTestRuns(ir); got != 2 {
		t.Errorf("TotalTestRuns = %d, want 2", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.histo")
	ir := makeIRoot(t)

	h := New()
	h.Update(ir, true)
	h.Update(ir, false)
	h.Update(ir, false)
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := New()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.TotalTestRuns(ir); got != 3 {
		t.Errorf("loaded TotalTestRuns = %d, want 3", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	h := New()
	if err := h.Load(filepath.Join(t.TempDir(), "absent.histo")); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
}
