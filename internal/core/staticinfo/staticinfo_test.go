package staticinfo

import (
	"path/filepath"
	"testing"
)

func TestInstInterning(t *testing.T) {
	s := New()
	a := s.GetInst("app", 0x10)
	b := s.GetInst("app", 0x10)
	c := s.GetInst("app", 0x20)
	d := s.GetInst("libfoo.so", 0x10)

	if a != b {
		t.Errorf("same (image, offset) produced distinct insts")
	}
	if a == c || a == d {
		t.Errorf("distinct program points interned to one inst")
	}
	if s.FindInst(a.ID()) != a {
		t.Errorf("FindInst(%d) did not return the interned inst", a.ID())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sinfo.db")

	s := New()
	a := s.GetInst("app", 0x10)
	b := s.GetInst("libfoo.so", 0x99)
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := New()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	la := loaded.FindInst(a.ID())
	lb := loaded.FindInst(b.ID())
	if la == nil || lb == nil {
		t.Fatalf("loaded table is missing insts")
	}
	if la.Image().Name() != "app" || la.Offset() != 0x10 {
		t.Errorf("inst %d round-tripped to %s", a.ID(), la)
	}
	if lb.Image().Name() != "libfoo.so" || lb.Offset() != 0x99 {
		t.Errorf("inst %d round-tripped to %s", b.ID(), lb)
	}

	// interning continues with preserved ids
	c := loaded.GetInst("app", 0x10)
	if c != la {
		t.Errorf("re-interning after load created a duplicate inst")
	}
	d := loaded.GetInst("app", 0x500)
	if d.ID() <= b.ID() {
		t.Errorf("new inst id %d does not continue past loaded ids", d.ID())
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := New()
	if err := s.Load(filepath.Join(t.TempDir(), "absent.db")); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if s.NumInsts() != 0 {
		t.Errorf("missing file produced %d insts", s.NumInsts())
	}
}
