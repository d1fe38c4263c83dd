package iroot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/interleave/internal/core/staticinfo"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestEventInterning(t *testing.T) {
	sinfo := staticinfo.New()
	db := NewDB()

	i0 := sinfo.GetInst("app", 0x10)
	e1 := db.GetiRootEvent(i0, MemWrite, true)
	e2 := db.GetiRootEvent(i0, MemWrite, true)
	e3 := db.GetiRootEvent(i0, MemRead, true)

	if e1 != e2 {
		t.Errorf("identical events interned to distinct pointers")
	}
	if e1 == e3 {
		t.Errorf("events of different types interned together")
	}
	if db.FindiRootEvent(e1.ID(), true) != e1 {
		t.Errorf("FindiRootEvent did not return the interned event")
	}
}

func TestIRootInterning(t *testing.T) {
	sinfo := staticinfo.New()
	db := NewDB()

	w := db.GetiRootEvent(sinfo.GetInst("app", 0x10), MemWrite, true)
	r := db.GetiRootEvent(sinfo.GetInst("app", 0x20), MemRead, true)

	a := db.GetiRoot(Idiom1, true, w, r)
	b := db.GetiRoot(Idiom1, true, w, r)
	c := db.GetiRoot(Idiom1, true, r, w)

	if a != b {
		t.Errorf("identical iroots interned to distinct pointers")
	}
	if a == c {
		t.Errorf("iroots with different event order interned together")
	}
	if a.NumEvents() != 2 || a.GetEvent(0) != w || a.GetEvent(1) != r {
		t.Errorf("iroot events not preserved in order")
	}
}

func TestIdiomEventCounts(t *testing.T) {
	tests := []struct {
		idiom IdiomType
		want  int
	}{
		{Idiom1, 2},
		{Idiom2, 3},
		{Idiom3, 4},
		{Idiom4, 4},
		{Idiom5, 4},
	}
	for _, tt := range tests {
		if got := tt.idiom.NumEvents(); got != tt.want {
			t.Errorf("%s.NumEvents() = %d, want %d", tt.idiom, got, tt.want)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sinfoPath := filepath.Join(dir, "sinfo.db")
	dbPath := filepath.Join(dir, "iroot.db")

	sinfo := staticinfo.New()
	db := NewDB()
	w := db.GetiRootEvent(sinfo.GetInst("app", 0x10), MemWrite, true)
	r := db.GetiRootEvent(sinfo.GetInst("app", 0x20), MemRead, true)
	u := db.GetiRootEvent(sinfo.GetInst("app", 0x30), MutexUnlock, true)
	l := db.GetiRootEvent(sinfo.GetInst("app", 0x40), MutexLock, true)
	r1 := db.GetiRoot(Idiom1, true, w, r)
	r2 := db.GetiRoot(Idiom2, true, w, r, w)
	r3 := db.GetiRoot(Idiom1, true, u, l)

	require.NoError(t, sinfo.Save(sinfoPath))
	require.NoError(t, db.Save(dbPath))

	loadedSinfo := staticinfo.New()
	require.NoError(t, loadedSinfo.Load(sinfoPath))
	loaded := NewDB()
	require.NoError(t, loaded.Load(dbPath, loadedSinfo))

	require.Equal(t, 3, loaded.NumiRoots())
	lr1 := loaded.FindiRoot(r1.ID(), true)
	require.NotNil(t, lr1)
	require.Equal(t, Idiom1, lr1.Idiom())
	require.Equal(t, MemWrite, lr1.GetEvent(0).Type())
	require.EqualValues(t, 0x10, lr1.GetEvent(0).Inst().Offset())

	lr2 := loaded.FindiRoot(r2.ID(), true)
	require.NotNil(t, lr2)
	require.Equal(t, Idiom2, lr2.Idiom())
	// e0 and e2 share identity in the round trip
	require.Same(t, lr2.GetEvent(0), lr2.GetEvent(2))

	lr3 := loaded.FindiRoot(r3.ID(), true)
	require.NotNil(t, lr3)
	require.Equal(t, MutexUnlock, lr3.GetEvent(0).Type())

	// interning continues without id collisions
	extra := loaded.GetiRoot(Idiom1, true, lr1.GetEvent(1), lr1.GetEvent(0))
	require.Greater(t, extra.ID(), r3.ID())
}

func TestLoadRejectsWrongMajorVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "iroot.db")
	require.NoError(t, writeFile(dbPath, `{"version":"v2.0.0","events":[],"iroots":[]}`))

	db := NewDB()
	require.Error(t, db.Load(dbPath, staticinfo.New()))
}
