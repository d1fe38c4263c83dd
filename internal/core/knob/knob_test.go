package knob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	r := NewRegistry()
	r.RegisterBool("strict", "strict priorities", true)
	r.RegisterInt("vw", "vulnerability window", 1000)
	r.RegisterStr("memo_in", "memo path", "memo.db")

	require.True(t, r.ValueBool("strict"))
	require.EqualValues(t, 1000, r.ValueInt("vw"))
	require.Equal(t, "memo.db", r.ValueStr("memo_in"))
}

func TestFirstRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.RegisterInt("unit_size", "granularity", 4)
	r.RegisterInt("unit_size", "granularity", 8)
	require.EqualValues(t, 4, r.ValueInt("unit_size"))
}

func TestSetOverride(t *testing.T) {
	r := NewRegistry()
	r.RegisterBool("strict", "strict priorities", true)
	r.RegisterInt("vw", "vulnerability window", 1000)

	require.NoError(t, r.Set("strict", "false"))
	require.NoError(t, r.Set("vw", "250"))
	require.False(t, r.ValueBool("strict"))
	require.EqualValues(t, 250, r.ValueInt("vw"))

	require.Error(t, r.Set("nope", "1"))
	require.Error(t, r.Set("vw", "not-a-number"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"strict = false\nvw = 500\nmemo_in = \"other.db\"\n"), 0o644))

	r := NewRegistry()
	r.RegisterBool("strict", "strict priorities", true)
	r.RegisterInt("vw", "vulnerability window", 1000)
	r.RegisterStr("memo_in", "memo path", "memo.db")

	require.NoError(t, r.LoadFile(path))
	require.False(t, r.ValueBool("strict"))
	require.EqualValues(t, 500, r.ValueInt("vw"))
	require.Equal(t, "other.db", r.ValueStr("memo_in"))
}

func TestLoadFileUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mystery = 1\n"), 0o644))

	r := NewRegistry()
	require.Error(t, r.LoadFile(path))
}

func TestLoadFileTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("vw = \"soon\"\n"), 0o644))

	r := NewRegistry()
	r.RegisterInt("vw", "vulnerability window", 1000)
	require.Error(t, r.LoadFile(path))
}

func TestMutexValidation(t *testing.T) {
	r := NewRegistry()
	r.RegisterBool("enable_observer", "legacy observer", false)
	r.RegisterBool("enable_observer_new", "new observer", true)
	r.RegisterMutex("please choose one observer", "enable_observer", "enable_observer_new")

	// default: only one enabled
	require.NoError(t, r.Validate())

	// both enabled is a configuration error
	require.NoError(t, r.Set("enable_observer", "true"))
	err := r.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "please choose one observer")

	// neither enabled is fine at this layer
	require.NoError(t, r.Set("enable_observer", "false"))
	require.NoError(t, r.Set("enable_observer_new", "false"))
	require.NoError(t, r.Validate())
}

func TestMutexOverUnregisteredKnobPanics(t *testing.T) {
	r := NewRegistry()
	r.RegisterBool("a", "a", false)
	defer func() {
		if recover() == nil {
			t.Fatalf("RegisterMutex over unregistered knob did not panic")
		}
	}()
	r.RegisterMutex("choose", "a", "b")
}

func TestValueKindMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.RegisterInt("vw", "vulnerability window", 1000)
	defer func() {
		if recover() == nil {
			t.Fatalf("ValueBool on an int knob did not panic")
		}
	}()
	r.ValueBool("vw")
}
