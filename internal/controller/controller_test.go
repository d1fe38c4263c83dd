package controller

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/knob"
	"github.com/kolkov/interleave/internal/core/osprio"
	"github.com/kolkov/interleave/internal/idiom/scheduler"
)

// testKnobs resolves every database path into dir.
func testKnobs(t *testing.T, dir string, overrides map[string]string) *knob.Registry {
	t.Helper()
	k := knob.NewRegistry()
	RegisterKnobs(k)
	paths := map[string]string{
		"sinfo_in": "sinfo.db", "sinfo_out": "sinfo.db",
		"iroot_in": "iroot.db", "iroot_out": "iroot.db",
		"memo_in": "memo.db", "memo_out": "memo.db",
		"sinst_in": "sinst.db", "sinst_out": "sinst.db",
		"race_in": "race.db", "race_out": "race.db",
		"test_history": "test.histo",
	}
	for name, file := range paths {
		require.NoError(t, k.Set(name, filepath.Join(dir, file)))
	}
	require.NoError(t, k.Set("stat_out", filepath.Join(dir, "stat.txt")))
	for name, value := range overrides {
		require.NoError(t, k.Set(name, value))
	}
	return k
}

const observeTrace = `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"malloc","thd":0,"clk":1,"image":"app","offset":16,"size":64,"addr":4096}
{"kind":"mem_write","thd":0,"clk":10,"image":"app","offset":32,"addr":4096,"size":4}
{"kind":"mem_read","thd":1,"clk":12,"image":"app","offset":48,"addr":4096,"size":4}
{"kind":"thread_exit","thd":1,"clk":20}
{"kind":"thread_exit","thd":0,"clk":21}
`

// TestObserveThenActiveExposure runs the observe mode, persists its
// databases, and replays the same execution in active mode against the
// discovered candidate.
func TestObserveThenActiveExposure(t *testing.T) {
	dir := t.TempDir()

	// observe: discover the idiom-1 candidate
	obsCtrl := New(ModeObserve, testKnobs(t, dir, nil), zerolog.Nop())
	proceed, err := obsCtrl.Setup()
	require.NoError(t, err)
	require.True(t, proceed)
	require.NoError(t, obsCtrl.Run(strings.NewReader(observeTrace)))
	require.Equal(t, 1, obsCtrl.IRootDB().NumiRoots())

	// active: the persisted candidate is chosen and exposed by the replay
	actCtrl := New(ModeActive, testKnobs(t, dir, nil), zerolog.Nop())
	actCtrl.SchedulerDeps = scheduler.Deps{
		Control: osprio.NewFakeControl(),
		OSTID:   func(tid event.ThreadID) int { return int(tid) + 100 },
	}
	proceed, err = actCtrl.Setup()
	require.NoError(t, err)
	require.True(t, proceed)
	target := actCtrl.Scheduler().Target()
	require.NotNil(t, target)

	require.NoError(t, actCtrl.Run(strings.NewReader(observeTrace)))
	require.True(t, actCtrl.Scheduler().Exposed())
	require.Equal(t, 0, actCtrl.ExitCode())

	// a third run finds nothing left to test
	thirdCtrl := New(ModeActive, testKnobs(t, dir, nil), zerolog.Nop())
	thirdCtrl.SchedulerDeps = actCtrl.SchedulerDeps
	proceed, err = thirdCtrl.Setup()
	require.NoError(t, err)
	require.False(t, proceed)
	require.Equal(t, 0, thirdCtrl.ExitCode())
}

// TestInvalidTargetIRootFailsFast verifies the configuration-error path.
func TestInvalidTargetIRootFailsFast(t *testing.T) {
	dir := t.TempDir()
	k := testKnobs(t, dir, map[string]string{"target_iroot": "424242"})
	ctrl := New(ModeActive, k, zerolog.Nop())
	ctrl.SchedulerDeps = scheduler.Deps{
		Control: osprio.NewFakeControl(),
		OSTID:   func(tid event.ThreadID) int { return int(tid) },
	}
	proceed, err := ctrl.Setup()
	require.Error(t, err)
	require.False(t, proceed)
	require.Equal(t, 1, ctrl.ExitCode())
}

// TestRaceModeEndToEnd replays an unsynchronized write pair and persists
// the race database.
func TestRaceModeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	trace := `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"malloc","thd":0,"clk":1,"image":"app","offset":16,"size":64,"addr":8192}
{"kind":"mem_write","thd":0,"clk":5,"image":"app","offset":32,"addr":8192,"size":4}
{"kind":"mem_write","thd":1,"clk":6,"image":"app","offset":48,"addr":8192,"size":4}
`
	ctrl := New(ModeRace, testKnobs(t, dir, nil), zerolog.Nop())
	proceed, err := ctrl.Setup()
	require.NoError(t, err)
	require.True(t, proceed)
	require.NoError(t, ctrl.Run(strings.NewReader(trace)))
	require.Equal(t, 1, ctrl.RaceDB().NumRaces())

	// the race log round-trips into the next execution
	ctrl2 := New(ModeRace, testKnobs(t, dir, nil), zerolog.Nop())
	proceed, err = ctrl2.Setup()
	require.NoError(t, err)
	require.True(t, proceed)
	require.Equal(t, 1, ctrl2.RaceDB().NumRaces())
}

// TestPCTModeEndToEnd replays a trace through the pct scheduler and
// verifies the history file is produced.
func TestPCTModeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	k := testKnobs(t, dir, map[string]string{
		"pct_history": filepath.Join(dir, "pct.histo"),
		"random_seed": "7",
	})
	ctrl := New(ModePCT, k, zerolog.Nop())
	ctrl.SchedulerDeps = scheduler.Deps{
		Control: osprio.NewFakeControl(),
		OSTID:   func(tid event.ThreadID) int { return int(tid) + 100 },
	}
	proceed, err := ctrl.Setup()
	require.NoError(t, err)
	require.True(t, proceed)

	trace := `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"inst_count","thd":1,"count":1000}
{"kind":"thread_exit","thd":1,"clk":10}
`
	require.NoError(t, ctrl.Run(strings.NewReader(trace)))
	require.FileExists(t, filepath.Join(dir, "pct.histo"))
}

// TestRandomModeEndToEnd replays a trace through the random scheduler in
// delay-free priority mode.
func TestRandomModeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	k := testKnobs(t, dir, map[string]string{
		"rand_history": filepath.Join(dir, "rand.histo"),
		"random_seed":  "7",
	})
	ctrl := New(ModeRandom, k, zerolog.Nop())
	ctrl.SchedulerDeps = scheduler.Deps{
		Control: osprio.NewFakeControl(),
		OSTID:   func(tid event.ThreadID) int { return int(tid) + 100 },
	}
	proceed, err := ctrl.Setup()
	require.NoError(t, err)
	require.True(t, proceed)

	trace := `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"inst_count","thd":1,"count":1000}
`
	require.NoError(t, ctrl.Run(strings.NewReader(trace)))
	require.FileExists(t, filepath.Join(dir, "rand.histo"))
}

// TestObserverChoiceGuard verifies that enabling both observer flavors is
// rejected before any analyzer is wired.
func TestObserverChoiceGuard(t *testing.T) {
	dir := t.TempDir()
	k := testKnobs(t, dir, map[string]string{"enable_observer": "true"})
	ctrl := New(ModeObserve, k, zerolog.Nop())
	proceed, err := ctrl.Setup()
	require.Error(t, err)
	require.Contains(t, err.Error(), "choose one observer")
	require.False(t, proceed)
	require.Equal(t, 1, ctrl.ExitCode())
	require.Empty(t, ctrl.Analyzers())
}

// TestObserveRequiresAnObserver verifies that disabling both flavors is a
// configuration error.
func TestObserveRequiresAnObserver(t *testing.T) {
	dir := t.TempDir()
	k := testKnobs(t, dir, map[string]string{"enable_observer_new": "false"})
	ctrl := New(ModeObserve, k, zerolog.Nop())
	proceed, err := ctrl.Setup()
	require.Error(t, err)
	require.False(t, proceed)
	require.Equal(t, 1, ctrl.ExitCode())
}

// TestLegacyObserverIgnoresComplexIdioms verifies that the legacy flavor
// only derives direct dependencies even when the complex knobs are on.
func TestLegacyObserverIgnoresComplexIdioms(t *testing.T) {
	// the idiom-2 round trip W, remote R, W
	trace := `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"malloc","thd":0,"clk":1,"image":"app","offset":16,"size":64,"addr":4096}
{"kind":"mem_write","thd":0,"clk":10,"image":"app","offset":32,"addr":4096,"size":4}
{"kind":"mem_read","thd":1,"clk":12,"image":"app","offset":48,"addr":4096,"size":4}
{"kind":"mem_write","thd":0,"clk":14,"image":"app","offset":32,"addr":4096,"size":4}
`
	run := func(overrides map[string]string) *Controller {
		dir := t.TempDir()
		ctrl := New(ModeObserve, testKnobs(t, dir, overrides), zerolog.Nop())
		proceed, err := ctrl.Setup()
		require.NoError(t, err)
		require.True(t, proceed)
		require.NoError(t, ctrl.Run(strings.NewReader(trace)))
		return ctrl
	}

	legacy := run(map[string]string{
		"complex_idioms":      "true",
		"enable_observer_new": "false",
		"enable_observer":     "true",
	})
	for _, id := range legacy.IRootDB().RootsByIdiom(2) {
		t.Errorf("legacy observer recorded complex iroot %d", id)
	}

	full := run(map[string]string{"complex_idioms": "true"})
	require.NotEmpty(t, full.IRootDB().RootsByIdiom(2))
}

// TestUnitSizeValidation verifies the fail-fast configuration check.
func TestUnitSizeValidation(t *testing.T) {
	dir := t.TempDir()
	k := testKnobs(t, dir, map[string]string{"unit_size": "0"})
	ctrl := New(ModeObserve, k, zerolog.Nop())
	_, err := ctrl.Setup()
	require.Error(t, err)
}
