package interleave

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func dbKnobs(t *testing.T) map[string]string {
	t.Helper()
	dir := t.TempDir()
	m := map[string]string{}
	for _, name := range []string{"sinfo", "iroot", "memo", "sinst", "race"} {
		m[name+"_in"] = filepath.Join(dir, name+".db")
		m[name+"_out"] = filepath.Join(dir, name+".db")
	}
	m["test_history"] = filepath.Join(dir, "test.histo")
	m["stat_out"] = filepath.Join(dir, "stat.txt")
	return m
}

func TestEngineObserve(t *testing.T) {
	trace := `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"malloc","thd":0,"clk":1,"image":"app","offset":16,"size":64,"addr":4096}
{"kind":"mem_write","thd":0,"clk":10,"image":"app","offset":32,"addr":4096,"size":4}
{"kind":"mem_read","thd":1,"clk":12,"image":"app","offset":48,"addr":4096,"size":4}
`
	engine, err := NewEngine(Config{
		Mode:   ModeObserve,
		Logger: zerolog.Nop(),
		Knobs:  dbKnobs(t),
	})
	require.NoError(t, err)
	require.NotNil(t, engine)
	require.NoError(t, engine.Run(strings.NewReader(trace)))
}

func TestEngineRace(t *testing.T) {
	trace := `{"kind":"thread_start","thd":0}
{"kind":"thread_start","thd":1,"parent":0}
{"kind":"malloc","thd":0,"clk":1,"image":"app","offset":16,"size":64,"addr":8192}
{"kind":"mem_write","thd":0,"clk":5,"image":"app","offset":32,"addr":8192,"size":4}
{"kind":"mem_write","thd":1,"clk":6,"image":"app","offset":48,"addr":8192,"size":4}
`
	engine, err := NewEngine(Config{
		Mode:   ModeRace,
		Logger: zerolog.Nop(),
		Knobs:  dbKnobs(t),
	})
	require.NoError(t, err)
	require.NotNil(t, engine)
	require.NoError(t, engine.Run(strings.NewReader(trace)))
	require.Equal(t, 1, engine.Races())
}

func TestEngineActiveWithoutCandidates(t *testing.T) {
	engine, err := NewEngine(Config{
		Mode:   ModeActive,
		Logger: zerolog.Nop(),
		Knobs:  dbKnobs(t),
	})
	require.NoError(t, err)
	require.Nil(t, engine)
}

func TestEngineUnknownKnob(t *testing.T) {
	knobs := dbKnobs(t)
	knobs["definitely_not_a_knob"] = "1"
	_, err := NewEngine(Config{Mode: ModeObserve, Logger: zerolog.Nop(), Knobs: knobs})
	require.Error(t, err)
}
