// Package stat implements execution statistics in the Inc/Max/Min/Rec
// style, backed by a prometheus registry so that a run's counters can be
// dumped in the standard text exposition format.
//
// The historical macro surface had two defects that are resolved here: the
// "safe max" variant behaves as a maximum (not an increment), and the "safe
// rec" variant records with locking enabled.
package stat

import (
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "interleave"

// Stat collects named counters, extrema and samples.
//
// Variables are created lazily on first use. Methods take a locking flag in
// the database convention: callers already holding the stat lock through a
// re-entrant path pass false. In this implementation the flag only guards
// the variable tables; the underlying prometheus primitives are themselves
// safe for concurrent use.
type Stat struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	maxes    map[string]*extremum
	mins     map[string]*extremum
	recs     map[string]prometheus.Histogram
}

type extremum struct {
	gauge prometheus.Gauge
	seen  bool
	value uint64
}

// New creates an empty statistics table with its own registry.
func New() *Stat {
	return &Stat{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		maxes:    make(map[string]*extremum),
		mins:     make(map[string]*extremum),
		recs:     make(map[string]prometheus.Histogram),
	}
}

// Inc adds i to the counter var.
func (s *Stat) Inc(varName string, i uint64, locking bool) {
	if locking {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	c, ok := s.counters[varName]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      varName,
			Help:      "event counter " + varName,
		})
		s.registry.MustRegister(c)
		s.counters[varName] = c
	}
	c.Add(float64(i))
}

// Max raises the gauge var to i when i exceeds the recorded maximum.
func (s *Stat) Max(varName string, i uint64, locking bool) {
	if locking {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	e, ok := s.maxes[varName]
	if !ok {
		e = &extremum{gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      varName + "_max",
			Help:      "maximum of " + varName,
		})}
		s.registry.MustRegister(e.gauge)
		s.maxes[varName] = e
	}
	if !e.seen || i > e.value {
		e.seen = true
		e.value = i
		e.gauge.Set(float64(i))
	}
}

// Min lowers the gauge var to i when i is below the recorded minimum.
func (s *Stat) Min(varName string, i uint64, locking bool) {
	if locking {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	e, ok := s.mins[varName]
	if !ok {
		e = &extremum{gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      varName + "_min",
			Help:      "minimum of " + varName,
		})}
		s.registry.MustRegister(e.gauge)
		s.mins[varName] = e
	}
	if !e.seen || i < e.value {
		e.seen = true
		e.value = i
		e.gauge.Set(float64(i))
	}
}

// Rec records one sample of var into its histogram.
func (s *Stat) Rec(varName string, i uint64, locking bool) {
	if locking {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	h, ok := s.recs[varName]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      varName + "_samples",
			Help:      "samples of " + varName,
			Buckets:   prometheus.ExponentialBuckets(1, 4, 16),
		})
		s.registry.MustRegister(h)
		s.recs[varName] = h
	}
	h.Observe(float64(i))
}

// MaxValue returns the recorded maximum of var (0 when never set).
func (s *Stat) MaxValue(varName string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.maxes[varName]; ok && e.seen {
		return e.value
	}
	return 0
}

// CounterValue returns the current value of a counter (0 when absent).
// Used by tests.
func (s *Stat) CounterValue(varName string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[varName]; !ok {
		return 0
	}
	// read the counter back through the registry
	fams, err := s.registry.Gather()
	if err != nil {
		return 0
	}
	want := namespace + "_" + varName
	for _, fam := range fams {
		if fam.GetName() != want {
			continue
		}
		for _, m := range fam.GetMetric() {
			if m.GetCounter() != nil {
				return uint64(m.GetCounter().GetValue())
			}
		}
	}
	return 0
}

// Display gathers the registry and writes the text exposition format to
// fname. An empty fname writes to stderr.
func (s *Stat) Display(fname string) error {
	fams, err := s.registry.Gather()
	if err != nil {
		return fmt.Errorf("stat: gather: %w", err)
	}
	out := os.Stderr
	if fname != "" {
		f, err := os.Create(fname)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := expfmt.NewEncoder(out, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range fams {
		if err := enc.Encode(fam); err != nil {
			return fmt.Errorf("stat: encode %s: %w", fam.GetName(), err)
		}
	}
	return nil
}
