// Package memo implements the memoization database: which iRoots have been
// observed, which have been actively tested, and with what outcome. The
// scheduler consults it to pick the next test target; the observer feeds it
// every candidate it discovers.
package memo

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/kolkov/interleave/internal/idiom/iroot"
)

// SchemaVersion is the persisted format version of memo databases.
const SchemaVersion = "v1.0.0"

// candidate is the per-iRoot memo record.
type candidate struct {
	iroot *iroot.IRoot

	// observed counts authoritative observations; shadowObserved counts
	// observations flagged as shadow, which never establish first
	// observation on their own.
	observed       uint64
	shadowObserved uint64

	testRuns uint64
	fails    uint64
	exposed  bool
	// failed marks candidates refined away after repeated failures.
	failed bool
	// async marks candidates whose exposure is suspected to need a
	// delayed yield rather than a strict priority inversion.
	async bool
}

// Memo is the memoization database.
type Memo struct {
	mu         sync.Mutex
	db         *iroot.DB
	candidates map[uint32]*candidate
	log        zerolog.Logger
}

// New creates an empty memo over the given iRoot database.
func New(db *iroot.DB, log zerolog.Logger) *Memo {
	return &Memo{
		db:         db,
		candidates: make(map[uint32]*candidate),
		log:        log.With().Str("component", "memo").Logger(),
	}
}

func (m *Memo) lock(locking bool) func() {
	if !locking {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memo) getCandidate(ir *iroot.IRoot) *candidate {
	c, ok := m.candidates[ir.ID()]
	if !ok {
		c = &candidate{iroot: ir}
		m.candidates[ir.ID()] = c
	}
	return c
}

// Observed records one observation of ir. Shadow observations are kept in
// a separate count and do not establish the candidate as authoritative.
func (m *Memo) Observed(ir *iroot.IRoot, shadow, locking bool) {
	defer m.lock(locking)()
	c := m.getCandidate(ir)
	if shadow {
		c.shadowObserved++
		return
	}
	if c.observed == 0 {
		m.log.Debug().Uint32("iroot", ir.ID()).Stringer("idiom", ir.Idiom()).
			Msg("first observation")
	}
	c.observed++
}

// TotalObserved returns how many authoritative observations ir has.
func (m *Memo) TotalObserved(ir *iroot.IRoot, locking bool) uint64 {
	defer m.lock(locking)()
	if c, ok := m.candidates[ir.ID()]; ok {
		return c.observed
	}
	return 0
}

// testable reports whether a candidate is eligible for active testing.
func (c *candidate) testable() bool {
	return c.observed > 0 && !c.exposed && !c.failed
}

// ChooseForTest picks the next test target: the eligible candidate with the
// fewest test runs, lowest iRoot id breaking ties. Returns nil when no
// candidate is eligible.
func (m *Memo) ChooseForTest(locking bool) *iroot.IRoot {
	defer m.lock(locking)()
	return m.choose(func(c *candidate) bool { return true })
}

// ChooseForTestByIdiom picks the next eligible target of one idiom.
func (m *Memo) ChooseForTestByIdiom(idiom iroot.IdiomType, locking bool) *iroot.IRoot {
	defer m.lock(locking)()
	return m.choose(func(c *candidate) bool { return c.iroot.Idiom() == idiom })
}

func (m *Memo) choose(pred func(*candidate) bool) *iroot.IRoot {
	ids := make([]uint32, 0, len(m.candidates))
	for id := range m.candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var best *candidate
	for _, id := range ids {
		c := m.candidates[id]
		if !c.testable() || !pred(c) {
			continue
		}
		if best == nil || c.testRuns < best.testRuns {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.iroot
}

// ChooseForTestByID returns the iRoot with the given id regardless of its
// candidate state, or nil when the id is unknown. Targeted runs bypass the
// eligibility rules.
func (m *Memo) ChooseForTestByID(id uint32, locking bool) *iroot.IRoot {
	defer m.lock(locking)()
	return m.db.FindiRoot(id, true)
}

// TestSuccess records an exposure of ir.
func (m *Memo) TestSuccess(ir *iroot.IRoot, locking bool) {
	defer m.lock(locking)()
	c := m.getCandidate(ir)
	c.testRuns++
	c.exposed = true
	m.log.Info().Uint32("iroot", ir.ID()).Stringer("idiom", ir.Idiom()).
		Uint64("test_runs", c.testRuns).Msg("iroot exposed")
}

// TestFail records a failed exposure attempt of ir.
func (m *Memo) TestFail(ir *iroot.IRoot, locking bool) {
	defer m.lock(locking)()
	c := m.getCandidate(ir)
	c.testRuns++
	c.fails++
	m.log.Info().Uint32("iroot", ir.ID()).Stringer("idiom", ir.Idiom()).
		Uint64("fails", c.fails).Msg("iroot test failed")
}

// TotalTestRuns returns how many active tests ir has been through.
func (m *Memo) TotalTestRuns(ir *iroot.IRoot, locking bool) uint64 {
	defer m.lock(locking)()
	if c, ok := m.candidates[ir.ID()]; ok {
		return c.testRuns
	}
	return 0
}

// Exposed reports whether ir has been actively exposed.
func (m *Memo) Exposed(ir *iroot.IRoot, locking bool) bool {
	defer m.lock(locking)()
	if c, ok := m.candidates[ir.ID()]; ok {
		return c.exposed
	}
	return false
}

// Async reports whether ir is marked as needing delayed yields.
func (m *Memo) Async(ir *iroot.IRoot, locking bool) bool {
	defer m.lock(locking)()
	if c, ok := m.candidates[ir.ID()]; ok {
		return c.async
	}
	return false
}

// SetAsync marks ir as needing delayed yields.
func (m *Memo) SetAsync(ir *iroot.IRoot, locking bool) {
	defer m.lock(locking)()
	m.getCandidate(ir).async = true
}

// RefineCandidate folds test outcomes into candidacy at program exit. With
// memoFailed set, candidates that failed this run are retired so later runs
// move on; otherwise their failure counts reset and they stay eligible.
func (m *Memo) RefineCandidate(memoFailed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.candidates {
		if c.exposed {
			continue
		}
		if c.fails == 0 {
			continue
		}
		if memoFailed {
			c.failed = true
			m.log.Debug().Uint32("iroot", c.iroot.ID()).Msg("candidate retired after failed tests")
		} else {
			c.fails = 0
		}
	}
}

type candidateProto struct {
	IRootID        uint32 `json:"iroot_id"`
	Observed       uint64 `json:"observed"`
	ShadowObserved uint64 `json:"shadow_observed,omitempty"`
	TestRuns       uint64 `json:"test_runs"`
	Fails          uint64 `json:"fails,omitempty"`
	Exposed        bool   `json:"exposed,omitempty"`
	Failed         bool   `json:"failed,omitempty"`
	Async          bool   `json:"async,omitempty"`
}

type memoProto struct {
	Version    string           `json:"version"`
	Candidates []candidateProto `json:"candidates"`
}

// Save writes the memo to path.
func (m *Memo) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	proto := memoProto{Version: SchemaVersion}
	for _, c := range m.candidates {
		proto.Candidates = append(proto.Candidates, candidateProto{
			IRootID:        c.iroot.ID(),
			Observed:       c.observed,
			ShadowObserved: c.shadowObserved,
			TestRuns:       c.testRuns,
			Fails:          c.fails,
			Exposed:        c.exposed,
			Failed:         c.failed,
			Async:          c.async,
		})
	}
	sort.Slice(proto.Candidates, func(i, j int) bool {
		return proto.Candidates[i].IRootID < proto.Candidates[j].IRootID
	})
	data, err := json.MarshalIndent(&proto, "", " ")
	if err != nil {
		return fmt.Errorf("memo: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a memo previously written by Save. iRoots are resolved against
// the iRoot database, which must be loaded first.
func (m *Memo) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var proto memoProto
	if err := json.Unmarshal(data, &proto); err != nil {
		return fmt.Errorf("memo: unmarshal %s: %w", path, err)
	}
	if !semver.IsValid(proto.Version) || semver.Major(proto.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("memo: %s: incompatible schema version %q", path, proto.Version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range proto.Candidates {
		ir := m.db.FindiRoot(cp.IRootID, true)
		if ir == nil {
			return fmt.Errorf("memo: %s: candidate references unknown iroot %d", path, cp.IRootID)
		}
		m.candidates[cp.IRootID] = &candidate{
			iroot:          ir,
			observed:       cp.Observed,
			shadowObserved: cp.ShadowObserved,
			testRuns:       cp.TestRuns,
			fails:          cp.Fails,
			exposed:        cp.Exposed,
			failed:         cp.Failed,
			async:          cp.Async,
		}
	}
	return nil
}
