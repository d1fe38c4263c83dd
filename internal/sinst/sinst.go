// Package sinst tracks shared instructions: program points observed to
// touch the same monitored unit from more than one thread. The controller
// persists the database across runs and hands it to the observer, which
// holds it without consulting it; the active scheduler does not use it.
package sinst

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/filter"
	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// SchemaVersion is the persisted format version of shared-inst databases.
const SchemaVersion = "v1.0.0"

// SharedInstDB is the set of instructions known to access shared units.
type SharedInstDB struct {
	mu     sync.Mutex
	shared map[uint32]*staticinfo.Inst
}

// NewDB creates an empty shared-instruction database.
func NewDB() *SharedInstDB {
	return &SharedInstDB{shared: make(map[uint32]*staticinfo.Inst)}
}

// Shared reports whether inst is known to be shared.
func (db *SharedInstDB) Shared(inst *staticinfo.Inst, locking bool) bool {
	if locking {
		db.mu.Lock()
		defer db.mu.Unlock()
	}
	_, ok := db.shared[inst.ID()]
	return ok
}

// SetShared marks inst as shared.
func (db *SharedInstDB) SetShared(inst *staticinfo.Inst, locking bool) {
	if locking {
		db.mu.Lock()
		defer db.mu.Unlock()
	}
	db.shared[inst.ID()] = inst
}

// NumShared returns the number of shared instructions.
func (db *SharedInstDB) NumShared() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.shared)
}

type dbProto struct {
	Version string   `json:"version"`
	InstIDs []uint32 `json:"inst_ids"`
}

// Save writes the database to path.
func (db *SharedInstDB) Save(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	proto := dbProto{Version: SchemaVersion}
	for id := range db.shared {
		proto.InstIDs = append(proto.InstIDs, id)
	}
	sort.Slice(proto.InstIDs, func(i, j int) bool { return proto.InstIDs[i] < proto.InstIDs[j] })
	data, err := json.MarshalIndent(&proto, "", " ")
	if err != nil {
		return fmt.Errorf("sinst db: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a database previously written by Save.
func (db *SharedInstDB) Load(path string, sinfo *staticinfo.StaticInfo) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var proto dbProto
	if err := json.Unmarshal(data, &proto); err != nil {
		return fmt.Errorf("sinst db: unmarshal %s: %w", path, err)
	}
	if !semver.IsValid(proto.Version) || semver.Major(proto.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("sinst db: %s: incompatible schema version %q", path, proto.Version)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, id := range proto.InstIDs {
		inst := sinfo.FindInst(id)
		if inst == nil {
			return fmt.Errorf("sinst db: %s: unknown inst %d", path, id)
		}
		db.shared[id] = inst
	}
	return nil
}

// unitMeta remembers the first thread that touched a unit and the
// instructions that touched it before it became shared.
type unitMeta struct {
	firstThd event.ThreadID
	hasFirst bool
	shared   bool
	insts    map[uint32]*staticinfo.Inst
}

// SharedInstAnalyzer consumes memory events and promotes instructions to
// shared when a unit is touched by a second thread.
type SharedInstAnalyzer struct {
	event.BaseAnalyzer

	mu       sync.Mutex
	db       *SharedInstDB
	filter   *filter.RegionFilter
	unitSize uint64
	meta     map[event.Addr]*unitMeta
	log      zerolog.Logger
}

// NewAnalyzer creates a shared-instruction analyzer feeding db.
func NewAnalyzer(db *SharedInstDB, unitSize uint64, log zerolog.Logger) *SharedInstAnalyzer {
	return &SharedInstAnalyzer{
		db:       db,
		filter:   filter.NewRegionFilter(),
		unitSize: unitSize,
		meta:     make(map[event.Addr]*unitMeta),
		log:      log.With().Str("component", "sinst").Logger(),
	}
}

// Name implements event.Analyzer.
func (a *SharedInstAnalyzer) Name() string { return "sinst" }

// BeforeMemRead implements event.Analyzer.
func (a *SharedInstAnalyzer) BeforeMemRead(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	a.processAccess(tid, inst, addr, size)
}

// BeforeMemWrite implements event.Analyzer.
func (a *SharedInstAnalyzer) BeforeMemWrite(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	a.processAccess(tid, inst, addr, size)
}

func (a *SharedInstAnalyzer) processAccess(tid event.ThreadID, inst *staticinfo.Inst, addr event.Addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.filter.Filter(addr, true) {
		return
	}
	start := event.UnitDown(addr, a.unitSize)
	end := event.UnitUp(addr+event.Addr(size), a.unitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(a.unitSize) {
		m, ok := a.meta[iaddr]
		if !ok {
			m = &unitMeta{insts: make(map[uint32]*staticinfo.Inst)}
			a.meta[iaddr] = m
		}
		if m.shared {
			a.db.SetShared(inst, true)
			continue
		}
		if !m.hasFirst {
			m.hasFirst = true
			m.firstThd = tid
		}
		m.insts[inst.ID()] = inst
		if m.firstThd != tid {
			// second thread: everything seen at this unit becomes shared
			m.shared = true
			for _, si := range m.insts {
				a.db.SetShared(si, true)
			}
			m.insts = nil
			m.insts = make(map[uint32]*staticinfo.Inst)
		}
	}
}

// AfterMalloc implements event.Analyzer.
func (a *SharedInstAnalyzer) AfterMalloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, size uint64, addr event.Addr) {
	a.filter.AddRegion(addr, size, true)
}

// AfterCalloc implements event.Analyzer.
func (a *SharedInstAnalyzer) AfterCalloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, nmemb, size uint64, addr event.Addr) {
	a.filter.AddRegion(addr, nmemb*size, true)
}

// BeforeRealloc implements event.Analyzer.
func (a *SharedInstAnalyzer) BeforeRealloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, oriAddr event.Addr, size uint64) {
	a.freeRegion(oriAddr)
}

// AfterRealloc implements event.Analyzer.
func (a *SharedInstAnalyzer) AfterRealloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, oriAddr event.Addr, size uint64, newAddr event.Addr) {
	a.filter.AddRegion(newAddr, size, true)
}

// BeforeFree implements event.Analyzer.
func (a *SharedInstAnalyzer) BeforeFree(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, addr event.Addr) {
	a.freeRegion(addr)
}

// AfterValloc implements event.Analyzer.
func (a *SharedInstAnalyzer) AfterValloc(tid event.ThreadID, clk event.Timestamp, inst *staticinfo.Inst, size uint64, addr event.Addr) {
	a.filter.AddRegion(addr, size, true)
}

// ImageLoad implements event.Analyzer.
func (a *SharedInstAnalyzer) ImageLoad(image *staticinfo.Image, lowAddr, highAddr, dataStart event.Addr, dataSize uint64, bssStart event.Addr, bssSize uint64) {
	if dataStart != 0 {
		a.filter.AddRegion(dataStart, dataSize, true)
	}
	if bssStart != 0 {
		a.filter.AddRegion(bssStart, bssSize, true)
	}
}

// ImageUnload implements event.Analyzer.
func (a *SharedInstAnalyzer) ImageUnload(image *staticinfo.Image, lowAddr, highAddr, dataStart event.Addr, dataSize uint64, bssStart event.Addr, bssSize uint64) {
	if dataStart != 0 {
		a.freeRegion(dataStart)
	}
	if bssStart != 0 {
		a.freeRegion(bssStart)
	}
}

func (a *SharedInstAnalyzer) freeRegion(addr event.Addr) {
	if addr == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	size := a.filter.RemoveRegion(addr, true)
	start := event.UnitDown(addr, a.unitSize)
	end := event.UnitUp(addr+event.Addr(size), a.unitSize)
	for iaddr := start; iaddr < end; iaddr += event.Addr(a.unitSize) {
		delete(a.meta, iaddr)
	}
}
