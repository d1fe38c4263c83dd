package race

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// SchemaVersion is the persisted format version of race databases.
const SchemaVersion = "v1.0.0"

// EventType classifies one side of a race pair.
type EventType int

const (
	// EventRead is the read side of a race.
	EventRead EventType = iota
	// EventWrite is the write side of a race.
	EventWrite
)

func (t EventType) String() string {
	if t == EventRead {
		return "READ"
	}
	return "WRITE"
}

// StaticEvent is an interned (instruction, access type) pair.
type StaticEvent struct {
	id   uint32
	inst *staticinfo.Inst
	typ  EventType
}

// ID returns the persistent id of the static event.
func (e *StaticEvent) ID() uint32 { return e.id }

// Inst returns the program point.
func (e *StaticEvent) Inst() *staticinfo.Inst { return e.inst }

// Type returns the access type.
func (e *StaticEvent) Type() EventType { return e.typ }

// StaticRace is an interned ordered pair of static events; dynamic races
// with the same pair dedup onto one static race.
type StaticRace struct {
	id     uint32
	events []*StaticEvent
}

// ID returns the persistent id of the static race.
func (r *StaticRace) ID() uint32 { return r.id }

// Events returns the static events of the race.
func (r *StaticRace) Events() []*StaticEvent { return r.events }

// RaceEvent is one side of a dynamic race.
type RaceEvent struct {
	thd         event.ThreadID
	staticEvent *StaticEvent
}

// Thread returns the thread of this side.
func (e *RaceEvent) Thread() event.ThreadID { return e.thd }

// Inst returns the program point of this side.
func (e *RaceEvent) Inst() *staticinfo.Inst { return e.staticEvent.inst }

// Type returns the access type of this side.
func (e *RaceEvent) Type() EventType { return e.staticEvent.typ }

// Race is one dynamic race occurrence.
type Race struct {
	execID     int
	addr       event.Addr
	events     []*RaceEvent
	staticRace *StaticRace
}

// ExecID returns the execution in which the race occurred.
func (r *Race) ExecID() int { return r.execID }

// Addr returns the racy address.
func (r *Race) Addr() event.Addr { return r.addr }

// Events returns the two sides of the race.
func (r *Race) Events() []*RaceEvent { return r.events }

// Static returns the interned static race.
func (r *Race) Static() *StaticRace { return r.staticRace }

type staticEventKey struct {
	instID uint32
	typ    EventType
}

// DB is the race database: interned static events and races plus the
// dynamic race log, persisted across executions.
type DB struct {
	mu sync.Mutex

	currStaticEventID uint32
	currStaticRaceID  uint32
	currExecID        int

	staticEvents    map[uint32]*StaticEvent
	staticEventKeys map[staticEventKey]*StaticEvent
	staticRaces     map[uint32]*StaticRace
	staticRaceKeys  map[[2]uint32]*StaticRace

	races    []*Race
	racyInst map[uint32]*staticinfo.Inst
}

// NewDB creates an empty race database.
func NewDB() *DB {
	return &DB{
		staticEvents:    make(map[uint32]*StaticEvent),
		staticEventKeys: make(map[staticEventKey]*StaticEvent),
		staticRaces:     make(map[uint32]*StaticRace),
		staticRaceKeys:  make(map[[2]uint32]*StaticRace),
		racyInst:        make(map[uint32]*staticinfo.Inst),
	}
}

func (db *DB) lock(locking bool) func() {
	if !locking {
		return func() {}
	}
	db.mu.Lock()
	return db.mu.Unlock
}

// GetStaticRaceEvent interns the static event (inst, typ).
func (db *DB) GetStaticRaceEvent(inst *staticinfo.Inst, typ EventType, locking bool) *StaticEvent {
	defer db.lock(locking)()
	key := staticEventKey{instID: inst.ID(), typ: typ}
	if e, ok := db.staticEventKeys[key]; ok {
		return e
	}
	db.currStaticEventID++
	e := &StaticEvent{id: db.currStaticEventID, inst: inst, typ: typ}
	db.staticEventKeys[key] = e
	db.staticEvents[e.id] = e
	return e
}

// GetStaticRace interns the static race (e0, e1).
func (db *DB) GetStaticRace(e0, e1 *StaticEvent, locking bool) *StaticRace {
	defer db.lock(locking)()
	key := [2]uint32{e0.id, e1.id}
	if r, ok := db.staticRaceKeys[key]; ok {
		return r
	}
	db.currStaticRaceID++
	r := &StaticRace{id: db.currStaticRaceID, events: []*StaticEvent{e0, e1}}
	db.staticRaceKeys[key] = r
	db.staticRaces[r.id] = r
	return r
}

// CreateRace records a dynamic race between (t0, i0, p0) and (t1, i1, p1)
// at addr. The underlying static race is interned, deduplicating repeated
// occurrences of the same instruction pair.
func (db *DB) CreateRace(addr event.Addr, t0 event.ThreadID, i0 *staticinfo.Inst, p0 EventType,
	t1 event.ThreadID, i1 *staticinfo.Inst, p1 EventType, locking bool) *Race {
	defer db.lock(locking)()
	e0 := &RaceEvent{thd: t0, staticEvent: db.GetStaticRaceEvent(i0, p0, false)}
	e1 := &RaceEvent{thd: t1, staticEvent: db.GetStaticRaceEvent(i1, p1, false)}
	r := &Race{
		execID:     db.currExecID,
		addr:       addr,
		events:     []*RaceEvent{e0, e1},
		staticRace: db.GetStaticRace(e0.staticEvent, e1.staticEvent, false),
	}
	db.races = append(db.races, r)
	return r
}

// SetRacyInst flags inst as involved in a race.
func (db *DB) SetRacyInst(inst *staticinfo.Inst, locking bool) {
	defer db.lock(locking)()
	db.racyInst[inst.ID()] = inst
}

// RacyInst reports whether inst has been flagged racy.
func (db *DB) RacyInst(inst *staticinfo.Inst, locking bool) bool {
	defer db.lock(locking)()
	_, ok := db.racyInst[inst.ID()]
	return ok
}

// NumRaces returns the number of recorded dynamic races.
func (db *DB) NumRaces() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.races)
}

// NumStaticRaces returns the number of interned static races.
func (db *DB) NumStaticRaces() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.staticRaces)
}

// Races returns the dynamic race log.
func (db *DB) Races() []*Race {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]*Race(nil), db.races...)
}

type staticEventProto struct {
	ID     uint32 `json:"id"`
	InstID uint32 `json:"inst_id"`
	Type   int    `json:"type"`
}

type staticRaceProto struct {
	ID       uint32   `json:"id"`
	EventIDs []uint32 `json:"event_ids"`
}

type raceEventProto struct {
	Thd      uint64 `json:"thd"`
	StaticID uint32 `json:"static_id"`
}

type raceProto struct {
	ExecID   int              `json:"exec_id"`
	Addr     uint64           `json:"addr"`
	Events   []raceEventProto `json:"events"`
	StaticID uint32           `json:"static_id"`
}

type dbProto struct {
	Version      string             `json:"version"`
	StaticEvents []staticEventProto `json:"static_events"`
	StaticRaces  []staticRaceProto  `json:"static_races"`
	Races        []raceProto        `json:"races"`
	RacyInstIDs  []uint32           `json:"racy_inst_ids"`
}

// Save writes the database to path.
func (db *DB) Save(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	proto := dbProto{Version: SchemaVersion}
	for _, e := range db.staticEvents {
		proto.StaticEvents = append(proto.StaticEvents,
			staticEventProto{ID: e.id, InstID: e.inst.ID(), Type: int(e.typ)})
	}
	for _, r := range db.staticRaces {
		rp := staticRaceProto{ID: r.id}
		for _, e := range r.events {
			rp.EventIDs = append(rp.EventIDs, e.id)
		}
		proto.StaticRaces = append(proto.StaticRaces, rp)
	}
	for _, r := range db.races {
		rp := raceProto{ExecID: r.execID, Addr: uint64(r.addr), StaticID: r.staticRace.id}
		for _, e := range r.events {
			rp.Events = append(rp.Events, raceEventProto{Thd: uint64(e.thd), StaticID: e.staticEvent.id})
		}
		proto.Races = append(proto.Races, rp)
	}
	for id := range db.racyInst {
		proto.RacyInstIDs = append(proto.RacyInstIDs, id)
	}
	sort.Slice(proto.StaticEvents, func(i, j int) bool { return proto.StaticEvents[i].ID < proto.StaticEvents[j].ID })
	sort.Slice(proto.StaticRaces, func(i, j int) bool { return proto.StaticRaces[i].ID < proto.StaticRaces[j].ID })
	sort.Slice(proto.RacyInstIDs, func(i, j int) bool { return proto.RacyInstIDs[i] < proto.RacyInstIDs[j] })
	data, err := json.MarshalIndent(&proto, "", " ")
	if err != nil {
		return fmt.Errorf("race db: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a database previously written by Save. The execution id
// advances past the highest recorded one so that the races of this run are
// attributed to a fresh execution.
func (db *DB) Load(path string, sinfo *staticinfo.StaticInfo) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var proto dbProto
	if err := json.Unmarshal(data, &proto); err != nil {
		return fmt.Errorf("race db: unmarshal %s: %w", path, err)
	}
	if !semver.IsValid(proto.Version) || semver.Major(proto.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("race db: %s: incompatible schema version %q", path, proto.Version)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ep := range proto.StaticEvents {
		inst := sinfo.FindInst(ep.InstID)
		if inst == nil {
			return fmt.Errorf("race db: %s: static event %d references unknown inst %d", path, ep.ID, ep.InstID)
		}
		e := &StaticEvent{id: ep.ID, inst: inst, typ: EventType(ep.Type)}
		db.staticEvents[e.id] = e
		db.staticEventKeys[staticEventKey{instID: inst.ID(), typ: e.typ}] = e
		if db.currStaticEventID < e.id {
			db.currStaticEventID = e.id
		}
	}
	for _, rp := range proto.StaticRaces {
		r := &StaticRace{id: rp.ID}
		for _, eid := range rp.EventIDs {
			e := db.staticEvents[eid]
			if e == nil {
				return fmt.Errorf("race db: %s: static race %d references unknown event %d", path, rp.ID, eid)
			}
			r.events = append(r.events, e)
		}
		db.staticRaces[r.id] = r
		if len(r.events) == 2 {
			db.staticRaceKeys[[2]uint32{r.events[0].id, r.events[1].id}] = r
		}
		if db.currStaticRaceID < r.id {
			db.currStaticRaceID = r.id
		}
	}
	for _, rp := range proto.Races {
		r := &Race{execID: rp.ExecID, addr: event.Addr(rp.Addr), staticRace: db.staticRaces[rp.StaticID]}
		if r.staticRace == nil {
			return fmt.Errorf("race db: %s: race references unknown static race %d", path, rp.StaticID)
		}
		for _, ep := range rp.Events {
			e := db.staticEvents[ep.StaticID]
			if e == nil {
				return fmt.Errorf("race db: %s: race references unknown static event %d", path, ep.StaticID)
			}
			r.events = append(r.events, &RaceEvent{thd: event.ThreadID(ep.Thd), staticEvent: e})
		}
		db.races = append(db.races, r)
		if db.currExecID < r.execID {
			db.currExecID = r.execID
		}
	}
	db.currExecID++
	for _, id := range proto.RacyInstIDs {
		inst := sinfo.FindInst(id)
		if inst == nil {
			return fmt.Errorf("race db: %s: racy inst %d unknown", path, id)
		}
		db.racyInst[id] = inst
	}
	return nil
}
