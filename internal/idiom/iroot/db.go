package iroot

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// SchemaVersion is the persisted database format version. Loading rejects
// files whose major version differs.
const SchemaVersion = "v1.0.0"

type eventKey struct {
	instID uint32
	typ    EventType
}

// DB interns iRoot events and iRoots. The lookup and interning methods take
// a locking flag in the database convention: pass false when the DB lock is already held
// through a re-entrant call.
type DB struct {
	mu sync.Mutex

	currEventID uint32
	currRootID  uint32

	eventsByID  map[uint32]*Event
	eventsByKey map[eventKey]*Event

	rootsByID  map[uint32]*IRoot
	rootsByKey map[string]*IRoot
}

// NewDB creates an empty iRoot database.
func NewDB() *DB {
	return &DB{
		eventsByID:  make(map[uint32]*Event),
		eventsByKey: make(map[eventKey]*Event),
		rootsByID:   make(map[uint32]*IRoot),
		rootsByKey:  make(map[string]*IRoot),
	}
}

func (db *DB) lock(locking bool) func() {
	if !locking {
		return func() {}
	}
	db.mu.Lock()
	return db.mu.Unlock
}

// GetiRootEvent interns the event (inst, typ).
func (db *DB) GetiRootEvent(inst *staticinfo.Inst, typ EventType, locking bool) *Event {
	defer db.lock(locking)()
	key := eventKey{instID: inst.ID(), typ: typ}
	if e, ok := db.eventsByKey[key]; ok {
		return e
	}
	db.currEventID++
	e := &Event{id: db.currEventID, inst: inst, typ: typ}
	db.eventsByKey[key] = e
	db.eventsByID[e.id] = e
	return e
}

// FindiRootEvent returns the event with the given id, or nil.
func (db *DB) FindiRootEvent(id uint32, locking bool) *Event {
	defer db.lock(locking)()
	return db.eventsByID[id]
}

func rootKey(idiom IdiomType, events []*Event) string {
	key := fmt.Sprintf("%d:", int(idiom))
	for _, e := range events {
		key += fmt.Sprintf("%d,", e.id)
	}
	return key
}

// GetiRoot interns the iRoot (idiom, events...). The event count must match
// the idiom's shape.
func (db *DB) GetiRoot(idiom IdiomType, locking bool, events ...*Event) *IRoot {
	defer db.lock(locking)()
	if len(events) != idiom.NumEvents() {
		panic(fmt.Sprintf("iroot: %s takes %d events, got %d", idiom, idiom.NumEvents(), len(events)))
	}
	key := rootKey(idiom, events)
	if r, ok := db.rootsByKey[key]; ok {
		return r
	}
	db.currRootID++
	r := &IRoot{id: db.currRootID, idiom: idiom, events: append([]*Event(nil), events...)}
	db.rootsByKey[key] = r
	db.rootsByID[r.id] = r
	return r
}

// FindiRoot returns the iRoot with the given id, or nil.
func (db *DB) FindiRoot(id uint32, locking bool) *IRoot {
	defer db.lock(locking)()
	return db.rootsByID[id]
}

// NumiRoots returns the number of interned iRoots.
func (db *DB) NumiRoots() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rootsByID)
}

// RootsByIdiom returns the ids of all iRoots of the given idiom in
// ascending order.
func (db *DB) RootsByIdiom(idiom IdiomType) []uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []uint32
	for id, r := range db.rootsByID {
		if r.idiom == idiom {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type eventProto struct {
	ID     uint32 `json:"id"`
	InstID uint32 `json:"inst_id"`
	Type   int    `json:"type"`
}

type rootProto struct {
	ID       uint32   `json:"id"`
	Idiom    int      `json:"idiom"`
	EventIDs []uint32 `json:"event_ids"`
}

type dbProto struct {
	Version string       `json:"version"`
	Events  []eventProto `json:"events"`
	Roots   []rootProto  `json:"iroots"`
}

// Save writes the database to path. Interned identities persist as integer
// ids; instructions are referenced by their static-info ids.
func (db *DB) Save(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	proto := dbProto{Version: SchemaVersion}
	for _, e := range db.eventsByID {
		proto.Events = append(proto.Events, eventProto{ID: e.id, InstID: e.inst.ID(), Type: int(e.typ)})
	}
	for _, r := range db.rootsByID {
		rp := rootProto{ID: r.id, Idiom: int(r.idiom)}
		for _, e := range r.events {
			rp.EventIDs = append(rp.EventIDs, e.id)
		}
		proto.Roots = append(proto.Roots, rp)
	}
	sort.Slice(proto.Events, func(i, j int) bool { return proto.Events[i].ID < proto.Events[j].ID })
	sort.Slice(proto.Roots, func(i, j int) bool { return proto.Roots[i].ID < proto.Roots[j].ID })
	data, err := json.MarshalIndent(&proto, "", " ")
	if err != nil {
		return fmt.Errorf("iroot db: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a database previously written by Save, resolving instructions
// through sinfo. A missing file leaves the database empty. Files written by
// a different major schema version are rejected.
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
		return fmt.Errorf("iroot db: unmarshal %s: %w", path, err)
	}
	if !semver.IsValid(proto.Version) || semver.Major(proto.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("iroot db: %s: incompatible schema version %q (want %s.x)",
			path, proto.Version, semver.Major(SchemaVersion))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ep := range proto.Events {
		inst := sinfo.FindInst(ep.InstID)
		if inst == nil {
			return fmt.Errorf("iroot db: %s: event %d references unknown inst %d", path, ep.ID, ep.InstID)
		}
		e := &Event{id: ep.ID, inst: inst, typ: EventType(ep.Type)}
		db.eventsByID[e.id] = e
		db.eventsByKey[eventKey{instID: inst.ID(), typ: e.typ}] = e
		if db.currEventID < e.id {
			db.currEventID = e.id
		}
	}
	for _, rp := range proto.Roots {
		r := &IRoot{id: rp.ID, idiom: IdiomType(rp.Idiom)}
		for _, eid := range rp.EventIDs {
			e := db.eventsByID[eid]
			if e == nil {
				return fmt.Errorf("iroot db: %s: iroot %d references unknown event %d", path, rp.ID, eid)
			}
			r.events = append(r.events, e)
		}
		db.rootsByID[r.id] = r
		db.rootsByKey[rootKey(r.idiom, r.events)] = r
		if db.currRootID < r.id {
			db.currRootID = r.id
		}
	}
	return nil
}
