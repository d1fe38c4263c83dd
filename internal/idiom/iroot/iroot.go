// Package iroot defines interleaving idioms, iRoot events and iRoots, and
// the interning database that assigns them persistent integer ids.
//
// An iRoot is a small ordered combination of conflicting events across
// threads whose specific interleaving may expose a concurrency bug. Both
// iRoot events and iRoots are interned: two lookups with identical
// components return the same pointer, so identity comparison is sufficient
// everywhere in the observer and the scheduler.
package iroot

import (
	"fmt"

	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// EventType classifies an iRoot event.
type EventType int

const (
	// MemRead is a memory read access.
	MemRead EventType = iota
	// MemWrite is a memory write access.
	MemWrite
	// MutexLock is a mutex acquisition (including the re-acquire half of
	// a condition wait).
	MutexLock
	// MutexUnlock is a mutex release (including the release half of a
	// condition wait).
	MutexUnlock

	numEventTypes
)

// NumEventTypes is the size of the event-type alphabet.
const NumEventTypes = int(numEventTypes)

// IsMem reports whether the type is a memory access.
func (t EventType) IsMem() bool { return t == MemRead || t == MemWrite }

// IsRead reports whether the type is a read.
func (t EventType) IsRead() bool { return t == MemRead }

// IsWrite reports whether the type is a write.
func (t EventType) IsWrite() bool { return t == MemWrite }

// IsSync reports whether the type is a synchronization operation.
func (t EventType) IsSync() bool { return t == MutexLock || t == MutexUnlock }

func (t EventType) String() string {
	switch t {
	case MemRead:
		return "READ"
	case MemWrite:
		return "WRITE"
	case MutexLock:
		return "LOCK"
	case MutexUnlock:
		return "UNLOCK"
	default:
		return "INVALID"
	}
}

// IdiomType tags the shape of an iRoot.
type IdiomType int

const (
	// Idiom1 is one remote dependency: T0.e0 -> T1.e1.
	Idiom1 IdiomType = 1
	// Idiom2 is a round trip through the other thread: T0.e0, T1.e1,
	// T0.e2 with e0 and e2 the same access.
	Idiom2 IdiomType = 2
	// Idiom3 is two nested remote dependencies over one location.
	Idiom3 IdiomType = 3
	// Idiom4 is two nested remote dependencies over two locations.
	Idiom4 IdiomType = 4
	// Idiom5 is two independent conflicts on distinct locations,
	// interleaved.
	Idiom5 IdiomType = 5
)

// Valid reports whether t is one of the five known idioms.
func (t IdiomType) Valid() bool { return t >= Idiom1 && t <= Idiom5 }

// NumEvents returns how many events an iRoot of this idiom carries.
func (t IdiomType) NumEvents() int {
	switch t {
	case Idiom1:
		return 2
	case Idiom2:
		return 3
	case Idiom3, Idiom4, Idiom5:
		return 4
	default:
		return 0
	}
}

func (t IdiomType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("IDIOM_?%d", int(t))
	}
	return fmt.Sprintf("IDIOM_%d", int(t))
}

// Event is an interned (instruction, type) pair.
type Event struct {
	id   uint32
	inst *staticinfo.Inst
	typ  EventType
}

// ID returns the persistent id of the event.
func (e *Event) ID() uint32 { return e.id }

// Inst returns the program point of the event.
func (e *Event) Inst() *staticinfo.Inst { return e.inst }

// Type returns the event type.
func (e *Event) Type() EventType { return e.typ }

func (e *Event) String() string {
	return fmt.Sprintf("%s@%s", e.typ, e.inst)
}

// IRoot is an interned ordered combination of events with an idiom tag.
type IRoot struct {
	id     uint32
	idiom  IdiomType
	events []*Event
}

// ID returns the persistent id of the iRoot.
func (r *IRoot) ID() uint32 { return r.id }

// Idiom returns the shape tag.
func (r *IRoot) Idiom() IdiomType { return r.idiom }

// NumEvents returns the number of events.
func (r *IRoot) NumEvents() int { return len(r.events) }

// GetEvent returns the i-th event in exposure order.
func (r *IRoot) GetEvent(i int) *Event { return r.events[i] }

func (r *IRoot) String() string {
	s := fmt.Sprintf("%s#%d{", r.idiom, r.id)
	for i, e := range r.events {
		if i > 0 {
			s += ", "
		}
		s += e.String()
	}
	return s + "}"
}
