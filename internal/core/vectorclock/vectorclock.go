// Package vectorclock implements the sparse vector clocks used for
// happens-before tracking.
//
// A vector clock maps thread ids to logical timestamps. Threads that never
// synchronized simply do not appear; an absent thread is equivalent to
// timestamp 0. The two hot operations are:
//
//   - Join: point-wise maximum, applied on every synchronization edge
//     (lock acquire, signal delivery, barrier exit, thread join).
//   - HappensBefore: the partial-order check used by the race detector.
//
// HappensBefore walks both clocks in key-sorted order in lock-step, so a
// full comparison is a single pass over the keys of both clocks even when
// the two clocks mention disjoint thread sets.
package vectorclock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kolkov/interleave/internal/core/event"
)

// VectorClock is a sparse thread-id to timestamp mapping.
//
// The zero value is not usable; call New. Clocks are not safe for concurrent
// use; every component guards its clocks with its own internal lock.
type VectorClock struct {
	m    map[event.ThreadID]event.Timestamp
	keys []event.ThreadID // sorted; nil when stale
}

// New creates an empty vector clock (every thread at timestamp 0).
func New() *VectorClock {
	return &VectorClock{m: make(map[event.ThreadID]event.Timestamp)}
}

// Clone returns a deep copy.
func (vc *VectorClock) Clone() *VectorClock {
	c := &VectorClock{m: make(map[event.ThreadID]event.Timestamp, len(vc.m))}
	for t, clk := range vc.m {
		c.m[t] = clk
	}
	return c
}

// CopyFrom replaces the contents of vc with a copy of other.
func (vc *VectorClock) CopyFrom(other *VectorClock) {
	vc.m = make(map[event.ThreadID]event.Timestamp, len(other.m))
	for t, clk := range other.m {
		vc.m[t] = clk
	}
	vc.keys = nil
}

// Increment advances the clock of thread t by one. An absent thread is
// treated as 0, so the first increment stores 1.
func (vc *VectorClock) Increment(t event.ThreadID) {
	if _, ok := vc.m[t]; !ok {
		vc.keys = nil
	}
	vc.m[t]++
}

// Get returns the timestamp of thread t (0 when absent).
func (vc *VectorClock) Get(t event.ThreadID) event.Timestamp {
	return vc.m[t]
}

// Set stores the timestamp of thread t.
func (vc *VectorClock) Set(t event.ThreadID, clk event.Timestamp) {
	if _, ok := vc.m[t]; !ok {
		vc.keys = nil
	}
	vc.m[t] = clk
}

// Size returns the number of threads with a recorded timestamp.
func (vc *VectorClock) Size() int { return len(vc.m) }

// Join folds other into vc point-wise: vc[t] = max(vc[t], other[t]).
func (vc *VectorClock) Join(other *VectorClock) {
	for t, clk := range other.m {
		cur, ok := vc.m[t]
		if !ok {
			vc.keys = nil
		}
		if clk > cur || !ok {
			vc.m[t] = clk
		}
	}
}

// sortedKeys returns the thread ids of vc in ascending order, caching the
// result until the key set changes.
func (vc *VectorClock) sortedKeys() []event.ThreadID {
	if vc.keys == nil {
		vc.keys = make([]event.ThreadID, 0, len(vc.m))
		for t := range vc.m {
			vc.keys = append(vc.keys, t)
		}
		sort.Slice(vc.keys, func(i, j int) bool { return vc.keys[i] < vc.keys[j] })
	}
	return vc.keys
}

// HappensBefore reports whether every component of vc is <= the matching
// component of other. Absent components count as 0, so a component of vc
// with no partner in other fails the check unless it is itself impossible
// (components are only stored when nonzero after an increment; explicit
// Set(t, 0) entries compare against the absent 0 and pass).
//
// Both key lists are walked in sorted order in lock-step.
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	selfKeys := vc.sortedKeys()
	otherKeys := other.sortedKeys()
	j := 0
	for _, t := range selfKeys {
		clk := vc.m[t]
		valid := false
		for ; j < len(otherKeys); j++ {
			ot := otherKeys[j]
			if ot == t {
				if other.m[ot] >= clk {
					valid = true
					j++
				}
				break
			} else if ot > t {
				break
			}
		}
		if !valid && clk != 0 {
			return false
		}
	}
	return true
}

// HappensAfter reports other.HappensBefore(vc).
func (vc *VectorClock) HappensAfter(other *VectorClock) bool {
	return other.HappensBefore(vc)
}

// Equal reports whether the two clocks record the same thread set with the
// same timestamps.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	if len(vc.m) != len(other.m) {
		return false
	}
	for t, clk := range vc.m {
		oclk, ok := other.m[t]
		if !ok || oclk != clk {
			return false
		}
	}
	return true
}

// Each calls fn for every (thread, timestamp) pair in ascending thread
// order. The race detector's report loops rely on the deterministic order.
func (vc *VectorClock) Each(fn func(t event.ThreadID, clk event.Timestamp)) {
	for _, t := range vc.sortedKeys() {
		fn(t, vc.m[t])
	}
}

// String renders "[T1:3 T2:7]" with threads in ascending order.
func (vc *VectorClock) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, t := range vc.sortedKeys() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "T%x:%d", uint64(t), uint64(vc.m[t]))
	}
	sb.WriteByte(']')
	return sb.String()
}
