// Package osprio controls OS scheduling of the program under observation:
// per-thread priorities, CPU affinity, and the logical-thread to OS-thread
// mapping that priority writes require.
//
// Two priority disciplines are supported. The strict discipline uses POSIX
// real-time FIFO priorities, where a higher number fully preempts a lower
// one; the relaxed discipline uses nice values, where a lower number means
// a higher priority. Band derives the five working levels (min, low,
// normal, high, max) for either discipline so the scheduler's state
// machines never deal with raw numbers.
package osprio

import (
	"math/rand"
	"sync"

	"github.com/kolkov/interleave/internal/core/event"
)

// Band is a priority band under one discipline.
type Band struct {
	// Strict selects real-time FIFO priorities; otherwise nice values.
	Strict bool
	// Lowest and Highest are the numeric band bounds as configured
	// (lowest_realtime_priority/highest_realtime_priority or
	// lowest_nice_value/highest_nice_value).
	Lowest, Highest int64
}

// Min returns the weakest priority of the band.
func (b Band) Min() int {
	if b.Strict {
		return int(b.Lowest)
	}
	return int(b.Highest)
}

// Low returns the second-weakest level, used for threads that hold a
// pending event and must not run ahead.
func (b Band) Low() int {
	if b.Strict {
		return int(b.Lowest + 1)
	}
	return int(b.Highest - 1)
}

// Normal returns the middle of the band.
func (b Band) Normal() int {
	return int((b.Lowest + b.Highest) / 2)
}

// High returns the second-strongest level, used for the thread whose next
// event must occur first.
func (b Band) High() int {
	if b.Strict {
		return int(b.Highest - 1)
	}
	return int(b.Lowest + 1)
}

// Max returns the strongest priority of the band.
func (b Band) Max() int {
	if b.Strict {
		return int(b.Highest)
	}
	return int(b.Lowest)
}

// NewThreadPool yields the priorities assigned to newly started threads.
// The pool covers the interior of the band (everything strictly between
// Low and High); the traversal direction alternates between test runs so
// that repeated tests of the same target explore both orderings.
type NewThreadPool struct {
	mu         sync.Mutex
	prios      []int
	cursor     int
	decreasing bool
}

// NewNewThreadPool builds the pool for a band. decreasing selects the
// initial traversal direction.
func NewNewThreadPool(b Band, decreasing bool) *NewThreadPool {
	var prios []int
	if b.Strict {
		for p := int(b.Lowest) + 2; p <= int(b.Highest)-2; p++ {
			prios = append(prios, p)
		}
	} else {
		for p := int(b.Highest) - 2; p >= int(b.Lowest)+2; p-- {
			prios = append(prios, p)
		}
	}
	if len(prios) == 0 {
		prios = []int{b.Normal()}
	}
	return &NewThreadPool{prios: prios, decreasing: decreasing}
}

// Shuffle randomizes the pool order, used when ordered assignment is
// disabled.
func (p *NewThreadPool) Shuffle(rng *rand.Rand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rng.Shuffle(len(p.prios), func(i, j int) {
		p.prios[i], p.prios[j] = p.prios[j], p.prios[i]
	})
}

// Next draws the next new-thread priority.
func (p *NewThreadPool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.prios)
	idx := p.cursor % n
	if p.decreasing {
		idx = n - 1 - idx
	}
	p.cursor++
	return p.prios[idx]
}

// ThreadRegistry maps logical thread ids to OS thread ids. It has its own
// lock so that priority writes never contend with state-machine progress.
type ThreadRegistry struct {
	mu    sync.Mutex
	osTID map[event.ThreadID]int
}

// NewThreadRegistry creates an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{osTID: make(map[event.ThreadID]int)}
}

// Register records the OS thread id serving a logical thread. Called from
// the thread-start hook on the thread itself.
func (r *ThreadRegistry) Register(tid event.ThreadID, osTID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.osTID[tid] = osTID
}

// Unregister clears the mapping at thread exit.
func (r *ThreadRegistry) Unregister(tid event.ThreadID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.osTID, tid)
}

// Lookup returns the OS thread id for a logical thread.
func (r *ThreadRegistry) Lookup(tid event.ThreadID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	osTID, ok := r.osTID[tid]
	return osTID, ok
}

// Control is the syscall surface the scheduler drives. The production
// implementation (NewControl) issues real syscalls; tests install a
// recording fake so event delivery stays deterministic.
type Control interface {
	// SetPriority applies prio to the OS thread under the band's
	// discipline.
	SetPriority(osTID, prio int) error
	// SetAffinity pins the OS thread to a single CPU.
	SetAffinity(osTID, cpu int) error
}

// FakeControl records priority and affinity writes without touching the
// OS. Safe for concurrent use.
type FakeControl struct {
	mu         sync.Mutex
	Priorities map[int][]int // osTID -> sequence of priorities applied
	Affinity   map[int]int   // osTID -> last pinned cpu
}

// NewFakeControl creates an empty recording control.
func NewFakeControl() *FakeControl {
	return &FakeControl{
		Priorities: make(map[int][]int),
		Affinity:   make(map[int]int),
	}
}

// SetPriority records the write.
func (f *FakeControl) SetPriority(osTID, prio int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Priorities[osTID] = append(f.Priorities[osTID], prio)
	return nil
}

// SetAffinity records the pin.
func (f *FakeControl) SetAffinity(osTID, cpu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Affinity[osTID] = cpu
	return nil
}

// LastPriority returns the most recent priority applied to osTID.
func (f *FakeControl) LastPriority(osTID int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.Priorities[osTID]
	if len(ps) == 0 {
		return 0, false
	}
	return ps[len(ps)-1], true
}
