package scheduler

import (
	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
)

// idiom5Machine exposes two independent conflicts on distinct locations,
// interleaved: e0 and e3 in one thread around e1 and e2 in a remote one,
// with e0-e1 conflicting on the first location and e2-e3 on the second.
//
// States:
//
//	INIT     - nothing recorded
//	E0_WATCH - e0 occurred on the first location; a remote thread is
//	           steered toward e1
//	E1_WATCH - e1 occurred; the same remote thread must produce e2 on a
//	           non-overlapping second location (first window)
//	E2_WATCH - e2 occurred; the first thread is raised until it produces
//	           e3 on the second location (second window)
//	DONE     - exposed
//
// Non-overlap of the two conflict locations is checked when e2 and e3
// arrive. An e2 that collides with anything the first thread touched
// since e0 (accessSet0) aborts the scenario; the remote thread's accesses
// after e2 (accessSet2) are recorded but not checked.
type idiom5Machine struct {
	s     *Scheduler
	st    int
	slots [4]slot
	win1  window
	win2  window

	// accessSet0 and accessSet2 collect the ranges touched by the first
	// thread after e0 and by the remote thread after e2.
	accessSet0 map[event.Addr]uint64
	accessSet2 map[event.Addr]uint64
}

const (
	idiom5StateInit = iota
	idiom5StateE0Watch
	idiom5StateE1Watch
	idiom5StateE2Watch
	idiom5StateDone
)

func (m *idiom5Machine) reset() {
	m.st = idiom5StateInit
	for i := range m.slots {
		m.slots[i].clear()
	}
	m.win1.stop()
	m.win2.stop()
	m.accessSet0 = make(map[event.Addr]uint64)
	m.accessSet2 = make(map[event.Addr]uint64)
}

func (m *idiom5Machine) state() string {
	switch m.st {
	case idiom5StateInit:
		return "IDIOM5_STATE_INIT"
	case idiom5StateE0Watch:
		return "IDIOM5_STATE_E0_WATCH"
	case idiom5StateE1Watch:
		return "IDIOM5_STATE_E1_WATCH"
	case idiom5StateE2Watch:
		return "IDIOM5_STATE_E2_WATCH"
	case idiom5StateDone:
		return "IDIOM5_STATE_DONE"
	default:
		return "IDIOM5_STATE_INVALID"
	}
}

func (m *idiom5Machine) done() bool { return m.st == idiom5StateDone }

func (m *idiom5Machine) instCount(tid event.ThreadID, c uint64) {
	switch m.st {
	case idiom5StateInit:
		m.s.flushIdle()
	case idiom5StateE0Watch, idiom5StateE1Watch:
		if m.win1.tick(tid, c, m.s.opts.VulnWindow) {
			m.s.resetScenario()
			m.reset()
		}
	case idiom5StateE2Watch:
		if m.win2.tick(tid, c, m.s.opts.VulnWindow) {
			m.s.resetScenario()
			m.reset()
		}
	}
}

// collides reports whether the access range overlaps anything in set.
func collides(set map[event.Addr]uint64, addr event.Addr, size uint64) bool {
	for a, sz := range set {
		if overlap(a, sz, addr, size) {
			return true
		}
	}
	return false
}

func (m *idiom5Machine) access(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) bool {
	s := m.s
	switch m.st {
	case idiom5StateInit:
		if s.matchEvent(0, inst, typ) {
			m.reset()
			m.slots[0].set(tid, addr, size)
			m.st = idiom5StateE0Watch
			s.flushWatch()
			s.setPriority(tid, s.opts.Band.Low())
			s.setOthers(tid, s.opts.Band.High())
		}

	case idiom5StateE0Watch:
		if tid == m.slots[0].thd {
			// the first thread is crawling toward e3; remember what it
			// touches, and abort if it consumes the first location
			m.accessSet0[addr] = size
			if m.slots[0].overlaps(addr, size) {
				if !s.checkGiveup(0) {
					return true
				}
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if m.slots[0].overlaps(addr, size) {
			if s.matchEvent(1, inst, typ) {
				m.slots[1].set(tid, addr, size)
				m.st = idiom5StateE1Watch
				m.win1.start(tid)
				s.flushWatch()
				// the remote thread continues toward e2
				s.setPriority(tid, s.opts.Band.High())
				return false
			}
			s.delayThread(tid)
			if !s.checkGiveup(1) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}

	case idiom5StateE1Watch:
		if tid == m.slots[1].thd {
			if s.matchEvent(2, inst, typ) {
				// the second conflict must live on its own location,
				// disjoint from the first and from everything the first
				// thread has touched since e0
				if m.slots[0].overlaps(addr, size) || collides(m.accessSet0, addr, size) {
					s.resetScenario()
					m.reset()
					return false
				}
				m.slots[2].set(tid, addr, size)
				m.st = idiom5StateE2Watch
				m.win1.stop()
				m.win2.start(m.slots[0].thd)
				s.flushWatch()
				// exchange roles: the first thread must produce e3
				s.setPriority(m.slots[0].thd, s.opts.Band.High())
				s.setPriority(tid, s.opts.Band.Low())
				return false
			}
			if m.slots[0].overlaps(addr, size) {
				// the remote thread re-touched the first location after
				// e1; the inner pair would no longer be between the
				// outer pair
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if tid == m.slots[0].thd {
			m.accessSet0[addr] = size
			if m.slots[0].overlaps(addr, size) {
				if !s.checkGiveup(0) {
					return true
				}
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if m.slots[0].overlaps(addr, size) {
			s.delayThread(tid)
			if !s.checkGiveup(1) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}

	case idiom5StateE2Watch:
		if tid == m.slots[0].thd {
			if s.matchEvent(3, inst, typ) && m.slots[2].overlaps(addr, size) &&
				!m.slots[0].overlaps(addr, size) {
				m.slots[3].set(tid, addr, size)
				m.st = idiom5StateDone
				s.activelyExposed()
				return false
			}
			if m.slots[2].overlaps(addr, size) {
				// wrong access on the second location
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if tid == m.slots[1].thd {
			m.accessSet2[addr] = size
			if m.slots[2].overlaps(addr, size) || m.slots[0].overlaps(addr, size) {
				// the remote thread must stay out of both locations
				// until e3 lands
				s.delayThread(tid)
				if !s.checkGiveup(2) {
					return true
				}
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if m.slots[2].overlaps(addr, size) || m.slots[0].overlaps(addr, size) {
			s.delayThread(tid)
			if !s.checkGiveup(3) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}
	}
	return false
}
