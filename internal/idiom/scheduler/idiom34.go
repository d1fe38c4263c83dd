package scheduler

import (
	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
)

// idiom34Machine exposes two nested remote dependencies: e0 in one thread
// feeding e1 in a remote thread, then e2 in that remote thread feeding e3
// back in the first. Idiom 3 requires both dependencies to be over the
// same location; idiom 4 allows two locations.
//
// States:
//
//	INIT         - nothing recorded
//	E0_WATCH     - e0 occurred; the holder crawls while a remote thread
//	               is steered toward e1
//	E0_E1_WATCH  - absorbing; transitions never enter it, it only logs
//	E1_WATCH     - e1 occurred; the remote thread stays high until it
//	               produces e2 (first window)
//	E0_WATCH_E3  - idiom 4 only: e1 and e2 collapsed into one remote
//	               access straight out of E0_WATCH; awaiting e3
//	E1_WATCH_E3  - e2 occurred; roles are exchanged, the first thread is
//	               raised until it produces e3 (second window)
//	DONE         - exposed
//
// The role exchange between the two halves happens once per scenario: at
// the E1_WATCH -> E1_WATCH_E3 transition, or on the collapsed idiom-4 path
// at the E0_WATCH -> E0_WATCH_E3 transition.
type idiom34Machine struct {
	s             *Scheduler
	idiom         iroot.IdiomType
	fallthroughE3 bool

	st    int
	slots [4]slot
	win1  window
	win2  window
}

const (
	idiom34StateInit = iota
	idiom34StateE0Watch
	idiom34StateE0E1Watch
	idiom34StateE1Watch
	idiom34StateE0WatchE3
	idiom34StateE1WatchE3
	idiom34StateDone
)

func (m *idiom34Machine) reset() {
	m.st = idiom34StateInit
	for i := range m.slots {
		m.slots[i].clear()
	}
	m.win1.stop()
	m.win2.stop()
}

func (m *idiom34Machine) prefix() string {
	if m.idiom == iroot.Idiom3 {
		return "IDIOM3"
	}
	return "IDIOM4"
}

func (m *idiom34Machine) state() string {
	switch m.st {
	case idiom34StateInit:
		return m.prefix() + "_STATE_INIT"
	case idiom34StateE0Watch:
		return m.prefix() + "_STATE_E0_WATCH"
	case idiom34StateE0E1Watch:
		return m.prefix() + "_STATE_E0_E1_WATCH"
	case idiom34StateE1Watch:
		return m.prefix() + "_STATE_E1_WATCH"
	case idiom34StateE0WatchE3:
		return m.prefix() + "_STATE_E0_WATCH_E3"
	case idiom34StateE1WatchE3:
		return m.prefix() + "_STATE_E1_WATCH_E3"
	case idiom34StateDone:
		return m.prefix() + "_STATE_DONE"
	default:
		return m.prefix() + "_STATE_INVALID"
	}
}

func (m *idiom34Machine) done() bool { return m.st == idiom34StateDone }

func (m *idiom34Machine) instCount(tid event.ThreadID, c uint64) {
	switch m.st {
	case idiom34StateInit:
		m.s.flushIdle()
	case idiom34StateE1Watch:
		if m.win1.tick(tid, c, m.s.opts.VulnWindow) {
			m.s.resetScenario()
			m.reset()
		}
	case idiom34StateE0WatchE3, idiom34StateE1WatchE3:
		if m.win2.tick(tid, c, m.s.opts.VulnWindow) {
			m.s.resetScenario()
			m.reset()
		}
	}
}

// sameLocationRequired reports whether the second dependency must reuse
// the first dependency's location.
func (m *idiom34Machine) sameLocationRequired() bool {
	return m.idiom == iroot.Idiom3
}

func (m *idiom34Machine) access(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) bool {
	s := m.s
	switch m.st {
	case idiom34StateInit:
		if s.matchEvent(0, inst, typ) {
			m.slots[0].set(tid, addr, size)
			m.st = idiom34StateE0Watch
			s.flushWatch()
			s.setPriority(tid, s.opts.Band.Low())
			s.setOthers(tid, s.opts.Band.High())
		}

	case idiom34StateE0Watch:
		if tid == m.slots[0].thd {
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
				if m.idiom == iroot.Idiom4 && s.matchEvent(2, inst, typ) {
					// the remote access is both e1 and e2 at once: skip
					// straight to awaiting e3
					m.slots[2].set(tid, addr, size)
					m.st = idiom34StateE0WatchE3
					m.win2.start(m.slots[0].thd)
					s.flushWatch()
					s.setPriority(m.slots[0].thd, s.opts.Band.High())
					s.setPriority(tid, s.opts.Band.Low())
					return false
				}
				m.st = idiom34StateE1Watch
				m.win1.start(tid)
				s.flushWatch()
				// the remote thread must continue to e2; the holder
				// stays parked
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

	case idiom34StateE0E1Watch:
		// unreachable by construction; absorb and log
		s.log.Debug().Str("state", m.state()).Uint64("thd", uint64(tid)).
			Msg("event in absorbing state ignored")
		return false

	case idiom34StateE1Watch:
		if tid == m.slots[1].thd {
			if s.matchEvent(2, inst, typ) {
				if m.sameLocationRequired() && !m.slots[0].overlaps(addr, size) {
					// e2 must reuse the first dependency's location
					return false
				}
				m.slots[2].set(tid, addr, size)
				m.st = idiom34StateE1WatchE3
				m.win1.stop()
				m.win2.start(m.slots[0].thd)
				s.flushWatch()
				// exchange roles: the first thread must now produce e3
				s.setPriority(m.slots[0].thd, s.opts.Band.High())
				s.setPriority(tid, s.opts.Band.Low())
				return false
			}
			if m.slots[0].overlaps(addr, size) && !s.matchEvent(1, inst, typ) {
				// the remote thread consumed the location some other way
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if tid == m.slots[0].thd && m.slots[0].overlaps(addr, size) {
			// the holder must stay away until e3
			if !s.checkGiveup(0) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}
		if m.slots[0].overlaps(addr, size) {
			s.delayThread(tid)
			if !s.checkGiveup(2) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}

	case idiom34StateE0WatchE3:
		if m.fallthroughE3 {
			// merged handling with the late watch state
			return m.accessAwaitE3(tid, inst, typ, addr, size)
		}
		// separate handling: a matching e3 from the first thread exposes;
		// any other access overlapping the e0 or e2 location resets
		if tid == m.slots[0].thd {
			if s.matchEvent(3, inst, typ) && m.e3LocationOK(addr, size) {
				m.slots[3].set(tid, addr, size)
				m.st = idiom34StateDone
				s.activelyExposed()
				return false
			}
			if m.slots[2].overlaps(addr, size) || m.slots[0].overlaps(addr, size) {
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if m.slots[2].overlaps(addr, size) || m.slots[0].overlaps(addr, size) {
			s.resetScenario()
			m.reset()
		}
		return false

	case idiom34StateE1WatchE3:
		return m.accessAwaitE3(tid, inst, typ, addr, size)
	}
	return false
}

// e3LocationOK checks e3 against the idiom's location constraint: over the
// first location for idiom 3, over the second dependency's location for
// idiom 4.
func (m *idiom34Machine) e3LocationOK(addr event.Addr, size uint64) bool {
	if m.sameLocationRequired() {
		return m.slots[0].overlaps(addr, size)
	}
	return m.slots[2].overlaps(addr, size)
}

// accessAwaitE3 is the common handling while the first thread is steered
// toward e3.
func (m *idiom34Machine) accessAwaitE3(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) bool {
	s := m.s
	if tid == m.slots[0].thd {
		if s.matchEvent(3, inst, typ) && m.e3LocationOK(addr, size) {
			m.slots[3].set(tid, addr, size)
			m.st = idiom34StateDone
			s.activelyExposed()
			return false
		}
		if m.slots[2].overlaps(addr, size) {
			// the wrong access of the first thread consumed location two
			s.resetScenario()
			m.reset()
		}
		return false
	}
	if tid == m.slots[1].thd && m.slots[2].overlaps(addr, size) {
		// the remote thread re-touches its own dependency source
		s.delayThread(tid)
		if !s.checkGiveup(2) {
			return true
		}
		s.resetScenario()
		m.reset()
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
	return false
}
