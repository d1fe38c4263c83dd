package scheduler

import (
	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
)

// idiom2Machine exposes a round trip: e0 and e2 are the same access in one
// thread with a remote e1 squeezed between them, all within the
// vulnerability window.
//
// States:
//
//	INIT        - nothing recorded
//	E0_WATCH    - e0 occurred; its thread crawls at low priority while a
//	              remote thread is steered toward e1
//	E0_E1_WATCH - e1 occurred; the e0 thread is raised so it reaches e2
//	              before the window closes
//	DONE        - exposed
//
// The window counter starts at e1 and counts the e0 thread's instructions;
// reaching the bound without e2 resets the machine.
type idiom2Machine struct {
	s     *Scheduler
	st    int
	slots [3]slot
	win   window
}

const (
	idiom2StateInit = iota
	idiom2StateE0Watch
	idiom2StateE0E1Watch
	idiom2StateDone
)

func (m *idiom2Machine) reset() {
	m.st = idiom2StateInit
	for i := range m.slots {
		m.slots[i].clear()
	}
	m.win.stop()
}

func (m *idiom2Machine) state() string {
	switch m.st {
	case idiom2StateInit:
		return "IDIOM2_STATE_INIT"
	case idiom2StateE0Watch:
		return "IDIOM2_STATE_E0_WATCH"
	case idiom2StateE0E1Watch:
		return "IDIOM2_STATE_E0_E1_WATCH"
	case idiom2StateDone:
		return "IDIOM2_STATE_DONE"
	default:
		return "IDIOM2_STATE_INVALID"
	}
}

func (m *idiom2Machine) done() bool { return m.st == idiom2StateDone }

func (m *idiom2Machine) instCount(tid event.ThreadID, c uint64) {
	switch m.st {
	case idiom2StateInit:
		m.s.flushIdle()
	case idiom2StateE0E1Watch:
		if m.win.tick(tid, c, m.s.opts.VulnWindow) {
			// the window closed before e2
			m.s.resetScenario()
			m.reset()
		}
	}
}

func (m *idiom2Machine) access(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) bool {
	s := m.s
	switch m.st {
	case idiom2StateInit:
		if s.matchEvent(0, inst, typ) {
			m.slots[0].set(tid, addr, size)
			m.st = idiom2StateE0Watch
			s.flushWatch()
			s.setPriority(tid, s.opts.Band.Low())
			s.setOthers(tid, s.opts.Band.High())
		}

	case idiom2StateE0Watch:
		if tid == m.slots[0].thd {
			if s.matchEvent(0, inst, typ) && m.slots[0].overlaps(addr, size) {
				// the holder is at e0 again before any remote e1; keep
				// the newer occurrence as the window opener
				m.slots[0].set(tid, addr, size)
				return false
			}
			if m.slots[0].overlaps(addr, size) {
				// the holder re-touches the location: the round trip
				// cannot span a remote access anymore
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
				m.st = idiom2StateE0E1Watch
				m.win.start(m.slots[0].thd)
				s.flushWatch()
				// e2 must be executed by the e0 holder, and quickly
				s.setPriority(m.slots[0].thd, s.opts.Band.High())
				s.setPriority(tid, s.opts.Band.Low())
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

	case idiom2StateE0E1Watch:
		if tid == m.slots[0].thd {
			if s.matchEvent(2, inst, typ) && m.slots[0].overlaps(addr, size) {
				m.slots[2].set(tid, addr, size)
				m.st = idiom2StateDone
				s.activelyExposed()
				return false
			}
			if m.slots[0].overlaps(addr, size) {
				// a different access of the holder consumed the location
				s.resetScenario()
				m.reset()
			}
			return false
		}
		if m.slots[0].overlaps(addr, size) {
			// a second remote access would break e1's adjacency
			s.delayThread(tid)
			if !s.checkGiveup(2) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}
	}
	return false
}
