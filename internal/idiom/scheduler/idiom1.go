package scheduler

import (
	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
)

// idiom1Machine exposes one remote dependency: e0 in one thread directly
// followed by e1 in another, with no intervening conflicting access.
//
// States:
//
//	INIT      - nothing recorded
//	E1_WAIT   - a thread reached e1 first and is parked at minimum
//	            priority waiting for some other thread to produce e0
//	E0_WATCH  - e0 occurred; its thread runs at low priority while every
//	            other thread runs high so that e1 completes the pattern
//	DONE      - exposed
//
// There is no idiom-wide window; only the give-up backpressure bounds the
// wait.
type idiom1Machine struct {
	s     *Scheduler
	st    int
	slots [2]slot
}

const (
	idiom1StateInit = iota
	idiom1StateE1Wait
	idiom1StateE0Watch
	idiom1StateDone
)

func (m *idiom1Machine) reset() {
	m.st = idiom1StateInit
	for i := range m.slots {
		m.slots[i].clear()
	}
}

func (m *idiom1Machine) state() string {
	switch m.st {
	case idiom1StateInit:
		return "IDIOM1_STATE_INIT"
	case idiom1StateE1Wait:
		return "IDIOM1_STATE_E1_WAIT"
	case idiom1StateE0Watch:
		return "IDIOM1_STATE_E0_WATCH"
	case idiom1StateDone:
		return "IDIOM1_STATE_DONE"
	default:
		return "IDIOM1_STATE_INVALID"
	}
}

func (m *idiom1Machine) done() bool { return m.st == idiom1StateDone }

func (m *idiom1Machine) instCount(tid event.ThreadID, c uint64) {
	if m.st == idiom1StateInit {
		m.s.flushIdle()
	}
}

func (m *idiom1Machine) access(tid event.ThreadID, inst *staticinfo.Inst, typ iroot.EventType, addr event.Addr, size uint64) bool {
	s := m.s
	switch m.st {
	case idiom1StateInit:
		if s.matchEvent(0, inst, typ) {
			m.slots[0].set(tid, addr, size)
			m.st = idiom1StateE0Watch
			s.flushWatch()
			// the holder just produced e0; keep it barely runnable so
			// that another thread reaches e1 before the holder touches
			// the location again
			s.setPriority(tid, s.opts.Band.Low())
			s.setOthers(tid, s.opts.Band.High())
			return false
		}
		if s.matchEvent(1, inst, typ) {
			// e1 arrived first: park it until e0 shows up elsewhere
			m.slots[1].set(tid, addr, size)
			m.st = idiom1StateE1Wait
			s.flushWatch()
			s.delayThread(tid)
			return false
		}

	case idiom1StateE1Wait:
		if tid == m.slots[1].thd {
			if s.matchEvent(1, inst, typ) {
				// the parked thread re-attempts e1; hold it, but only
				// within the backpressure bounds
				if !s.checkGiveup(1) {
					return true
				}
				s.resetScenario()
				m.reset()
				return false
			}
			// the parked thread moved past e1; the park failed
			s.resetScenario()
			m.reset()
			return false
		}
		if s.matchEvent(0, inst, typ) {
			m.slots[0].set(tid, addr, size)
			m.st = idiom1StateE0Watch
			s.flushWatch()
			s.setPriority(tid, s.opts.Band.Low())
			// release the parked e1 thread at high priority so it runs
			// immediately after e0
			delete(s.delaySet, m.slots[1].thd)
			s.setPriority(m.slots[1].thd, s.opts.Band.High())
			return false
		}
		if s.matchEvent(1, inst, typ) && s.reclaim(false) {
			// another thread is also at e1; occasionally prefer it
			s.setPriority(m.slots[1].thd, s.opts.Band.Normal())
			delete(s.delaySet, m.slots[1].thd)
			m.slots[1].set(tid, addr, size)
			s.delayThread(tid)
			return false
		}

	case idiom1StateE0Watch:
		if tid == m.slots[0].thd {
			if m.slots[0].overlaps(addr, size) {
				// the holder re-touches the location before a remote e1:
				// the dependency would be local, not remote
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
				m.st = idiom1StateDone
				s.activelyExposed()
				return false
			}
			// a conflicting remote access would consume the dependency:
			// hold it in its hook while the bounds allow
			s.delayThread(tid)
			if !s.checkGiveup(1) {
				return true
			}
			s.resetScenario()
			m.reset()
			return false
		}
		// non-conflicting access: let it run
	}
	return false
}
