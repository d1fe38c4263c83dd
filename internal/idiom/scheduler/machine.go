package scheduler

import (
	"github.com/kolkov/interleave/internal/core/event"
)

// slot records where and by whom one target event occurred (or is parked).
type slot struct {
	valid bool
	thd   event.ThreadID
	addr  event.Addr
	size  uint64
}

func (sl *slot) set(tid event.ThreadID, addr event.Addr, size uint64) {
	sl.valid = true
	sl.thd = tid
	sl.addr = addr
	sl.size = size
}

func (sl *slot) clear() {
	*sl = slot{}
}

// overlaps reports whether the access [addr, addr+size) intersects the
// slot's recorded range.
func (sl *slot) overlaps(addr event.Addr, size uint64) bool {
	return sl.valid && overlap(sl.addr, sl.size, addr, size)
}

// window is one watch-phase instruction counter. It only advances on ticks
// of the thread expected to produce the next event.
type window struct {
	active bool
	thd    event.ThreadID
	count  uint64
}

func (w *window) start(thd event.ThreadID) {
	w.active = true
	w.thd = thd
	w.count = 0
}

func (w *window) stop() {
	w.active = false
	w.count = 0
}

// tick advances the window and reports whether it exceeded the bound.
func (w *window) tick(tid event.ThreadID, c, bound uint64) bool {
	if !w.active || tid != w.thd {
		return false
	}
	w.count += c
	return w.count > bound
}
