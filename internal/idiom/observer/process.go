package observer

import (
	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/idiom/iroot"
)

// processiRootEvent is the per-unit-address core of the observer. Callers
// hold the observer lock.
//
// The algorithm:
//  1. Derive the dynamic predecessors of the current access: the remote
//     last writer for a read (RAW, unless a valid local read already
//     consumed it), the valid remote readers for a write (WAR), or the
//     remote last writer when no reader was valid (WAW).
//  2. Every (pred, curr) pair becomes an idiom-1 candidate.
//  3. With complex idioms enabled, match the pair against the per-thread
//     recent-info windows to derive idiom 2..5 candidates.
//  4. Update the per-address access history.
func (o *Observer) processiRootEvent(tid event.ThreadID, clk event.Timestamp,
	typ iroot.EventType, inst *staticinfo.Inst, m *meta) {
	currAcc := acc{
		uid:  o.nextAccUID(),
		thd:  tid,
		clk:  clk,
		typ:  typ,
		inst: inst,
	}

	var preds []acc
	if typ.IsRead() {
		// detect a read-after-write dependency
		if m.hasLastWriter && m.lastWriter.thd != tid {
			// only when no valid local precedent read exists
			if la, ok := m.lastAccTable[tid]; !ok || !la.valid {
				preds = append(preds, m.lastWriter)
			}
		}
	} else {
		// detect write-after-read dependencies
		warExist := false
		for t, la := range m.lastAccTable {
			if !la.valid {
				continue
			}
			if t != tid {
				preds = append(preds, la.acc)
			}
			warExist = true
		}
		// detect a write-after-write dependency
		if !warExist && m.hasLastWriter && m.lastWriter.thd != tid {
			preds = append(preds, m.lastWriter)
		}
	}

	o.updateiRoot(&currAcc, preds)

	if o.opts.ComplexIdioms {
		o.processRecentInfo(&currAcc, m, preds)
	}

	// update the per-address history
	if typ.IsRead() {
		la, ok := m.lastAccTable[tid]
		if !ok {
			la = &lastAcc{}
			m.lastAccTable[tid] = la
		}
		la.valid = true
		la.acc = currAcc
	} else {
		for _, la := range m.lastAccTable {
			la.valid = false
		}
		la, ok := m.lastAccTable[tid]
		if !ok {
			la = &lastAcc{}
			m.lastAccTable[tid] = la
		}
		la.valid = false
		la.acc = currAcc
		m.hasLastWriter = true
		m.lastWriter = currAcc
	}
}

// updateiRoot records every (pred, curr) dependency as an idiom-1 iRoot.
func (o *Observer) updateiRoot(currAcc *acc, preds []acc) {
	for i := range preds {
		p := &preds[i]
		predEvent := o.irootDB.GetiRootEvent(p.inst, p.typ, false)
		currEvent := o.irootDB.GetiRootEvent(currAcc.inst, currAcc.typ, false)
		ir := o.irootDB.GetiRoot(iroot.Idiom1, false, predEvent, currEvent)
		o.memo.Observed(ir, o.opts.Shadow, false)
		o.stat.Inc("ob_dynamic_deps", 1, true)
	}
}

// updateComplexiRoot matches the predecessors of the current access against
// the remote successors of one earlier local access, yielding idiom 2..5
// candidates.
//
// For a previous local access prev and current access curr, every remote
// pair (succ of prev, pred of curr) in the same remote thread forms:
//   - idiom 3/4 when succ precedes pred remotely (nested dependencies;
//     idiom 3 when both local accesses touch the same location),
//   - idiom 5 when pred precedes succ remotely within the window, the two
//     locations differ, and pred is among the remote thread's local
//     predecessors for that succ (which guarantees the remote pair is
//     itself a valid local pair),
//   - idiom 2 when succ and pred are the same access (round trip).
func (o *Observer) updateComplexiRoot(currAcc *acc, currMeta *meta, preds []acc, prevEntry *riEntry) {
	if len(preds) == 0 || len(prevEntry.succs) == 0 {
		return
	}
	prevAcc := &prevEntry.acc
	prevMeta := prevEntry.meta
	for succIdx := range prevEntry.succs {
		succ := &prevEntry.succs[succIdx]
		succPrevs := prevEntry.succPrevs[succIdx]
		sameAccExist := false
		for predIdx := range preds {
			pred := &preds[predIdx]
			if succ.thd != pred.thd {
				continue
			}
			if succ.thd == currAcc.thd {
				o.log.Error().Uint64("succ_uid", succ.uid).
					Msg("remote successor in current thread")
				continue
			}
			if succ.clk < pred.clk {
				// nested dependencies: idiom 3 or 4
				e0 := o.irootDB.GetiRootEvent(prevAcc.inst, prevAcc.typ, false)
				e1 := o.irootDB.GetiRootEvent(succ.inst, succ.typ, false)
				e2 := o.irootDB.GetiRootEvent(pred.inst, pred.typ, false)
				e3 := o.irootDB.GetiRootEvent(currAcc.inst, currAcc.typ, false)
				var ir *iroot.IRoot
				if prevMeta == currMeta {
					ir = o.irootDB.GetiRoot(iroot.Idiom3, false, e0, e1, e2, e3)
				} else {
					ir = o.irootDB.GetiRoot(iroot.Idiom4, false, e0, e1, e2, e3)
				}
				o.memo.Observed(ir, o.opts.Shadow, false)
			} else if succ.clk > pred.clk {
				// interleaved independent conflicts: idiom 5
				if uint64(event.Distance(pred.clk, succ.clk)) < o.opts.VulnWindow &&
					prevMeta != currMeta {
					// pred must be among the remote thread's local
					// predecessors recorded for this succ
					for i := range succPrevs {
						if succPrevs[i].uid != pred.uid {
							continue
						}
						e0 := o.irootDB.GetiRootEvent(prevAcc.inst, prevAcc.typ, false)
						e1 := o.irootDB.GetiRootEvent(succ.inst, succ.typ, false)
						e2 := o.irootDB.GetiRootEvent(pred.inst, pred.typ, false)
						e3 := o.irootDB.GetiRootEvent(currAcc.inst, currAcc.typ, false)
						ir := o.irootDB.GetiRoot(iroot.Idiom5, false, e0, e1, e2, e3)
						irx := o.irootDB.GetiRoot(iroot.Idiom5, false, e2, e3, e0, e1)
						o.memo.Observed(ir, o.opts.Shadow, false)
						o.memo.Observed(irx, o.opts.Shadow, false)
						break
					}
				}
			}
			if succ.uid == pred.uid {
				sameAccExist = true
			}
		}
		if sameAccExist {
			// round trip through the remote thread: idiom 2
			e0 := o.irootDB.GetiRootEvent(prevAcc.inst, prevAcc.typ, false)
			e1 := o.irootDB.GetiRootEvent(succ.inst, succ.typ, false)
			e2 := o.irootDB.GetiRootEvent(currAcc.inst, currAcc.typ, false)
			ir := o.irootDB.GetiRoot(iroot.Idiom2, false, e0, e1, e2)
			o.memo.Observed(ir, o.opts.Shadow, false)
		}
	}
	o.stat.Inc("ob_upd_comp_iroot", 1, true)
}

// processRecentInfo runs the complex-idiom search for the current access
// and maintains the per-thread recent-info windows.
func (o *Observer) processRecentInfo(currAcc *acc, currMeta *meta, preds []acc) {
	currRI := o.getRecentInfo(currAcc.thd)
	if len(preds) > 0 {
		// the local predecessors selected for this access, recorded on
		// remote successor links for the idiom-5 check
		var prevs []acc

		if o.opts.SingleVarIdioms {
			// only the newest entry over the current meta participates
			for i := len(currRI.entries) - 1; i >= 0; i-- {
				prevEntry := currRI.entries[i]
				if uint64(event.Distance(prevEntry.acc.clk, currAcc.clk)) >= o.opts.VulnWindow {
					break
				}
				if prevEntry.meta != currMeta {
					continue
				}
				if o.checkLocalPair(prevEntry.acc.typ, currAcc.typ) {
					o.updateComplexiRoot(currAcc, currMeta, preds, prevEntry)
				}
				prevs = append(prevs, prevEntry.acc)
				break
			}
		} else {
			// each distinct meta participates once (its newest entry),
			// stopping at the first entry over the current meta
			visited := make(map[*meta]struct{})
			for i := len(currRI.entries) - 1; i >= 0; i-- {
				prevEntry := currRI.entries[i]
				if uint64(event.Distance(prevEntry.acc.clk, currAcc.clk)) >= o.opts.VulnWindow {
					break
				}
				if _, ok := visited[prevEntry.meta]; ok {
					continue
				}
				if o.checkLocalPair(prevEntry.acc.typ, currAcc.typ) {
					o.updateComplexiRoot(currAcc, currMeta, preds, prevEntry)
				}
				prevs = append(prevs, prevEntry.acc)
				visited[prevEntry.meta] = struct{}{}
				if prevEntry.meta == currMeta {
					break
				}
			}
		}

		// link the current access as a successor of each predecessor in
		// the predecessor thread's recent info
		for i := range preds {
			pred := &preds[i]
			rmtRI := o.getRecentInfo(pred.thd)
			for j := len(rmtRI.entries) - 1; j >= 0; j-- {
				rmtEntry := rmtRI.entries[j]
				if uint64(event.Distance(rmtEntry.acc.clk, rmtRI.currClk)) >= o.opts.VulnWindow {
					break
				}
				if rmtEntry.acc.uid == pred.uid {
					rmtEntry.succs = append(rmtEntry.succs, *currAcc)
					rmtEntry.succPrevs = append(rmtEntry.succPrevs, prevs)
					break
				}
			}
		}
	}

	// record the current access in this thread's window
	currRI.entries = append(currRI.entries, &riEntry{acc: *currAcc, meta: currMeta})
	currRI.currClk = currAcc.clk
	o.recentInfoGC(currAcc.thd, currAcc.clk, entryQueueLimit)
}

func (o *Observer) getRecentInfo(tid event.ThreadID) *recentInfo {
	ri, ok := o.riTable[tid]
	if !ok {
		ri = &recentInfo{}
		o.riTable[tid] = ri
	}
	return ri
}

// recentInfoGC drops entries older than the vulnerability window once a
// thread's queue exceeds the threshold, preserving occurrence order.
func (o *Observer) recentInfoGC(tid event.ThreadID, clk event.Timestamp, threshold int) {
	ri := o.riTable[tid]
	if len(ri.entries) <= threshold {
		return
	}
	keep := len(ri.entries)
	for keep > 0 {
		e := ri.entries[keep-1]
		if uint64(event.Distance(e.acc.clk, clk)) >= o.opts.VulnWindow {
			break
		}
		keep--
	}
	ri.entries = append([]*riEntry(nil), ri.entries[keep:]...)
	o.stat.Inc("ob_recent_info_gc", 1, true)
}
