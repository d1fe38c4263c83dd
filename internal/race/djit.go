package race

import (
	"github.com/kolkov/interleave/internal/core/event"
	"github.com/kolkov/interleave/internal/core/staticinfo"
	"github.com/kolkov/interleave/internal/core/vectorclock"
)

// djitMeta is the per-unit-address detector metadata: the writer and reader
// clocks, the instruction that produced each thread's last conflicting
// access, and the racy bookkeeping.
type djitMeta struct {
	addr event.Addr
	racy bool

	writerVC        *vectorclock.VectorClock
	writerInstTable map[event.ThreadID]*staticinfo.Inst
	readerVC        *vectorclock.VectorClock
	readerInstTable map[event.ThreadID]*staticinfo.Inst

	raceInstSet map[uint32]*staticinfo.Inst
}

func (d *Detector) getMeta(iaddr event.Addr) *djitMeta {
	m, ok := d.metaTable[iaddr]
	if !ok {
		m = &djitMeta{
			addr:            iaddr,
			writerVC:        vectorclock.New(),
			writerInstTable: make(map[event.ThreadID]*staticinfo.Inst),
			readerVC:        vectorclock.New(),
			readerInstTable: make(map[event.ThreadID]*staticinfo.Inst),
			raceInstSet:     make(map[uint32]*staticinfo.Inst),
		}
		d.metaTable[iaddr] = m
	}
	return m
}

// processRead checks the writer clock against the reading thread's clock
// and reports one RAW race per conflicting writer thread.
func (d *Detector) processRead(tid event.ThreadID, m *djitMeta, inst *staticinfo.Inst) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		d.log.Error().Uint64("thd", uint64(tid)).Msg("memory read before thread start")
		return
	}
	if !m.writerVC.HappensBefore(currVC) {
		d.log.Debug().Uint64("thd", uint64(tid)).Uint64("addr", uint64(m.addr)).
			Stringer("inst", inst).Msg("RAW race detected")
		m.racy = true
		m.writerVC.Each(func(w event.ThreadID, clk event.Timestamp) {
			if w != tid && clk > currVC.Get(w) {
				writerInst := m.writerInstTable[w]
				if writerInst == nil {
					d.log.Error().Uint64("writer", uint64(w)).Msg("racy writer has no inst")
					return
				}
				d.reportRace(m, w, writerInst, EventWrite, tid, inst, EventRead)
			}
		})
	}
	// update meta data
	m.readerVC.Set(tid, currVC.Get(tid))
	m.readerInstTable[tid] = inst
	if d.opts.TrackRacyInst {
		m.raceInstSet[inst.ID()] = inst
	}
}

// processWrite checks both the writer and the reader clocks and reports
// WAW and WAR races per conflicting thread.
func (d *Detector) processWrite(tid event.ThreadID, m *djitMeta, inst *staticinfo.Inst) {
	currVC := d.vcMap[tid]
	if currVC == nil {
		d.log.Error().Uint64("thd", uint64(tid)).Msg("memory write before thread start")
		return
	}
	if !m.writerVC.HappensBefore(currVC) {
		d.log.Debug().Uint64("thd", uint64(tid)).Uint64("addr", uint64(m.addr)).
			Stringer("inst", inst).Msg("WAW race detected")
		m.racy = true
		m.writerVC.Each(func(w event.ThreadID, clk event.Timestamp) {
			if w != tid && clk > currVC.Get(w) {
				writerInst := m.writerInstTable[w]
				if writerInst == nil {
					d.log.Error().Uint64("writer", uint64(w)).Msg("racy writer has no inst")
					return
				}
				d.reportRace(m, w, writerInst, EventWrite, tid, inst, EventWrite)
			}
		})
	}
	if !m.readerVC.HappensBefore(currVC) {
		d.log.Debug().Uint64("thd", uint64(tid)).Uint64("addr", uint64(m.addr)).
			Stringer("inst", inst).Msg("WAR race detected")
		m.racy = true
		m.readerVC.Each(func(r event.ThreadID, clk event.Timestamp) {
			if r != tid && clk > currVC.Get(r) {
				readerInst := m.readerInstTable[r]
				if readerInst == nil {
					d.log.Error().Uint64("reader", uint64(r)).Msg("racy reader has no inst")
					return
				}
				d.reportRace(m, r, readerInst, EventRead, tid, inst, EventWrite)
			}
		})
	}
	// update meta data
	m.writerVC.Set(tid, currVC.Get(tid))
	m.writerInstTable[tid] = inst
	if d.opts.TrackRacyInst {
		m.raceInstSet[inst.ID()] = inst
	}
}

// processFree flags every instruction that touched a racy location before
// its meta is dropped.
func (d *Detector) processFree(m *djitMeta) {
	if d.opts.TrackRacyInst && m.racy {
		for _, inst := range m.raceInstSet {
			d.raceDB.SetRacyInst(inst, true)
		}
	}
}

// reportRace records one race pair in the race database.
func (d *Detector) reportRace(m *djitMeta, t0 event.ThreadID, i0 *staticinfo.Inst, p0 EventType,
	t1 event.ThreadID, i1 *staticinfo.Inst, p1 EventType) {
	d.raceDB.CreateRace(m.addr, t0, i0, p0, t1, i1, p1, true)
	d.stat.Inc("race_reported", 1, true)
}
