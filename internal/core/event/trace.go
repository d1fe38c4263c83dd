package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/kolkov/interleave/internal/core/staticinfo"
)

// Record is one serialized event of a recorded execution. Traces are JSON
// lines; unknown kinds are reported and skipped so traces stay forward
// compatible.
type Record struct {
	Kind   string  `json:"kind"`
	Thd    uint64  `json:"thd"`
	Parent *uint64 `json:"parent,omitempty"`
	Child  uint64 `json:"child,omitempty"`
	Clk    uint64 `json:"clk,omitempty"`
	Image  string `json:"image,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
	Addr   uint64 `json:"addr,omitempty"`
	Addr2  uint64 `json:"addr2,omitempty"`
	Size   uint64 `json:"size,omitempty"`
	Nmemb  uint64 `json:"nmemb,omitempty"`
	Count  uint64 `json:"count,omitempty"`
	Op     string `json:"op,omitempty"`

	// image_load / image_unload segment descriptors
	LowAddr   uint64 `json:"low_addr,omitempty"`
	HighAddr  uint64 `json:"high_addr,omitempty"`
	DataStart uint64 `json:"data_start,omitempty"`
	DataSize  uint64 `json:"data_size,omitempty"`
	BssStart  uint64 `json:"bss_start,omitempty"`
	BssSize   uint64 `json:"bss_size,omitempty"`
}

// Record kinds understood by Replay.
const (
	KindThreadStart   = "thread_start"
	KindThreadExit    = "thread_exit"
	KindMemRead       = "mem_read"
	KindMemWrite      = "mem_write"
	KindJoin          = "join"
	KindMutexLock     = "mutex_lock"
	KindMutexUnlock   = "mutex_unlock"
	KindCondSignal    = "cond_signal"
	KindCondBroadcast = "cond_broadcast"
	KindCondPreWait   = "cond_pre_wait"
	KindCondPostWait  = "cond_post_wait"
	KindBarrierPre    = "barrier_pre"
	KindBarrierPost   = "barrier_post"
	KindAtomicBegin   = "atomic_begin"
	KindAtomicEnd     = "atomic_end"
	KindMalloc        = "malloc"
	KindCalloc        = "calloc"
	KindPreRealloc    = "pre_realloc"
	KindRealloc       = "realloc"
	KindFree          = "free"
	KindValloc        = "valloc"
	KindInstCount     = "inst_count"
	KindYield         = "yield"
	KindImageLoad     = "image_load"
	KindImageUnload   = "image_unload"
)

// Replayer feeds recorded events to a set of analyzers. It is the stand-in
// event source used by the CLI and the deterministic tests:
// events are delivered one at a time from a single goroutine.
type Replayer struct {
	sinfo     *staticinfo.StaticInfo
	analyzers []Analyzer
	log       zerolog.Logger
}

// NewReplayer creates a replayer that resolves instructions against sinfo
// and dispatches to the given analyzers in order.
func NewReplayer(sinfo *staticinfo.StaticInfo, log zerolog.Logger, analyzers ...Analyzer) *Replayer {
	return &Replayer{sinfo: sinfo, analyzers: analyzers, log: log}
}

// Replay reads JSON-line records from r until EOF, dispatching each one.
// ProgramExit is delivered after the last record.
func (rp *Replayer) Replay(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("trace line %d: %w", line, err)
		}
		rp.Dispatch(&rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("trace read: %w", err)
	}
	for _, a := range rp.analyzers {
		a.ProgramExit()
	}
	return nil
}

// Dispatch delivers a single record to every analyzer.
func (rp *Replayer) Dispatch(rec *Record) {
	tid := ThreadID(rec.Thd)
	clk := Timestamp(rec.Clk)
	var inst *staticinfo.Inst
	if rec.Image != "" && rec.Kind != KindImageLoad && rec.Kind != KindImageUnload {
		inst = rp.sinfo.GetInst(rec.Image, rec.Offset)
	}
	for _, a := range rp.analyzers {
		switch rec.Kind {
		case KindThreadStart:
			parent := InvalidThreadID
			if rec.Parent != nil {
				parent = ThreadID(*rec.Parent)
			}
			a.ThreadStart(tid, parent)
		case KindThreadExit:
			a.ThreadExit(tid, clk)
		case KindMemRead:
			a.BeforeMemRead(tid, clk, inst, Addr(rec.Addr), rec.Size)
		case KindMemWrite:
			a.BeforeMemWrite(tid, clk, inst, Addr(rec.Addr), rec.Size)
		case KindJoin:
			a.AfterPthreadJoin(tid, clk, inst, ThreadID(rec.Child))
		case KindMutexLock:
			a.AfterPthreadMutexLock(tid, clk, inst, Addr(rec.Addr))
		case KindMutexUnlock:
			a.BeforePthreadMutexUnlock(tid, clk, inst, Addr(rec.Addr))
		case KindCondSignal:
			a.BeforePthreadCondSignal(tid, clk, inst, Addr(rec.Addr))
		case KindCondBroadcast:
			a.BeforePthreadCondBroadcast(tid, clk, inst, Addr(rec.Addr))
		case KindCondPreWait:
			a.BeforePthreadCondWait(tid, clk, inst, Addr(rec.Addr), Addr(rec.Addr2))
		case KindCondPostWait:
			a.AfterPthreadCondWait(tid, clk, inst, Addr(rec.Addr), Addr(rec.Addr2))
		case KindBarrierPre:
			a.BeforePthreadBarrierWait(tid, clk, inst, Addr(rec.Addr))
		case KindBarrierPost:
			a.AfterPthreadBarrierWait(tid, clk, inst, Addr(rec.Addr))
		case KindAtomicBegin:
			a.BeforeAtomicInst(tid, clk, inst, rec.Op, Addr(rec.Addr))
		case KindAtomicEnd:
			a.AfterAtomicInst(tid, clk, inst, rec.Op, Addr(rec.Addr))
		case KindMalloc:
			a.AfterMalloc(tid, clk, inst, rec.Size, Addr(rec.Addr))
		case KindCalloc:
			a.AfterCalloc(tid, clk, inst, rec.Nmemb, rec.Size, Addr(rec.Addr))
		case KindPreRealloc:
			a.BeforeRealloc(tid, clk, inst, Addr(rec.Addr), rec.Size)
		case KindRealloc:
			a.AfterRealloc(tid, clk, inst, Addr(rec.Addr), rec.Size, Addr(rec.Addr2))
		case KindFree:
			a.BeforeFree(tid, clk, inst, Addr(rec.Addr))
		case KindValloc:
			a.AfterValloc(tid, clk, inst, rec.Size, Addr(rec.Addr))
		case KindInstCount:
			a.WatchInstCount(tid, rec.Count)
		case KindYield:
			a.SchedYield(tid, clk, inst)
		case KindImageLoad:
			a.ImageLoad(rp.sinfo.GetImage(rec.Image), Addr(rec.LowAddr), Addr(rec.HighAddr),
				Addr(rec.DataStart), rec.DataSize, Addr(rec.BssStart), rec.BssSize)
		case KindImageUnload:
			a.ImageUnload(rp.sinfo.GetImage(rec.Image), Addr(rec.LowAddr), Addr(rec.HighAddr),
				Addr(rec.DataStart), rec.DataSize, Addr(rec.BssStart), rec.BssSize)
		default:
			rp.log.Warn().Str("kind", rec.Kind).Msg("unknown trace record kind, skipped")
			return
		}
	}
}
