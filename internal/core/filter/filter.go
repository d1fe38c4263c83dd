// Package filter implements the address-region filter that restricts
// monitoring to allocated memory: image data/bss segments and heap regions.
// Accesses that fall outside every registered region are skipped by the
// observer and the race detector.
package filter

import (
	"sort"
	"sync"

	"github.com/kolkov/interleave/internal/core/event"
)

// RegionFilter is a set of disjoint [start, start+size) address regions.
//
// The filter carries its own lock because regions are added and removed
// from malloc hooks that do not hold the owning component's lock. Call
// sites that already hold a lock pass locking=false, mirroring the
// component convention used throughout the databases.
type RegionFilter struct {
	mu     sync.Mutex
	sizes  map[event.Addr]uint64
	starts []event.Addr // sorted; nil when stale
}

// NewRegionFilter creates an empty filter.
func NewRegionFilter() *RegionFilter {
	return &RegionFilter{sizes: make(map[event.Addr]uint64)}
}

// AddRegion registers the region [addr, addr+size). Adding an already
// registered start address overwrites its size.
func (f *RegionFilter) AddRegion(addr event.Addr, size uint64, locking bool) {
	if locking {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	if addr == 0 || size == 0 {
		return
	}
	if _, ok := f.sizes[addr]; !ok {
		f.starts = nil
	}
	f.sizes[addr] = size
}

// RemoveRegion removes the region starting at addr and returns its size
// (0 when no region starts there). The caller uses the returned size to
// clear per-address metadata covered by the freed region.
func (f *RegionFilter) RemoveRegion(addr event.Addr, locking bool) uint64 {
	if locking {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	size, ok := f.sizes[addr]
	if !ok {
		return 0
	}
	delete(f.sizes, addr)
	f.starts = nil
	return size
}

// Filter reports whether addr should be skipped: true when addr lies
// outside every registered region.
func (f *RegionFilter) Filter(addr event.Addr, locking bool) bool {
	if locking {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	starts := f.sortedStarts()
	// find the last region starting at or below addr
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > addr })
	if i == 0 {
		return true
	}
	start := starts[i-1]
	return addr >= start+event.Addr(f.sizes[start])
}

func (f *RegionFilter) sortedStarts() []event.Addr {
	if f.starts == nil {
		f.starts = make([]event.Addr, 0, len(f.sizes))
		for a := range f.sizes {
			f.starts = append(f.starts, a)
		}
		sort.Slice(f.starts, func(i, j int) bool { return f.starts[i] < f.starts[j] })
	}
	return f.starts
}
