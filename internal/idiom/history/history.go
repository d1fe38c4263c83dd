// Package history persists per-target test run outcomes across executions
// (the test.histo file). Targeted runs use it to alternate the new-thread
// priority order between attempts on the same iRoot.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/kolkov/interleave/internal/idiom/iroot"
)

type entry struct {
	Runs      uint64 `json:"runs"`
	Successes uint64 `json:"successes"`
}

// History tracks test runs per iRoot id.
type History struct {
	mu      sync.Mutex
	entries map[uint32]*entry
}

// New creates an empty history.
func New() *History {
	return &History{entries: make(map[uint32]*entry)}
}

// TotalTestRuns returns how many recorded test runs target ir.
func (h *History) TotalTestRuns(ir *iroot.IRoot) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[ir.ID()]; ok {
		return e.Runs
	}
	return 0
}

// Update records the outcome of one test run of ir.
func (h *History) Update(ir *iroot.IRoot, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[ir.ID()]
	if !ok {
		e = &entry{}
		h.entries[ir.ID()] = e
	}
	e.Runs++
	if success {
		e.Successes++
	}
}

type historyProto struct {
	Entries map[string]entry `json:"entries"`
}

// Save writes the history to path.
func (h *History) Save(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	proto := historyProto{Entries: make(map[string]entry, len(h.entries))}
	ids := make([]uint32, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		proto.Entries[fmt.Sprintf("%d", id)] = *h.entries[id]
	}
	data, err := json.MarshalIndent(&proto, "", " ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a history previously written by Save. A missing file leaves
// the history empty.
func (h *History) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var proto historyProto
	if err := json.Unmarshal(data, &proto); err != nil {
		return fmt.Errorf("history: unmarshal %s: %w", path, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for idStr, e := range proto.Entries {
		var id uint32
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return fmt.Errorf("history: %s: bad iroot id %q", path, idStr)
		}
		cp := e
		h.entries[id] = &cp
	}
	return nil
}
