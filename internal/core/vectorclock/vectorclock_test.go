package vectorclock

import (
	"testing"

	"github.com/kolkov/interleave/internal/core/event"
)

// TestJoinWithEmpty tests join(a, empty) == a.
func TestJoinWithEmpty(t *testing.T) {
	a := New()
	a.Set(1, 10)
	a.Set(2, 20)
	before := a.Clone()

	a.Join(New())

	if !a.Equal(before) {
		t.Errorf("Join with empty changed the clock: %s != %s", a, before)
	}
}

// TestHappensBeforeReflexive tests happens_before(a, a).
func TestHappensBeforeReflexive(t *testing.T) {
	a := New()
	a.Set(1, 5)
	a.Set(7, 3)

	if !a.HappensBefore(a) {
		t.Errorf("HappensBefore(a, a) = false, want true")
	}
}

// TestHappensBeforeJoin tests happens_before(a, join(a, b)) for assorted b.
func TestHappensBeforeJoin(t *testing.T) {
	tests := []struct {
		name string
		a    map[event.ThreadID]event.Timestamp
		b    map[event.ThreadID]event.Timestamp
	}{
		{
			name: "disjoint threads",
			a:    map[event.ThreadID]event.Timestamp{1: 5},
			b:    map[event.ThreadID]event.Timestamp{2: 9},
		},
		{
			name: "overlapping threads",
			a:    map[event.ThreadID]event.Timestamp{1: 5, 2: 3},
			b:    map[event.ThreadID]event.Timestamp{2: 9, 3: 1},
		},
		{
			name: "b dominates a",
			a:    map[event.ThreadID]event.Timestamp{1: 5},
			b:    map[event.ThreadID]event.Timestamp{1: 50},
		},
		{
			name: "empty b",
			a:    map[event.ThreadID]event.Timestamp{4: 4},
			b:    map[event.ThreadID]event.Timestamp{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			for thd, clk := range tt.a {
				a.Set(thd, clk)
			}
			b := New()
			for thd, clk := range tt.b {
				b.Set(thd, clk)
			}
			joined := a.Clone()
			joined.Join(b)
			if !a.HappensBefore(joined) {
				t.Errorf("HappensBefore(a, join(a,b)) = false; a=%s join=%s", a, joined)
			}
		})
	}
}

// TestHappensBefore tests the partial-order check against hand-computed
// cases.
func TestHappensBefore(t *testing.T) {
	tests := []struct {
		name string
		a    map[event.ThreadID]event.Timestamp
		b    map[event.ThreadID]event.Timestamp
		want bool
	}{
		{
			name: "component missing in b",
			a:    map[event.ThreadID]event.Timestamp{1: 1},
			b:    map[event.ThreadID]event.Timestamp{2: 9},
			want: false,
		},
		{
			name: "all components covered",
			a:    map[event.ThreadID]event.Timestamp{1: 1, 2: 2},
			b:    map[event.ThreadID]event.Timestamp{1: 1, 2: 5, 3: 1},
			want: true,
		},
		{
			name: "one component behind",
			a:    map[event.ThreadID]event.Timestamp{1: 1, 2: 6},
			b:    map[event.ThreadID]event.Timestamp{1: 1, 2: 5},
			want: false,
		},
		{
			name: "empty a",
			a:    map[event.ThreadID]event.Timestamp{},
			b:    map[event.ThreadID]event.Timestamp{9: 1},
			want: true,
		},
		{
			name: "explicit zero component passes against absent",
			a:    map[event.ThreadID]event.Timestamp{1: 0},
			b:    map[event.ThreadID]event.Timestamp{2: 3},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			for thd, clk := range tt.a {
				a.Set(thd, clk)
			}
			b := New()
			for thd, clk := range tt.b {
				b.Set(thd, clk)
			}
			if got := a.HappensBefore(b); got != tt.want {
				t.Errorf("HappensBefore(%s, %s) = %v, want %v", a, b, got, tt.want)
			}
		})
	}
}

// TestIncrement tests increment on absent and present threads.
func TestIncrement(t *testing.T) {
	vc := New()
	vc.Increment(3)
	if got := vc.Get(3); got != 1 {
		t.Errorf("first Increment: Get(3) = %d, want 1", got)
	}
	vc.Increment(3)
	if got := vc.Get(3); got != 2 {
		t.Errorf("second Increment: Get(3) = %d, want 2", got)
	}
	if got := vc.Get(4); got != 0 {
		t.Errorf("absent thread: Get(4) = %d, want 0", got)
	}
}

// TestJoinPointwiseMax tests the join values.
func TestJoinPointwiseMax(t *testing.T) {
	a := New()
	a.Set(1, 10)
	a.Set(2, 1)
	b := New()
	b.Set(2, 7)
	b.Set(3, 4)

	a.Join(b)

	want := map[event.ThreadID]event.Timestamp{1: 10, 2: 7, 3: 4}
	for thd, clk := range want {
		if got := a.Get(thd); got != clk {
			t.Errorf("after Join: Get(%d) = %d, want %d", thd, got, clk)
		}
	}
	if a.Size() != 3 {
		t.Errorf("after Join: Size() = %d, want 3", a.Size())
	}
}

// TestEqual tests structural equality.
func TestEqual(t *testing.T) {
	a := New()
	a.Set(1, 1)
	b := New()
	b.Set(1, 1)
	if !a.Equal(b) {
		t.Errorf("Equal(a, b) = false for identical clocks")
	}
	b.Set(2, 1)
	if a.Equal(b) {
		t.Errorf("Equal(a, b) = true for different thread sets")
	}
	c := New()
	c.Set(1, 2)
	if a.Equal(c) {
		t.Errorf("Equal(a, c) = true for different values")
	}
}

// TestEachSortedOrder tests the deterministic iteration order used by the
// race report loops.
func TestEachSortedOrder(t *testing.T) {
	vc := New()
	vc.Set(9, 1)
	vc.Set(1, 2)
	vc.Set(5, 3)

	var order []event.ThreadID
	vc.Each(func(thd event.ThreadID, clk event.Timestamp) {
		order = append(order, thd)
	})
	want := []event.ThreadID{1, 5, 9}
	if len(order) != len(want) {
		t.Fatalf("Each visited %d threads, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Each order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

// TestCloneIndependence tests that a clone does not alias its source.
func TestCloneIndependence(t *testing.T) {
	a := New()
	a.Set(1, 1)
	b := a.Clone()
	b.Set(1, 99)
	b.Set(2, 5)
	if a.Get(1) != 1 || a.Get(2) != 0 {
		t.Errorf("mutating clone changed source: %s", a)
	}
}
