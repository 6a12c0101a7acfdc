// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"testing"
	"time"
)

func TestWindowAdvanceOncePerSecond(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newWindow(now)

	w.advance(now.Add(500*time.Millisecond), 100)
	if w.pos != 0 {
		t.Fatalf("sub-second advance must be a no-op, pos=%d", w.pos)
	}

	w.advance(now.Add(time.Second), 100)
	if w.pos != 1 || w.buffer[1] != 100 {
		t.Fatalf("expected pos=1 buffer[1]=100, got pos=%d buffer[1]=%d", w.pos, w.buffer[1])
	}

	// A second advance at the same instant must not rotate again.
	w.advance(now.Add(time.Second), 999)
	if w.pos != 1 || w.buffer[1] != 100 {
		t.Fatalf("same-instant advance must be a no-op, pos=%d buffer[1]=%d", w.pos, w.buffer[1])
	}
}

// The averaging window is the window_secs slots preceding the write
// position, walked cyclically; the slot at pos itself is the sample that
// will be aged in on the next rotation's read.
func TestWindowAverage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newWindow(now)

	for _, s := range []uint64{0, 500, 500, 500} {
		now = now.Add(time.Second)
		w.advance(now, s)
	}
	if w.pos != 4 {
		t.Fatalf("expected pos=4, got %d", w.pos)
	}

	// Slots 1..3 hold 0,500,500.
	if got := w.average(3); got != 333 {
		t.Errorf("window 3: expected 333, got %d", got)
	}
	// Slots 0..3 hold 0,0,500,500.
	if got := w.average(4); got != 250 {
		t.Errorf("window 4: expected 250, got %d", got)
	}
}

func TestWindowAverageTruncates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newWindow(now)
	for _, s := range []uint64{0, 100, 101, 0} {
		now = now.Add(time.Second)
		w.advance(now, s)
	}
	// Slots 2,3 hold 100,101: 201/2 truncates to 100.
	if got := w.average(2); got != 100 {
		t.Errorf("expected truncating division 201/2=100, got %d", got)
	}
}

func TestWindowAverageWrapsCyclically(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newWindow(now)

	// Fill the whole buffer and keep going so the position wraps.
	for i := 0; i < maxWindowBuffer+5; i++ {
		now = now.Add(time.Second)
		w.advance(now, uint64(i))
	}

	if w.pos != 5 {
		t.Fatalf("expected wrapped pos=5, got %d", w.pos)
	}
	// Slots 2,3,4 hold samples 61,62,63.
	want := uint64(61+62+63) / 3
	if got := w.average(3); got != want {
		t.Errorf("cyclic window: expected %d, got %d", want, got)
	}
}

func TestWindowSnapshotIsIndependent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newWindow(now)
	w.advance(now.Add(time.Second), 42)

	snap := w.snapshot()
	w.advance(now.Add(2*time.Second), 1000)

	if snap.buffer[snap.pos] != 42 {
		t.Errorf("snapshot must not observe later writes, got %d", snap.buffer[snap.pos])
	}
}
