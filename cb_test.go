package flashring

import (
	"encoding/binary"
	"testing"
)

const cbTestItemSize = 8

func cbTestItem(ts uint64) []byte {
	b := make([]byte, cbTestItemSize)
	binary.LittleEndian.PutUint64(b, ts)
	return b
}

func cbTestTimestamp(item []byte) uint64 {
	return binary.LittleEndian.Uint64(item)
}

func newTestCB(t *testing.T, dev BlockDevice, length uint32, forceInit bool) *CircularBuffer {
	t.Helper()
	cb, _, err := NewCircularBuffer(dev, 0, length, cbTestItemSize, cbTestTimestamp, forceInit)
	if err != nil {
		t.Fatalf("NewCircularBuffer: %v", err)
	}
	return cb
}

func drainCursor(t *testing.T, c *Cursor) []uint64 {
	t.Helper()
	var got []uint64
	buf := make([]byte, cbTestItemSize)
	for c.Next(buf) {
		got = append(got, cbTestTimestamp(buf))
	}
	return got
}

func assertTimestamps(t *testing.T, label string, got, want []uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", label, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", label, got, want)
		}
	}
}

// TestCB_WraparoundEvictsOldest covers the P1 boundary scenario: once
// more than `length` items have been appended, the oldest are no
// longer reachable from either end of a cursor walk.
func TestCB_WraparoundEvictsOldest(t *testing.T) {
	dev := NewMemoryDevice(256, 32, 64)
	cb := newTestCB(t, dev, 3, true)

	for ts := uint64(1); ts <= 5; ts++ {
		if err := cb.Append(cbTestItem(ts)); err != nil {
			t.Fatalf("Append(%d): %v", ts, err)
		}
	}

	if !cb.IsFull() {
		t.Fatalf("expected buffer to report full after exceeding its nominal length")
	}

	ascending := drainCursor(t, cb.OpenCursor(CursorAscending))
	assertTimestamps(t, "ascending", ascending, []uint64{3, 4, 5})

	descending := drainCursor(t, cb.OpenCursor(CursorDescending))
	assertTimestamps(t, "descending", descending, []uint64{5, 4, 3})
}

// TestCB_RestoreWrapsHeadExactlyAtActualLength covers the boundary
// where the newest live item sits in the last slot of the actual
// (padded) region: restore must wrap head back to 0 via actualLength,
// not leave it one past the end, or a subsequent cursor walk never
// terminates and the next Append reads one page out of range.
func TestCB_RestoreWrapsHeadExactlyAtActualLength(t *testing.T) {
	dev := NewMemoryDevice(256, 32, 64)
	cb := newTestCB(t, dev, 3, true)

	actual := cb.actualLength()
	for ts := uint64(1); ts <= uint64(actual); ts++ {
		if err := cb.Append(cbTestItem(ts)); err != nil {
			t.Fatalf("Append(%d): %v", ts, err)
		}
	}

	restored := newTestCB(t, dev, 3, false)
	if restored.head >= actual {
		t.Fatalf("restored head=%d must be < actualLength=%d", restored.head, actual)
	}
	if restored.head != 0 {
		t.Fatalf("restored head = %d, want 0 (wrapped from the last slot)", restored.head)
	}
	if !restored.isFull {
		t.Fatalf("expected a fully-populated region to restore as full")
	}

	ascending := drainCursor(t, restored.OpenCursor(CursorAscending))
	assertTimestamps(t, "ascending", ascending, []uint64{uint64(actual) - 2, uint64(actual) - 1, uint64(actual)})
}

// TestCB_DescendingCursorIncludesTailWhenTailIsZero covers the
// boundary where a full buffer's tail slot is index 0: the descending
// cursor's stop condition must still land one step past the wrapped
// tail (actualLength-1), not at 0, or it stops before ever reading the
// oldest (tail) item.
func TestCB_DescendingCursorIncludesTailWhenTailIsZero(t *testing.T) {
	dev := NewMemoryDevice(64, 8, 16)
	cb := newTestCB(t, dev, 2, true)

	for ts := uint64(1); ts <= 6; ts++ {
		if err := cb.Append(cbTestItem(ts)); err != nil {
			t.Fatalf("Append(%d): %v", ts, err)
		}
	}
	if cb.tail != 0 {
		t.Fatalf("test setup: expected tail==0 after 6 appends of a length-2 buffer, got %d", cb.tail)
	}

	descending := drainCursor(t, cb.OpenCursor(CursorDescending))
	assertTimestamps(t, "descending", descending, []uint64{6, 5})
}

// TestCB_OpenCursorDescendingWhenHeadWrapsToZero covers OpenCursor
// itself (not restore): when head has wrapped back to exactly 0 on a
// full buffer, a freshly opened descending cursor must start from
// actualLength-1 (the true newest slot), not length-1, or it stops
// immediately and yields none of the still-live items.
func TestCB_OpenCursorDescendingWhenHeadWrapsToZero(t *testing.T) {
	dev := NewMemoryDevice(64, 8, 16)
	cb := newTestCB(t, dev, 2, true)

	for ts := uint64(1); ts <= 4; ts++ {
		if err := cb.Append(cbTestItem(ts)); err != nil {
			t.Fatalf("Append(%d): %v", ts, err)
		}
	}
	if cb.head != 0 {
		t.Fatalf("test setup: expected head==0 after 4 appends of a length-2 buffer, got %d", cb.head)
	}
	if !cb.isFull {
		t.Fatalf("test setup: expected buffer to be full")
	}

	descending := drainCursor(t, cb.OpenCursor(CursorDescending))
	assertTimestamps(t, "descending", descending, []uint64{4, 3})
}

// TestCB_RestoreAfterReboot simulates power loss: a fresh
// CircularBuffer opened over the same (already written) device must
// reconstruct the same head/tail/isFull state purely from the
// timestamps already on flash, with no separate metadata sector.
func TestCB_RestoreAfterReboot(t *testing.T) {
	dev := NewMemoryDevice(256, 32, 64)
	cb := newTestCB(t, dev, 3, true)
	for ts := uint64(1); ts <= 5; ts++ {
		if err := cb.Append(cbTestItem(ts)); err != nil {
			t.Fatalf("Append(%d): %v", ts, err)
		}
	}

	restored := newTestCB(t, dev, 3, false)
	if restored.head != cb.head || restored.tail != cb.tail || restored.isFull != cb.isFull {
		t.Fatalf("restore mismatch: got head=%d tail=%d full=%v, want head=%d tail=%d full=%v",
			restored.head, restored.tail, restored.isFull, cb.head, cb.tail, cb.isFull)
	}

	ascending := drainCursor(t, restored.OpenCursor(CursorAscending))
	assertTimestamps(t, "ascending after restore", ascending, []uint64{3, 4, 5})
}

func TestCB_RestoreOfBlankRegion(t *testing.T) {
	dev := NewMemoryDevice(256, 32, 64)
	cb := newTestCB(t, dev, 3, true) // erase, no appends

	restored := newTestCB(t, dev, 3, false)
	if restored.head != 0 || restored.tail != 0 || restored.isFull {
		t.Fatalf("blank region restore should leave head=tail=0, isFull=false; got head=%d tail=%d full=%v",
			restored.head, restored.tail, restored.isFull)
	}
	_ = cb
}

func TestCB_AppendRejectsOversizedItem(t *testing.T) {
	dev := NewMemoryDevice(256, 32, 64)
	cb := newTestCB(t, dev, 3, true)
	if err := cb.Append(make([]byte, cbTestItemSize+1)); err == nil {
		t.Fatalf("expected Append to reject an item larger than the configured item size")
	}
}
