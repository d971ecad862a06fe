package tipstream

import (
	"fmt"
	"testing"
	"time"
)

func tipWithHash(txHash string) TipEvent {
	return TipEvent{
		ID:           "1",
		FromUsername: "alice",
		ToUsername:   "bob",
		Timestamp:    time.Now().UnixMilli(),
		TxHash:       txHash,
	}
}

// Test that the second sighting of the same tx hash within the window is a duplicate
func TestDeduper_SuppressesRepeat(t *testing.T) {
	d := NewDeduper(5*time.Second, 100)
	ev := tipWithHash("0xdead")

	if d.IsDuplicate(ev) {
		t.Error("first sighting should not be a duplicate")
	}
	if !d.IsDuplicate(ev) {
		t.Error("second sighting within the window should be a duplicate")
	}
}

// Test that a key is forgotten once the window elapses
func TestDeduper_WindowExpiry(t *testing.T) {
	d := NewDeduper(30*time.Millisecond, 100)
	ev := tipWithHash("0xdead")

	d.IsDuplicate(ev)
	time.Sleep(50 * time.Millisecond)

	if d.IsDuplicate(ev) {
		t.Error("key should have expired with the window")
	}
}

// Test that events without a tx hash dedup on their structural content
func TestDeduper_StructuralKey(t *testing.T) {
	d := NewDeduper(5*time.Second, 100)
	update := LeaderboardUpdate{
		Kind:      LeaderboardTopTippers,
		Timestamp: 1234,
	}

	if d.IsDuplicate(update) {
		t.Error("first update should not be a duplicate")
	}
	if !d.IsDuplicate(update) {
		t.Error("identical update should be a duplicate")
	}

	different := update
	different.Timestamp = 5678
	if d.IsDuplicate(different) {
		t.Error("update with a different timestamp should not be a duplicate")
	}
}

// Test that overflowing the size cap evicts the oldest 30% immediately
func TestDeduper_EvictsOldestOnOverflow(t *testing.T) {
	d := NewDeduper(time.Hour, 10)
	for i := 0; i < 11; i++ {
		d.IsDuplicate(tipWithHash(fmt.Sprintf("0x%02d", i)))
	}

	// 11 insertions over a cap of 10 evicts the oldest 3.
	if got := d.Size(); got != 8 {
		t.Errorf("expected 8 entries after eviction, got %d", got)
	}
	if d.IsDuplicate(tipWithHash("0x00")) {
		t.Error("evicted key should be treated as new again")
	}
	if !d.IsDuplicate(tipWithHash("0x10")) {
		t.Error("newest key should still be cached")
	}
}
