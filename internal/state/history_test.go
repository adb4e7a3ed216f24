package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
)

func updateEvent(name string, n int) ChangeEvent {
	return ChangeEvent{
		Type:      EventUpdated,
		CellName:  name,
		Timestamp: time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC),
		Previous:  codec.Number(float64(n - 1)),
		Next:      codec.Number(float64(n)),
	}
}

// --- append / order ---

func TestHistoryAppendAndEvents(t *testing.T) {
	h := NewHistoryLog(10)
	for i := 0; i < 3; i++ {
		h.Append(updateEvent(fmt.Sprintf("cell-%d", i), i))
	}

	if got := h.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	events := h.Events()
	for i, e := range events {
		want := fmt.Sprintf("cell-%d", i)
		if e.CellName != want {
			t.Errorf("Events()[%d].CellName = %q, want %q", i, e.CellName, want)
		}
	}
}

func TestHistoryEvictsOldestWhenFull(t *testing.T) {
	h := NewHistoryLog(DefaultHistoryCapacity)
	for i := 0; i < 150; i++ {
		h.Append(updateEvent(fmt.Sprintf("cell-%d", i), i))
	}

	if got := h.Len(); got != DefaultHistoryCapacity {
		t.Fatalf("Len = %d, want %d", got, DefaultHistoryCapacity)
	}

	events := h.Events()
	if got := events[0].CellName; got != "cell-50" {
		t.Errorf("oldest retained = %q, want cell-50", got)
	}
	if got := events[len(events)-1].CellName; got != "cell-149" {
		t.Errorf("newest retained = %q, want cell-149", got)
	}

	// Retained window must be contiguous and in order.
	for i, e := range events {
		want := fmt.Sprintf("cell-%d", 50+i)
		if e.CellName != want {
			t.Fatalf("Events()[%d].CellName = %q, want %q", i, e.CellName, want)
		}
	}
}

// --- reads ---

func TestHistoryLastNewestFirst(t *testing.T) {
	h := NewHistoryLog(5)
	for i := 0; i < 8; i++ {
		h.Append(updateEvent(fmt.Sprintf("cell-%d", i), i))
	}

	last := h.Last(3)
	if len(last) != 3 {
		t.Fatalf("len(Last(3)) = %d, want 3", len(last))
	}
	for i, want := range []string{"cell-7", "cell-6", "cell-5"} {
		if last[i].CellName != want {
			t.Errorf("Last(3)[%d] = %q, want %q", i, last[i].CellName, want)
		}
	}

	if got := h.Last(100); len(got) != 5 {
		t.Errorf("len(Last(100)) = %d, want 5", len(got))
	}
	if got := h.Last(0); got != nil {
		t.Errorf("Last(0) = %v, want nil", got)
	}
}

func TestHistoryForCell(t *testing.T) {
	h := NewHistoryLog(20)
	for i := 0; i < 6; i++ {
		name := "even"
		if i%2 == 1 {
			name = "odd"
		}
		h.Append(updateEvent(name, i))
	}

	got := h.ForCell("odd", 0)
	if len(got) != 3 {
		t.Fatalf("len(ForCell(odd)) = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].Next.Num != 5 || got[2].Next.Num != 1 {
		t.Errorf("ForCell order = [%v %v %v], want [5 3 1]",
			got[0].Next.Num, got[1].Next.Num, got[2].Next.Num)
	}

	if got := h.ForCell("odd", 2); len(got) != 2 {
		t.Errorf("len(ForCell(odd, 2)) = %d, want 2", len(got))
	}
	if got := h.ForCell("missing", 0); got != nil {
		t.Errorf("ForCell(missing) = %v, want nil", got)
	}
}

func TestHistoryLastTimestamp(t *testing.T) {
	h := NewHistoryLog(4)
	if _, ok := h.LastTimestamp(); ok {
		t.Error("LastTimestamp on empty log = ok, want false")
	}

	h.Append(updateEvent("a", 1))
	h.Append(updateEvent("b", 2))

	ts, ok := h.LastTimestamp()
	if !ok {
		t.Fatal("LastTimestamp = not ok, want ok")
	}
	want := time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("LastTimestamp = %v, want %v", ts, want)
	}
}

func TestHistoryClear(t *testing.T) {
	h := NewHistoryLog(4)
	h.Append(updateEvent("a", 1))
	h.Clear()

	if got := h.Len(); got != 0 {
		t.Errorf("Len = %d after Clear, want 0", got)
	}
	if got := h.Events(); len(got) != 0 {
		t.Errorf("Events = %v after Clear, want empty", got)
	}

	// The ring must still work after clearing.
	h.Append(updateEvent("b", 2))
	if got := h.Len(); got != 1 {
		t.Errorf("Len = %d after re-append, want 1", got)
	}
}

func TestHistoryCapacityFallback(t *testing.T) {
	h := NewHistoryLog(0)
	if got := h.Capacity(); got != DefaultHistoryCapacity {
		t.Errorf("Capacity = %d, want %d", got, DefaultHistoryCapacity)
	}
}
