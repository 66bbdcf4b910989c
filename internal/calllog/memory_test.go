package calllog

import (
	"fmt"
	"testing"
	"time"
)

func record(i int) Record {
	return Record{
		CallID:    fmt.Sprintf("CA%d", i),
		Caller:    "+15550001111",
		StartedAt: time.Now(),
		Mode:      "normal",
		Summary:   "- test call",
		Outcome:   "completed",
	}
}

func TestMemorySink_NewestFirst(t *testing.T) {
	s := NewMemorySink()
	for i := 0; i < 3; i++ {
		if err := s.Append(t.Context(), record(i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.Recent(t.Context(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].CallID != "CA2" || got[2].CallID != "CA0" {
		t.Errorf("expected newest first, got %q .. %q", got[0].CallID, got[2].CallID)
	}
}

func TestMemorySink_RetentionLimit(t *testing.T) {
	s := NewMemorySink(WithKeep(2))
	for i := 0; i < 5; i++ {
		s.Append(t.Context(), record(i))
	}

	got, _ := s.Recent(t.Context(), 10)
	if len(got) != 2 {
		t.Fatalf("expected retention of 2 records, got %d", len(got))
	}
	if got[0].CallID != "CA4" || got[1].CallID != "CA3" {
		t.Errorf("expected the two newest records, got %q and %q", got[0].CallID, got[1].CallID)
	}
}

func TestMemorySink_RecentLimit(t *testing.T) {
	s := NewMemorySink()
	for i := 0; i < 5; i++ {
		s.Append(t.Context(), record(i))
	}

	got, _ := s.Recent(t.Context(), 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}

	all, _ := s.Recent(t.Context(), 0)
	if len(all) != 5 {
		t.Errorf("expected zero limit to return everything, got %d", len(all))
	}
}
