package calllog

import (
	"context"
	"sync"
)

// defaultKeep is how many records the in-memory sink retains.
const defaultKeep = 50

// MemorySink keeps the most recent call records in memory, newest first.
// Older records fall off the end once the retention limit is reached.
type MemorySink struct {
	keep int

	mu      sync.Mutex
	records []Record
}

// MemoryOption configures a [MemorySink].
type MemoryOption func(*MemorySink)

// WithKeep overrides how many records are retained.
func WithKeep(n int) MemoryOption {
	return func(s *MemorySink) {
		s.keep = n
	}
}

// NewMemorySink creates an in-memory sink retaining the 50 most recent records.
func NewMemorySink(opts ...MemoryOption) *MemorySink {
	s := &MemorySink{keep: defaultKeep}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append implements [Sink]. The record is prepended so Recent reads newest first.
func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append([]Record{rec}, s.records...)
	if len(s.records) > s.keep {
		s.records = s.records[:s.keep]
	}
	return nil
}

// Recent implements [Sink].
func (s *MemorySink) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, limit)
	copy(out, s.records[:limit])
	return out, nil
}

var _ Sink = (*MemorySink)(nil)
