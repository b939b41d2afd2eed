// Package history keeps the images generated during one interactive session.
package history

import (
	"iter"
	"sync"
	"time"
)

// Record is one generated image. Records are never mutated once stored, and
// callers must not modify Image.
type Record struct {
	ID        string
	Prompt    string
	Image     []byte
	Settings  string
	Width     int
	Height    int
	Elapsed   time.Duration
	CreatedAt time.Time
}

// Store is an unbounded, newest-first list of records. One writer and any
// number of readers may use it concurrently.
type Store struct {
	mu      sync.RWMutex
	records []Record // oldest first
}

func New() *Store {
	return &Store{}
}

// Record puts r at the front.
func (s *Store) Record(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// At returns the record at front-based index i.
func (s *Store) At(i int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.records) {
		return Record{}, false
	}
	return s.records[len(s.records)-1-i], true
}

// All yields index/record pairs from newest to oldest. Each iteration sees
// the records stored when it started.
func (s *Store) All() iter.Seq2[int, Record] {
	return func(yield func(int, Record) bool) {
		s.mu.RLock()
		records := s.records[:len(s.records):len(s.records)]
		s.mu.RUnlock()

		for i := len(records) - 1; i >= 0; i-- {
			if !yield(len(records)-1-i, records[i]) {
				return
			}
		}
	}
}

// Snapshot returns the records newest first.
func (s *Store) Snapshot() []Record {
	out := make([]Record, 0, s.Len())
	for _, r := range s.All() {
		out = append(out, r)
	}
	return out
}
