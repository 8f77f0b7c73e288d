package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// RecordSink keeps the latest record per identifier for development/testing.
type RecordSink struct {
	mu      sync.RWMutex
	records map[string]crawler.Record
	writes  int
}

// NewRecordSink constructs a RecordSink.
func NewRecordSink() *RecordSink {
	return &RecordSink{records: make(map[string]crawler.Record)}
}

// WriteRecord upserts the record by PDB id.
func (s *RecordSink) WriteRecord(_ context.Context, record crawler.Record) error {
	if record.PDBID == "" {
		return errors.New("record pdb_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.PDBID] = record
	s.writes++
	return nil
}

// Get returns the stored record for id.
func (s *RecordSink) Get(id string) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// IDs returns the stored identifiers in sorted order.
func (s *RecordSink) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Writes returns how many writes were accepted, including overwrites.
func (s *RecordSink) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
