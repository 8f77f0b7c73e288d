package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// CursorStore keeps cursor documents in memory.
type CursorStore struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewCursorStore constructs a CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{docs: make(map[string]string)}
}

// LoadCursor returns the stored revision or crawler.ErrNotFound.
func (s *CursorStore) LoadCursor(_ context.Context, docID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.docs[docID]
	if !ok {
		return "", crawler.ErrNotFound
	}
	return rev, nil
}

// SaveCursor upserts the revision for docID.
func (s *CursorStore) SaveCursor(_ context.Context, docID string, revision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docID] = revision
	return nil
}
