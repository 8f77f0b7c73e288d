package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// RevisionStore mirrors a Redis hash with an expiry on the whole key: every
// write slides the deadline, and once it passes every entry is gone.
type RevisionStore struct {
	mu        sync.Mutex
	clock     crawler.Clock
	revisions map[string]string
	expiresAt time.Time
}

// NewRevisionStore constructs a RevisionStore. A nil clock uses wall time.
func NewRevisionStore(clock crawler.Clock) *RevisionStore {
	return &RevisionStore{
		clock:     clock,
		revisions: make(map[string]string),
	}
}

func (s *RevisionStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func (s *RevisionStore) expireLocked() {
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		s.revisions = make(map[string]string)
		s.expiresAt = time.Time{}
	}
}

// GetRevision returns the stored revision for id.
func (s *RevisionStore) GetRevision(_ context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	rev, ok := s.revisions[id]
	return rev, ok, nil
}

// PutRevision stores revision and resets the expiry to now+ttl.
func (s *RevisionStore) PutRevision(_ context.Context, id string, revision string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	s.revisions[id] = revision
	if ttl > 0 {
		s.expiresAt = s.now().Add(ttl)
	}
	return nil
}

// Len returns the number of live entries.
func (s *RevisionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.revisions)
}
