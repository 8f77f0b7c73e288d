// Package revision tracks the incremental crawl watermark and per-identifier revisions.
package revision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

const (
	// DefaultDocID is the cursor document key.
	DefaultDocID = "rcsb_all_api"
	// DefaultTTL is the sliding expiry applied to per-identifier revisions.
	DefaultTTL = 60 * 24 * time.Hour
)

// Config controls watermark handling.
type Config struct {
	DocID   string
	Overlap time.Duration
	TTL     time.Duration
}

// Cursor holds the run-scoped watermark state. RunMax is updated from many
// goroutines; everything else is set once by Load.
type Cursor struct {
	cursors   crawler.CursorStore
	revisions crawler.RevisionStore
	cfg       Config
	logger    *zap.Logger

	mu             sync.Mutex
	loaded         bool
	lastPersisted  time.Time
	hasPersisted   bool
	incrementStart string
	runMax         time.Time
	hasRunMax      bool
}

// New constructs a Cursor. Either store may be nil, which disables the
// corresponding persistence.
func New(cursors crawler.CursorStore, revisions crawler.RevisionStore, cfg Config, logger *zap.Logger) *Cursor {
	if cfg.DocID == "" {
		cfg.DocID = DefaultDocID
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cursor{
		cursors:   cursors,
		revisions: revisions,
		cfg:       cfg,
		logger:    logger,
	}
}

// Load reads the persisted watermark once and computes the incremental start.
// A missing document leaves the start empty so the first run is unbounded.
func (c *Cursor) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	c.loaded = true
	if c.cursors == nil {
		return nil
	}
	raw, err := c.cursors.LoadCursor(ctx, c.cfg.DocID)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return fmt.Errorf("load cursor %s: %w", c.cfg.DocID, err)
	}
	ts, ok := Parse(raw)
	if !ok {
		if raw != "" {
			c.logger.Warn("ignoring malformed cursor", zap.String("doc_id", c.cfg.DocID), zap.String("last_revision", raw))
		}
		return nil
	}
	c.lastPersisted = ts
	c.hasPersisted = true
	c.incrementStart = Format(ts.Add(-c.cfg.Overlap))
	c.logger.Info("cursor loaded",
		zap.String("doc_id", c.cfg.DocID),
		zap.String("last_revision", Format(ts)),
		zap.String("increment_start", c.incrementStart),
	)
	return nil
}

// LastPersisted returns the loaded watermark or "".
func (c *Cursor) LastPersisted() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasPersisted {
		return ""
	}
	return Format(c.lastPersisted)
}

// IncrementStart returns lastPersisted minus the overlap window, or "".
func (c *Cursor) IncrementStart() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrementStart
}

// UpdateRunMax raises the run maximum to candidate when it is later.
// Malformed candidates are ignored.
func (c *Cursor) UpdateRunMax(candidate string) {
	ts, ok := Parse(candidate)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRunMax || ts.After(c.runMax) {
		c.runMax = ts
		c.hasRunMax = true
	}
}

// RunMax returns the highest revision seen this run, or "".
func (c *Cursor) RunMax() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRunMax {
		return ""
	}
	return Format(c.runMax)
}

// IsDuplicate reports whether candidate is not newer than the revision last
// persisted for id. Empty or malformed values on either side are never duplicates.
func (c *Cursor) IsDuplicate(ctx context.Context, id, candidate string) (bool, error) {
	cand, ok := Parse(candidate)
	if !ok || c.revisions == nil {
		return false, nil
	}
	stored, found, err := c.revisions.GetRevision(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup revision %s: %w", id, err)
	}
	if !found {
		return false, nil
	}
	prev, ok := Parse(stored)
	if !ok {
		return false, nil
	}
	return !cand.After(prev), nil
}

// PersistPerIdentifier records revision for id with the sliding TTL.
func (c *Cursor) PersistPerIdentifier(ctx context.Context, id, revision string) error {
	ts, ok := Parse(revision)
	if !ok || c.revisions == nil {
		return nil
	}
	if err := c.revisions.PutRevision(ctx, id, FormatPrecise(ts), c.cfg.TTL); err != nil {
		return fmt.Errorf("persist revision %s: %w", id, err)
	}
	return nil
}

// Flush upserts the run maximum as the new watermark. It is a no-op when no
// revision was observed.
func (c *Cursor) Flush(ctx context.Context) error {
	runMax := c.RunMax()
	if runMax == "" || c.cursors == nil {
		return nil
	}
	if err := c.cursors.SaveCursor(ctx, c.cfg.DocID, runMax); err != nil {
		return fmt.Errorf("save cursor %s: %w", c.cfg.DocID, err)
	}
	c.logger.Info("cursor flushed", zap.String("doc_id", c.cfg.DocID), zap.String("last_revision", runMax))
	return nil
}
