package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// DefaultCursorTable holds one row per cursor document.
const DefaultCursorTable = "rcsb_increment_state"

// CursorStore keeps the run watermark in Postgres.
//
//	CREATE TABLE rcsb_increment_state (
//		doc_id TEXT PRIMARY KEY,
//		last_revision TEXT NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type CursorStore struct {
	pool  querier
	table string
}

// NewCursorStoreWithPool constructs a store from an existing pool.
func NewCursorStoreWithPool(pool querier, table string) (*CursorStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultCursorTable)
	if err != nil {
		return nil, err
	}
	return &CursorStore{pool: pool, table: name}, nil
}

// LoadCursor returns the stored revision or crawler.ErrNotFound.
func (s *CursorStore) LoadCursor(ctx context.Context, docID string) (string, error) {
	query := fmt.Sprintf(`SELECT last_revision FROM %s WHERE doc_id = $1`, s.table)
	var rev string
	if err := s.pool.QueryRow(ctx, query, docID).Scan(&rev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", crawler.ErrNotFound
		}
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return rev, nil
}

// SaveCursor upserts the revision for docID.
func (s *CursorStore) SaveCursor(ctx context.Context, docID string, revision string) error {
	query := fmt.Sprintf(`
INSERT INTO %s (doc_id, last_revision, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (doc_id) DO UPDATE
SET last_revision = EXCLUDED.last_revision, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, docID, revision); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
