package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// DefaultRecordTable is the structure table name.
const DefaultRecordTable = "rcsb_pdb_structures_all"

// RecordSink upserts finalized records as JSONB rows keyed by pdb_id.
type RecordSink struct {
	pool  querier
	table string
}

// NewRecordSinkWithPool constructs a sink from an existing pool.
func NewRecordSinkWithPool(pool querier, table string) (*RecordSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultRecordTable)
	if err != nil {
		return nil, err
	}
	return &RecordSink{pool: pool, table: name}, nil
}

// WriteRecord upserts rec.
func (s *RecordSink) WriteRecord(ctx context.Context, rec crawler.Record) error {
	if rec.PDBID == "" {
		return fmt.Errorf("record pdb_id is required")
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (pdb_id, rcsb_id, run_id, max_revision_date, created_at, document)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pdb_id) DO UPDATE
SET rcsb_id = EXCLUDED.rcsb_id,
	run_id = EXCLUDED.run_id,
	max_revision_date = EXCLUDED.max_revision_date,
	created_at = EXCLUDED.created_at,
	document = EXCLUDED.document`, s.table)

	args := []any{
		rec.PDBID,
		rec.RCSBID,
		rec.RunID,
		rec.MaxRevisionDate,
		rec.CreatedAt,
		doc,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.PDBID, err)
	}
	return nil
}

// Schema returns the DDL for both tables.
func Schema(cursorTable, recordTable string) (string, error) {
	ct, err := tableName(cursorTable, DefaultCursorTable)
	if err != nil {
		return "", err
	}
	rt, err := tableName(recordTable, DefaultRecordTable)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	doc_id TEXT PRIMARY KEY,
	last_revision TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %s (
	pdb_id TEXT PRIMARY KEY,
	rcsb_id TEXT NOT NULL,
	run_id TEXT,
	max_revision_date TEXT,
	created_at TEXT NOT NULL,
	document JSONB NOT NULL
);`, ct, rt), nil
}

// EnsureSchema creates the cursor and record tables when missing.
func EnsureSchema(ctx context.Context, pool querier, cursorTable, recordTable string) error {
	ddl, err := Schema(cursorTable, recordTable)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
