// Package file writes one JSON document per finalized record.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// RecordSink saves records under root using the PDB divided layout:
// {root}/{middle two characters}/{PDBID}.json. Rewriting an id replaces its file.
type RecordSink struct {
	root   string
	logger *zap.Logger
}

// NewRecordSink returns a sink rooted at dir.
func NewRecordSink(root string, logger *zap.Logger) (*RecordSink, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("sink.dir is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", root, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordSink{root: root, logger: logger}, nil
}

// Path returns where id is written.
func (s *RecordSink) Path(id string) string {
	id = crawler.NormalizeID(id)
	shard := "_"
	if len(id) >= 3 {
		shard = strings.ToLower(id[1:3])
	}
	return filepath.Join(s.root, shard, id+".json")
}

// WriteRecord writes rec atomically.
func (s *RecordSink) WriteRecord(ctx context.Context, rec crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if rec.PDBID == "" || strings.ContainsAny(rec.PDBID, `/\.`) {
		return fmt.Errorf("invalid record pdb_id %q", rec.PDBID)
	}
	target := s.Path(rec.PDBID)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating record dir for %s: %w", target, err)
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write record %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename record %s: %w", target, err)
	}
	s.logger.Debug("record written", zap.String("pdb_id", rec.PDBID), zap.String("path", target))
	return nil
}
