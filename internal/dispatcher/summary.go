package dispatcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// Summary is the run-end report.
type Summary struct {
	RunID          string                                `json:"run_id"`
	Mode           crawler.Mode                          `json:"mode"`
	Running        bool                                  `json:"running"`
	StartedAt      time.Time                             `json:"started_at"`
	FinishedAt     time.Time                             `json:"finished_at,omitempty"`
	Admitted       int                                   `json:"admitted"`
	Finalized      int                                   `json:"finalized"`
	Aborted        int                                   `json:"aborted"`
	Duplicates     int                                   `json:"duplicates"`
	SeenSkipped    int                                   `json:"seen_skipped"`
	Active         int                                   `json:"active"`
	Degraded       map[crawler.Branch]int                `json:"degraded"`
	Assets         map[crawler.AssetKind]map[string]int `json:"assets"`
	RunMaxRevision string                                `json:"run_max_revision,omitempty"`
}

// AuditKey buckets an audit entry as "outcome" or "outcome: reason".
func AuditKey(audit crawler.AssetAudit) string {
	outcome := string(audit.Outcome())
	if audit.Available || audit.Reason == "" {
		return outcome
	}
	return outcome + ": " + audit.Reason
}

// Fields renders the summary for structured logging.
func (s Summary) Fields() []zap.Field {
	return []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("mode", string(s.Mode)),
		zap.Int("admitted", s.Admitted),
		zap.Int("finalized", s.Finalized),
		zap.Int("aborted", s.Aborted),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("seen_skipped", s.SeenSkipped),
		zap.Any("degraded", s.Degraded),
		zap.Any("assets", s.Assets),
		zap.String("run_max_revision", s.RunMaxRevision),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
	}
}

// tracker guards the live summary. The coordinator writes; the ops server reads.
type tracker struct {
	mu sync.Mutex
	s  Summary
}

func newTracker(runID string, mode crawler.Mode) *tracker {
	return &tracker{s: Summary{
		RunID:    runID,
		Mode:     mode,
		Degraded: make(map[crawler.Branch]int),
		Assets:   make(map[crawler.AssetKind]map[string]int),
	}}
}

func (t *tracker) update(fn func(*Summary)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.s)
}

func (t *tracker) recordAssets(audit map[crawler.AssetKind]crawler.AssetAudit) {
	t.update(func(s *Summary) {
		for _, kind := range crawler.AssetKinds {
			a, ok := audit[kind]
			if !ok {
				continue
			}
			bucket := s.Assets[kind]
			if bucket == nil {
				bucket = make(map[string]int)
				s.Assets[kind] = bucket
			}
			bucket[AuditKey(a)]++
		}
	})
}

func (t *tracker) snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.s
	out.Degraded = make(map[crawler.Branch]int, len(t.s.Degraded))
	for k, v := range t.s.Degraded {
		out.Degraded[k] = v
	}
	out.Assets = make(map[crawler.AssetKind]map[string]int, len(t.s.Assets))
	for kind, bucket := range t.s.Assets {
		copied := make(map[string]int, len(bucket))
		for k, v := range bucket {
			copied[k] = v
		}
		out.Assets[kind] = copied
	}
	return out
}
