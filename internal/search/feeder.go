package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

const defaultBatchSize = 100

// Enqueuer accepts candidates for the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, cand crawler.Candidate) error
	Close()
}

// FeedConfig bounds one paging pass.
type FeedConfig struct {
	// StartFrom is the first search offset.
	StartFrom int
	// MaxTargets caps how many candidates are fed. Zero means no cap.
	MaxTargets int
	BatchSize  int
}

// Feed pages through source and enqueues every candidate until a stop
// condition is hit: MaxTargets reached, an empty page, or a page error. The
// queue is closed on return so the dispatcher can drain. The count of fed
// candidates is returned with any page error.
func Feed(ctx context.Context, source crawler.CandidateSource, q Enqueuer, cfg FeedConfig, logger *zap.Logger) (int, error) {
	defer q.Close()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	offset := max(cfg.StartFrom, 0)
	fed := 0
	for {
		rows := cfg.BatchSize
		if cfg.MaxTargets > 0 {
			remaining := cfg.MaxTargets - fed
			if remaining <= 0 {
				logger.Info("max targets reached", zap.Int("max_targets", cfg.MaxTargets))
				return fed, nil
			}
			rows = min(rows, remaining)
		}
		page, err := source.NextPage(ctx, offset, rows)
		if err != nil {
			logger.Warn("candidate paging stopped", zap.Int("offset", offset), zap.Error(err))
			return fed, fmt.Errorf("page at offset %d: %w", offset, err)
		}
		consumed := page.Rows
		if consumed == 0 {
			consumed = len(page.Candidates)
		}
		if consumed == 0 {
			logger.Info("candidate paging exhausted", zap.Int("offset", offset), zap.Int("fed", fed))
			return fed, nil
		}
		for _, cand := range page.Candidates {
			if cfg.MaxTargets > 0 && fed >= cfg.MaxTargets {
				break
			}
			if err := q.Enqueue(ctx, cand); err != nil {
				return fed, err
			}
			fed++
		}
		offset += consumed
		if !page.HasMore {
			logger.Info("candidate paging complete", zap.Int("fed", fed), zap.Int("total", page.Total))
			return fed, nil
		}
	}
}
