// Package search pages candidate identifiers out of the RCSB search API and
// feeds them to the dispatcher.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/request"
)

// Source is a CandidateSource backed by the search API.
type Source struct {
	client         crawler.ResourceClient
	builder        *request.Builder
	mode           crawler.Mode
	incrementStart string
	logger         *zap.Logger
}

// NewSource constructs a Source. incrementStart is only applied in
// incremental mode.
func NewSource(
	client crawler.ResourceClient,
	builder *request.Builder,
	mode crawler.Mode,
	incrementStart string,
	logger *zap.Logger,
) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		client:         client,
		builder:        builder,
		mode:           mode,
		incrementStart: incrementStart,
		logger:         logger,
	}
}

type searchResponse struct {
	TotalCount int `json:"total_count"`
	ResultSet  []struct {
		Identifier string  `json:"identifier"`
		Score      float64 `json:"score"`
	} `json:"result_set"`
}

// NextPage fetches one page. An empty result set ends paging. The search API
// answers 204 when nothing matched, which is reported as an empty final page.
func (s *Source) NextPage(ctx context.Context, offset, pageSize int) (crawler.SearchPage, error) {
	desc := s.builder.ListRequest(offset, pageSize, s.mode, s.incrementStart)
	resp, err := s.client.Post(ctx, desc.URL, desc.Body)
	if err != nil {
		return crawler.SearchPage{}, fmt.Errorf("search page at %d: %w", offset, err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return crawler.SearchPage{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return crawler.SearchPage{}, &crawler.StatusError{URL: desc.URL, StatusCode: resp.StatusCode}
	}
	var parsed searchResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return crawler.SearchPage{}, fmt.Errorf("%w: search page at %d: %w", crawler.ErrMalformedResponse, offset, err)
	}

	page := crawler.SearchPage{Total: parsed.TotalCount, Rows: len(parsed.ResultSet)}
	for _, result := range parsed.ResultSet {
		id := crawler.NormalizeID(result.Identifier)
		if id == "" {
			continue
		}
		page.Candidates = append(page.Candidates, crawler.Candidate{ID: id})
	}
	n := len(parsed.ResultSet)
	page.HasMore = n > 0 && n >= pageSize && (parsed.TotalCount == 0 || offset+n < parsed.TotalCount)
	s.logger.Debug("search page",
		zap.Int("offset", offset),
		zap.Int("rows", n),
		zap.Int("total", parsed.TotalCount),
	)
	return page, nil
}

// StaticSource serves a fixed identifier list, used when a single pdb_id is
// configured or ids are passed on the command line.
type StaticSource struct {
	ids []string
}

// NewStaticSource constructs a StaticSource.
func NewStaticSource(ids ...string) *StaticSource {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = crawler.NormalizeID(id); id != "" {
			out = append(out, id)
		}
	}
	return &StaticSource{ids: out}
}

// NextPage slices the fixed list.
func (s *StaticSource) NextPage(_ context.Context, offset, pageSize int) (crawler.SearchPage, error) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.ids) || pageSize <= 0 {
		return crawler.SearchPage{Total: len(s.ids)}, nil
	}
	end := min(offset+pageSize, len(s.ids))
	page := crawler.SearchPage{Total: len(s.ids), Rows: end - offset, HasMore: end < len(s.ids)}
	for _, id := range s.ids[offset:end] {
		page.Candidates = append(page.Candidates, crawler.Candidate{ID: id})
	}
	return page, nil
}
