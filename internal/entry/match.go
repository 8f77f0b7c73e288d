package entry

import (
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// MatchSpec describes how items in a batched response identify themselves.
type MatchSpec struct {
	// Keys are dotted paths tried in order until one yields a non-empty id.
	Keys []string
	// Stamp names the field set on each matched item to the id it was
	// attributed to.
	Stamp string
}

var (
	// ComponentMatch identifies chemical component items.
	ComponentMatch = MatchSpec{
		Keys:  []string{"rcsb_id", "chem_comp.id"},
		Stamp: "comp_id",
	}
	// CrossrefMatch identifies DrugBank items.
	CrossrefMatch = MatchSpec{
		Keys:  []string{"rcsb_id", "drugbank_container_identifiers.drugbank_id", "identifier"},
		Stamp: "drugbank_id",
	}
)

// ItemID returns the first id found under spec's keys, or "".
func (spec MatchSpec) ItemID(item crawler.Document) string {
	for _, key := range spec.Keys {
		if id := strings.TrimSpace(crawler.LookupString(item, key)); id != "" {
			return id
		}
	}
	return ""
}

// MatchBatch attributes the items of one batched response to the requested
// ids. Items carrying an id are keyed by it. Items without one are paired
// positionally with the requested ids still unmatched, and every such pairing
// is logged. Requested ids that end up without an item are logged as a
// single warning.
func MatchBatch(
	requested []string,
	items []crawler.Document,
	spec MatchSpec,
	logger *zap.Logger,
) map[string]crawler.Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	canonical := make(map[string]string, len(requested))
	for _, id := range requested {
		canonical[strings.ToUpper(id)] = id
	}

	matched := make(map[string]crawler.Document, len(items))
	var anonymous []crawler.Document
	for _, item := range items {
		if item == nil {
			continue
		}
		id := spec.ItemID(item)
		if id == "" {
			anonymous = append(anonymous, item)
			continue
		}
		key, ok := canonical[strings.ToUpper(id)]
		if !ok {
			logger.Debug("batch returned unrequested id", zap.String("id", id))
			key = id
		}
		matched[key] = stamp(item, spec.Stamp, key)
	}

	var remaining []string
	for _, id := range requested {
		if _, ok := matched[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	for i, item := range anonymous {
		if i >= len(remaining) {
			logger.Warn("dropping batch items without id", zap.Int("count", len(anonymous)-i))
			break
		}
		id := remaining[i]
		logger.Warn("batch item has no id field, matched by position",
			zap.String("id", id),
			zap.Int("position", i),
		)
		matched[id] = stamp(item, spec.Stamp, id)
	}

	if len(anonymous) < len(remaining) {
		logger.Warn("batch response omitted requested ids", zap.Strings("ids", remaining[len(anonymous):]))
	}
	return matched
}

func stamp(item crawler.Document, field, id string) crawler.Document {
	if field == "" {
		return item
	}
	out := make(crawler.Document, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	out[field] = id
	return out
}
