package asset

import "github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"

// Report is the outcome of one probe pass: available URLs in discovery order
// plus an audit entry per asset kind resolved by the pass. Kinds a pass does
// not probe are absent.
type Report struct {
	Available []string
	Audit     map[crawler.AssetKind]crawler.AssetAudit
}

func newReport() Report {
	return Report{Audit: make(map[crawler.AssetKind]crawler.AssetAudit)}
}

func (r *Report) add(kind crawler.AssetKind, result crawler.ProbeResult) {
	r.Audit[kind] = crawler.AuditFromProbe(result)
	if result.Available {
		r.Available = append(r.Available, result.URL)
	}
}

// Merge folds other into r. A pending audit never replaces a resolved one,
// so passes may land in either order.
func (r *Report) Merge(other Report) {
	if r.Audit == nil {
		r.Audit = make(map[crawler.AssetKind]crawler.AssetAudit)
	}
	for kind, audit := range other.Audit {
		if prev, ok := r.Audit[kind]; ok && audit.Pending && !prev.Pending {
			continue
		}
		r.Audit[kind] = audit
	}
	r.Available = append(r.Available, other.Available...)
}

// SelectedURLs returns the selected URL of every available audit in
// crawler.AssetKinds order.
func (r Report) SelectedURLs() []string {
	out := make([]string, 0, len(r.Audit))
	for _, kind := range crawler.AssetKinds {
		if audit, ok := r.Audit[kind]; ok && audit.Available && audit.Selected != "" {
			out = append(out, audit.Selected)
		}
	}
	return out
}
