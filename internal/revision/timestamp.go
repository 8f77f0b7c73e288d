package revision

import (
	"strings"
	"time"
)

// OutputLayout is the canonical revision format written back to stores and
// used as the search lower bound. Sub-second precision is dropped.
const OutputLayout = "2006-01-02T15:04:05Z"

var inputLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Parse normalizes an ISO-8601 revision string. The second return is false
// for empty or malformed input, which callers treat as "no revision".
func Parse(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range inputLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// PreciseLayout keeps fractional seconds when present and renders whole
// seconds exactly like OutputLayout.
const PreciseLayout = "2006-01-02T15:04:05.999999999Z"

// Format renders t in OutputLayout.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(OutputLayout)
}

// FormatPrecise renders t in PreciseLayout. Per-identifier revisions are
// stored this way so a re-read compares equal to the upstream value.
func FormatPrecise(t time.Time) string {
	return t.UTC().Format(PreciseLayout)
}
