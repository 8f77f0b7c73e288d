package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDocumentRejectsMalformedBodies(t *testing.T) {
	t.Parallel()

	_, err := DecodeDocument([]byte("<html>"))
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = DecodeDocument([]byte("null"))
	require.ErrorIs(t, err, ErrMalformedResponse)

	doc, err := DecodeDocument([]byte(`{"rcsb_id":"1ABC"}`))
	require.NoError(t, err)
	require.Equal(t, "1ABC", doc["rcsb_id"])
}

func TestDecodeDocumentsAcceptsObjectOrArray(t *testing.T) {
	t.Parallel()

	docs, err := DecodeDocuments([]byte(` {"rcsb_id":"ATP"}`))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = DecodeDocuments([]byte(`[{"rcsb_id":"ATP"},{"rcsb_id":"HEM"}]`))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	_, err = DecodeDocuments([]byte(`[{"rcsb_id":`))
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestLookupHelpers(t *testing.T) {
	t.Parallel()

	doc := Document{
		"rcsb_accession_info": map[string]any{"revision_date": "2024-01-10T00:00:00+0000"},
		"ids":                 []any{"A", 7, "B", ""},
		"single":              "X",
		"entity_poly_seq":     []any{map[string]any{"mon_id": "ALA"}, "junk"},
		"one":                 map[string]any{"k": "v"},
	}

	require.Equal(t, "2024-01-10T00:00:00+0000", LookupString(doc, "rcsb_accession_info.revision_date"))
	require.Empty(t, LookupString(doc, "rcsb_accession_info.missing"))
	require.Empty(t, LookupString(doc, "single.deeper"))
	require.Equal(t, []string{"A", "B"}, LookupStrings(doc, "ids"))
	require.Equal(t, []string{"X"}, LookupStrings(doc, "single"))
	require.Nil(t, LookupStrings(doc, "absent"))
	require.Len(t, Objects(doc, "entity_poly_seq"), 1)
	require.Len(t, Objects(doc, "one"), 1)
	require.Nil(t, Objects(doc, "single"))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	statusErr := &StatusError{URL: "https://data.rcsb.org/rest/v1/core/entry/1ABC", StatusCode: 404}
	require.ErrorIs(t, statusErr, ErrUnexpectedStatus)
	require.Contains(t, statusErr.Error(), "HTTP 404")

	fatal := FatalIdentifier("1ABC", statusErr)
	require.ErrorIs(t, fatal, ErrFatalIdentifier)
	require.ErrorIs(t, fatal, ErrUnexpectedStatus)

	_, decodeErr := DecodeDocument([]byte("{"))
	degraded := DegradedBranch("1ABC", BranchEntity, decodeErr)
	require.ErrorIs(t, degraded, ErrDegradedBranch)
	require.ErrorIs(t, degraded, ErrMalformedResponse)
	require.False(t, errors.Is(degraded, ErrFatalIdentifier))
}

func TestProbeAndAuditOutcomes(t *testing.T) {
	t.Parallel()

	require.Equal(t, OutcomeAvailable, ProbeResult{Available: true}.Outcome())
	require.Equal(t, OutcomeMissing, ProbeResult{Missing: true}.Outcome())
	require.Equal(t, OutcomeFailed, ProbeResult{Reason: "HTTP 500"}.Outcome())

	audit := AuditFromProbe(ProbeResult{URL: "u", HTTPStatus: 200, Available: true})
	require.Equal(t, "u", audit.Selected)
	require.Equal(t, OutcomeAvailable, audit.Outcome())
	require.Empty(t, AuditFromProbe(ProbeResult{URL: "u", HTTPStatus: 404, Missing: true}).Selected)
	require.Equal(t, OutcomePending, AssetAudit{Pending: true}.Outcome())
}

func TestModeAndIDHelpers(t *testing.T) {
	t.Parallel()

	require.True(t, ModeFull.Valid())
	require.True(t, ModeIncremental.Valid())
	require.False(t, Mode("partial").Valid())
	require.Equal(t, "4HHB", NormalizeID(" 4hhb "))
}
