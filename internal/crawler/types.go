package crawler

import (
	"strings"
	"time"
)

// Document is a decoded upstream JSON object.
type Document = map[string]any

// Mode selects between a full crawl and a cursor-driven incremental crawl.
type Mode string

const (
	// ModeFull ingests every identifier the search API returns.
	ModeFull Mode = "full"
	// ModeIncremental only ingests identifiers revised since the stored cursor.
	ModeIncremental Mode = "incremental"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeFull || m == ModeIncremental
}

// Candidate is one identifier produced by a CandidateSource.
type Candidate struct {
	ID       string
	Revision string
}

// NormalizeID uppercases and trims an entry identifier.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Branch names one category of dependent sub-fetches.
type Branch string

const (
	// BranchEntity counts polymer, non-polymer and branched entity fetches.
	BranchEntity Branch = "entity"
	// BranchComponent counts chemical component fetches.
	BranchComponent Branch = "component"
	// BranchCrossref counts DrugBank cross-reference fetches.
	BranchCrossref Branch = "crossref"
	// BranchAssembly counts the biological assembly fetch.
	BranchAssembly Branch = "assembly"
	// BranchAssets counts outstanding asset probe passes.
	BranchAssets Branch = "assets"
)

// Branches lists every branch tracked by an aggregation context.
var Branches = []Branch{BranchEntity, BranchComponent, BranchCrossref, BranchAssembly, BranchAssets}

// ResourceKind names an RCSB data API resource.
type ResourceKind string

const (
	ResourceEntry            ResourceKind = "entry"
	ResourcePolymerEntity    ResourceKind = "polymer_entity"
	ResourceNonpolymerEntity ResourceKind = "nonpolymer_entity"
	ResourceBranchedEntity   ResourceKind = "branched_entity"
	ResourceChemComp         ResourceKind = "chemcomp"
	ResourceDrugBank         ResourceKind = "drugbank"
	ResourceAssembly         ResourceKind = "assembly"
)

// EntityKinds lists the entity resources in the order they are requested.
var EntityKinds = []ResourceKind{ResourcePolymerEntity, ResourceNonpolymerEntity, ResourceBranchedEntity}

// DefaultAssemblyID is the assembly fetched for every entry.
const DefaultAssemblyID = "1"

// Response is the outcome of one resource fetch.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// AssetKind names one downloadable file attached to an entry.
type AssetKind string

const (
	AssetStructureFile   AssetKind = "cif_file"
	AssetStructureImage  AssetKind = "structure_image"
	AssetValidationImage AssetKind = "validation_image"
	AssetValidationPDF   AssetKind = "validation_pdf"
)

// AssetKinds lists asset kinds in audit order.
var AssetKinds = []AssetKind{AssetStructureFile, AssetStructureImage, AssetValidationImage, AssetValidationPDF}

// ProbeResult is the outcome of probing one asset URL.
// Available and Missing are never both true.
type ProbeResult struct {
	URL        string `json:"url"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Available  bool   `json:"available"`
	Missing    bool   `json:"missing"`
	Reason     string `json:"reason,omitempty"`
}

// Outcome classifies a probe result.
func (r ProbeResult) Outcome() ProbeOutcome {
	switch {
	case r.Available:
		return OutcomeAvailable
	case r.Missing:
		return OutcomeMissing
	default:
		return OutcomeFailed
	}
}

// ProbeOutcome buckets asset audits in run summaries and metrics.
type ProbeOutcome string

const (
	OutcomeAvailable ProbeOutcome = "available"
	OutcomeMissing   ProbeOutcome = "missing"
	OutcomeFailed    ProbeOutcome = "failed"
	OutcomePending   ProbeOutcome = "pending"
)

// AssetAudit records how one asset kind was resolved for an entry.
type AssetAudit struct {
	Selected   string `json:"selected,omitempty" bson:"selected,omitempty"`
	HTTPStatus int    `json:"status,omitempty" bson:"status,omitempty"`
	Available  bool   `json:"available" bson:"available"`
	Missing    bool   `json:"missing" bson:"missing"`
	Pending    bool   `json:"pending_check,omitempty" bson:"pending_check,omitempty"`
	Reason     string `json:"reason,omitempty" bson:"reason,omitempty"`
}

// AuditFromProbe converts a probe result into an audit entry.
func AuditFromProbe(r ProbeResult) AssetAudit {
	audit := AssetAudit{
		HTTPStatus: r.HTTPStatus,
		Available:  r.Available,
		Missing:    r.Missing,
		Reason:     r.Reason,
	}
	if r.Available {
		audit.Selected = r.URL
	}
	return audit
}

// Outcome classifies the audit entry.
func (a AssetAudit) Outcome() ProbeOutcome {
	switch {
	case a.Pending:
		return OutcomePending
	case a.Available:
		return OutcomeAvailable
	case a.Missing:
		return OutcomeMissing
	default:
		return OutcomeFailed
	}
}

// StoredFile describes one downloaded asset persisted to blob storage.
type StoredFile struct {
	URL      string `json:"url" bson:"url"`
	Path     string `json:"path" bson:"path"`
	Checksum string `json:"checksum" bson:"checksum"`
	Size     int64  `json:"size" bson:"size"`
}

// Record is the canonical document emitted for one finalized entry.
type Record struct {
	PDBID              string                   `json:"pdb_id" bson:"pdb_id"`
	RCSBID             string                   `json:"rcsb_id" bson:"rcsb_id"`
	RunID              string                   `json:"run_id,omitempty" bson:"run_id,omitempty"`
	Properties         Document                 `json:"properties" bson:"properties"`
	PolymerEntities    []Document               `json:"polymer_entities" bson:"polymer_entities"`
	NonpolymerEntities []Document               `json:"nonpolymer_entities" bson:"nonpolymer_entities"`
	BranchedEntities   []Document               `json:"branched_entities" bson:"branched_entities"`
	ChemComps          []Document               `json:"chemcomp" bson:"chemcomp"`
	DrugBank           []Document               `json:"drugbank" bson:"drugbank"`
	MaxRevisionDate    string                   `json:"max_revision_date,omitempty" bson:"max_revision_date,omitempty"`
	CreatedAt          string                   `json:"created_at" bson:"created_at"`
	FileURLs           []string                 `json:"file_urls" bson:"file_urls"`
	CIFFile            string                   `json:"cif_file,omitempty" bson:"cif_file,omitempty"`
	StructureImage     string                   `json:"structure_image,omitempty" bson:"structure_image,omitempty"`
	ValidationImage    string                   `json:"validation_image,omitempty" bson:"validation_image,omitempty"`
	ValidationPDF      string                   `json:"validation_pdf,omitempty" bson:"validation_pdf,omitempty"`
	FileAudit          map[AssetKind]AssetAudit `json:"file_audit" bson:"file_audit"`
	Files              []StoredFile             `json:"files,omitempty" bson:"files,omitempty"`
}

// Notification is published after a record is written.
type Notification struct {
	PDBID           string `json:"pdb_id"`
	RCSBID          string `json:"rcsb_id"`
	RunID           string `json:"run_id"`
	MaxRevisionDate string `json:"max_revision_date,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// NotificationFor summarizes a record for publishing.
func NotificationFor(rec Record) Notification {
	return Notification{
		PDBID:           rec.PDBID,
		RCSBID:          rec.RCSBID,
		RunID:           rec.RunID,
		MaxRevisionDate: rec.MaxRevisionDate,
		CreatedAt:       rec.CreatedAt,
	}
}

// SearchPage is one page of candidate identifiers.
type SearchPage struct {
	Candidates []Candidate
	// Rows counts the raw results the page consumed, including blank ids
	// that were dropped. Paging advances by Rows.
	Rows    int
	HasMore bool
	Total   int
}
