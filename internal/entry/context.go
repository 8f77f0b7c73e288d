// Package entry holds the per-identifier aggregation state machine that
// accumulates an RCSB entry and its dependent resources into one record.
package entry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/asset"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/revision"
)

// ErrUnexpectedEvent is returned when an outcome arrives in a state that
// cannot accept it, for example a branch result after finalization.
var ErrUnexpectedEvent = errors.New("unexpected event for entry state")

// State is a step of the aggregation lifecycle.
type State int

const (
	// StateCreated is a registered context before its primary fetch is issued.
	StateCreated State = iota
	// StateAwaitingPrimary waits for the entry document.
	StateAwaitingPrimary
	// StateAwaitingBranches waits for entity, secondary, assembly and asset outcomes.
	StateAwaitingBranches
	// StateFinalizing has every pending counter at zero and awaits Finalize.
	StateFinalizing
	// StateDone has built its record.
	StateDone
	// StateAborted ended without a record.
	StateAborted
)

// String returns the snake_case state name used in logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingPrimary:
		return "awaiting_primary"
	case StateAwaitingBranches:
		return "awaiting_branches"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// EntityRequest names one entity sub-fetch.
type EntityRequest struct {
	Kind     crawler.ResourceKind
	EntityID string
}

// Plan lists the fetches a transition asks the dispatcher to issue.
type Plan struct {
	Entities       []EntityRequest
	Assembly       bool
	DeferredAssets bool
	Components     []string
	Crossrefs      []string
}

// Empty reports whether the plan issues nothing.
func (p Plan) Empty() bool {
	return len(p.Entities) == 0 && !p.Assembly && !p.DeferredAssets &&
		len(p.Components) == 0 && len(p.Crossrefs) == 0
}

// Options configures a Context.
type Options struct {
	Filter *Filter
	Logger *zap.Logger
}

// Context accumulates one identifier. It is not safe for concurrent use; the
// dispatcher's coordinator goroutine is its only writer.
type Context struct {
	id     string
	state  State
	filter *Filter
	logger *zap.Logger

	pending  map[crawler.Branch]int
	degraded map[crawler.Branch]int
	abortErr error

	rcsbID              string
	properties          crawler.Document
	entities            map[crawler.ResourceKind][]crawler.Document
	assembly            crawler.Document
	revision            string
	hasValidationReport bool

	componentIDs []string
	crossrefIDs  []string
	components   map[string]crawler.Document
	crossrefs    map[string]crawler.Document

	assets asset.Report
}

// New creates a Context for id in the Created state.
func New(id string, opts Options) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id = crawler.NormalizeID(id)
	pending := make(map[crawler.Branch]int, len(crawler.Branches))
	for _, b := range crawler.Branches {
		pending[b] = 0
	}
	return &Context{
		id:         id,
		state:      StateCreated,
		filter:     opts.Filter,
		logger:     logger.With(zap.String("pdb_id", id)),
		pending:    pending,
		degraded:   make(map[crawler.Branch]int),
		entities:   make(map[crawler.ResourceKind][]crawler.Document, len(crawler.EntityKinds)),
		components: make(map[string]crawler.Document),
		crossrefs:  make(map[string]crawler.Document),
		assets:     asset.Report{Audit: make(map[crawler.AssetKind]crawler.AssetAudit)},
	}
}

// ID returns the normalized identifier.
func (c *Context) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Context) State() State { return c.state }

// Pending returns the outstanding count for branch.
func (c *Context) Pending(branch crawler.Branch) int { return c.pending[branch] }

// Revision returns the revision timestamp read from the entry, or "".
func (c *Context) Revision() string { return c.revision }

// HasValidationReport reports whether the entry carries pdbx_vrpt_summary.
func (c *Context) HasValidationReport() bool { return c.hasValidationReport }

// Degraded returns failure counts per branch.
func (c *Context) Degraded() map[crawler.Branch]int {
	out := make(map[crawler.Branch]int, len(c.degraded))
	for k, v := range c.degraded {
		out[k] = v
	}
	return out
}

// Err returns the reason the Context was aborted, if any.
func (c *Context) Err() error { return c.abortErr }

// ComponentIDs returns the derived component ids in request order.
func (c *Context) ComponentIDs() []string { return append([]string(nil), c.componentIDs...) }

// CrossrefIDs returns the derived DrugBank ids in request order.
func (c *Context) CrossrefIDs() []string { return append([]string(nil), c.crossrefIDs...) }

// Admit moves a new Context to AwaitingPrimary. The initial asset pass is
// counted against the assets branch so it must land before finalization.
func (c *Context) Admit() error {
	if c.state != StateCreated {
		return c.unexpected("admit")
	}
	c.state = StateAwaitingPrimary
	c.pending[crawler.BranchAssets] = 1
	return nil
}

// RevisionOf extracts the revision timestamp from an entry document.
func RevisionOf(doc crawler.Document) string {
	return crawler.LookupString(doc, "rcsb_accession_info.revision_date")
}

// ApplyPrimary records the entry document and plans the entity, assembly and
// deferred asset fetches. Entity counts follow
// rcsb_entry_container_identifiers; a kind without ids issues nothing.
func (c *Context) ApplyPrimary(doc crawler.Document) (Plan, error) {
	if c.state != StateAwaitingPrimary {
		return Plan{}, c.unexpected("primary")
	}
	c.rcsbID = strings.TrimSpace(crawler.LookupString(doc, "rcsb_id"))

	props := make(crawler.Document, len(doc))
	for k, v := range doc {
		if k != "rcsb_id" {
			props[k] = v
		}
	}
	c.properties = c.filter.Apply(crawler.ResourceEntry, Normalize(props))
	c.revision = RevisionOf(doc)
	if v, ok := doc["pdbx_vrpt_summary"]; ok && v != nil {
		c.hasValidationReport = true
	}

	var plan Plan
	for _, kind := range crawler.EntityKinds {
		path := "rcsb_entry_container_identifiers." + string(kind) + "_ids"
		for _, entityID := range crawler.LookupStrings(doc, path) {
			plan.Entities = append(plan.Entities, EntityRequest{Kind: kind, EntityID: entityID})
		}
	}
	plan.Assembly = true
	plan.DeferredAssets = true

	c.pending[crawler.BranchEntity] = len(plan.Entities)
	c.pending[crawler.BranchAssembly] = 1
	c.pending[crawler.BranchAssets]++
	c.state = StateAwaitingBranches

	if len(plan.Entities) == 0 {
		c.deriveSecondaryIDs(&plan)
	}
	return plan, nil
}

// ApplyEntity records one entity outcome. fetchErr marks the item as a
// degraded branch; the counter is decremented either way. When the last
// entity lands the secondary id sets are derived and returned in the plan.
func (c *Context) ApplyEntity(kind crawler.ResourceKind, doc crawler.Document, fetchErr error) (Plan, error) {
	if err := c.expectBranch(crawler.BranchEntity); err != nil {
		return Plan{}, err
	}
	if fetchErr != nil || doc == nil {
		c.degraded[crawler.BranchEntity]++
	} else {
		c.entities[kind] = append(c.entities[kind], c.filter.Apply(kind, Normalize(doc)))
	}
	c.pending[crawler.BranchEntity]--

	var plan Plan
	if c.pending[crawler.BranchEntity] == 0 {
		c.deriveSecondaryIDs(&plan)
	}
	c.checkComplete()
	return plan, nil
}

// deriveSecondaryIDs scans the accumulated entities for component and
// DrugBank ids. Each non-empty set becomes one batched request.
func (c *Context) deriveSecondaryIDs(plan *Plan) {
	comps := make(map[string]struct{})
	drugs := make(map[string]struct{})

	for _, ent := range c.entities[crawler.ResourcePolymerEntity] {
		for _, seq := range crawler.Objects(ent, "entity_poly_seq") {
			addID(comps, crawler.LookupString(seq, "mon_id"))
		}
	}
	for _, ent := range c.entities[crawler.ResourceNonpolymerEntity] {
		container := "rcsb_nonpolymer_entity_container_identifiers"
		addID(comps, crawler.LookupString(ent, container+".comp_id"))
		for _, id := range crawler.LookupStrings(ent, container+".drugbank_id") {
			addID(drugs, id)
		}
	}
	for _, ent := range c.entities[crawler.ResourceBranchedEntity] {
		for _, scheme := range crawler.Objects(ent, "pdbx_branch_scheme") {
			addID(comps, crawler.LookupString(scheme, "mon_id"))
		}
	}

	c.componentIDs = sortedKeys(comps)
	c.crossrefIDs = sortedKeys(drugs)
	if len(c.componentIDs) > 0 {
		c.pending[crawler.BranchComponent] = 1
		plan.Components = c.ComponentIDs()
	}
	if len(c.crossrefIDs) > 0 {
		c.pending[crawler.BranchCrossref] = 1
		plan.Crossrefs = c.CrossrefIDs()
	}
}

// ApplyComponents records the batched chemical component response.
func (c *Context) ApplyComponents(items []crawler.Document, fetchErr error) error {
	return c.applySecondary(crawler.BranchComponent, crawler.ResourceChemComp, c.componentIDs,
		c.components, ComponentMatch, items, fetchErr)
}

// ApplyCrossrefs records the batched DrugBank response.
func (c *Context) ApplyCrossrefs(items []crawler.Document, fetchErr error) error {
	return c.applySecondary(crawler.BranchCrossref, crawler.ResourceDrugBank, c.crossrefIDs,
		c.crossrefs, CrossrefMatch, items, fetchErr)
}

func (c *Context) applySecondary(
	branch crawler.Branch,
	kind crawler.ResourceKind,
	requested []string,
	into map[string]crawler.Document,
	spec MatchSpec,
	items []crawler.Document,
	fetchErr error,
) error {
	if err := c.expectBranch(branch); err != nil {
		return err
	}
	if fetchErr != nil {
		c.degraded[branch]++
	} else {
		matched := MatchBatch(requested, items, spec, c.logger.With(zap.String("branch", string(branch))))
		for id, item := range matched {
			into[id] = c.filter.Apply(kind, Normalize(item))
		}
	}
	c.pending[branch]--
	c.checkComplete()
	return nil
}

// ApplyAssembly records the assembly outcome. A failed fetch leaves the
// assembly data unset.
func (c *Context) ApplyAssembly(doc crawler.Document, fetchErr error) error {
	if err := c.expectBranch(crawler.BranchAssembly); err != nil {
		return err
	}
	if fetchErr != nil || doc == nil {
		c.degraded[crawler.BranchAssembly]++
		c.assembly = nil
	} else {
		c.assembly = c.filter.Apply(crawler.ResourceAssembly, Normalize(doc))
	}
	c.pending[crawler.BranchAssembly]--
	c.checkComplete()
	return nil
}

// ApplyAssets merges one probe pass into the asset audit.
func (c *Context) ApplyAssets(report asset.Report) error {
	if c.state != StateAwaitingPrimary && c.state != StateAwaitingBranches {
		return c.unexpected("assets")
	}
	if c.pending[crawler.BranchAssets] <= 0 {
		return c.unexpected("assets")
	}
	c.assets.Merge(report)
	c.pending[crawler.BranchAssets]--
	c.checkComplete()
	return nil
}

// Abort ends the Context without emission.
func (c *Context) Abort(reason error) {
	if c.state.Terminal() {
		return
	}
	c.state = StateAborted
	c.abortErr = reason
}

// Finalize builds the record once every branch has drained. An entry without
// an rcsb_id aborts with ErrFatalIdentifier instead.
func (c *Context) Finalize(now time.Time, runID string) (crawler.Record, error) {
	if c.state != StateFinalizing {
		return crawler.Record{}, c.unexpected("finalize")
	}
	if c.rcsbID == "" {
		err := crawler.FatalIdentifier(c.id, errors.New("entry has no rcsb_id"))
		c.Abort(err)
		return crawler.Record{}, err
	}

	props := make(crawler.Document, len(c.properties))
	for k, v := range c.properties {
		props[k] = v
	}
	if c.assembly != nil {
		if err := mergo.Merge(&props, c.assembly, mergo.WithOverride); err != nil {
			c.logger.Warn("merge assembly into properties", zap.Error(err))
		}
	}

	rec := crawler.Record{
		PDBID:              c.id,
		RCSBID:             c.rcsbID,
		RunID:              runID,
		Properties:         props,
		PolymerEntities:    orEmpty(c.entities[crawler.ResourcePolymerEntity]),
		NonpolymerEntities: orEmpty(c.entities[crawler.ResourceNonpolymerEntity]),
		BranchedEntities:   orEmpty(c.entities[crawler.ResourceBranchedEntity]),
		ChemComps:          flatten(c.componentIDs, c.components),
		DrugBank:           flatten(c.crossrefIDs, c.crossrefs),
		MaxRevisionDate:    c.revision,
		CreatedAt:          revision.Format(now),
		FileURLs:           c.assets.SelectedURLs(),
		FileAudit:          make(map[crawler.AssetKind]crawler.AssetAudit, len(c.assets.Audit)),
	}
	if t, ok := revision.Parse(c.revision); ok {
		rec.MaxRevisionDate = revision.Format(t)
	}
	for kind, audit := range c.assets.Audit {
		rec.FileAudit[kind] = audit
	}
	rec.CIFFile = rec.FileAudit[crawler.AssetStructureFile].Selected
	rec.StructureImage = rec.FileAudit[crawler.AssetStructureImage].Selected
	rec.ValidationImage = rec.FileAudit[crawler.AssetValidationImage].Selected
	rec.ValidationPDF = rec.FileAudit[crawler.AssetValidationPDF].Selected

	c.state = StateDone
	return rec, nil
}

func (c *Context) expectBranch(branch crawler.Branch) error {
	if c.state != StateAwaitingBranches {
		return c.unexpected(string(branch))
	}
	if c.pending[branch] <= 0 {
		return fmt.Errorf("%w: %s has no outstanding %s fetch", ErrUnexpectedEvent, c.id, branch)
	}
	return nil
}

func (c *Context) checkComplete() {
	if c.state != StateAwaitingBranches {
		return
	}
	for _, n := range c.pending {
		if n != 0 {
			return
		}
	}
	c.state = StateFinalizing
}

func (c *Context) unexpected(event string) error {
	return fmt.Errorf("%w: %s event in state %s for %s", ErrUnexpectedEvent, event, c.state, c.id)
}

func addID(set map[string]struct{}, id string) {
	id = strings.TrimSpace(id)
	if id != "" {
		set[id] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// flatten orders secondary records by their requested id, then appends any
// unrequested ids the upstream returned.
func flatten(order []string, data map[string]crawler.Document) []crawler.Document {
	out := make([]crawler.Document, 0, len(data))
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		if doc, ok := data[id]; ok {
			out = append(out, doc)
			seen[id] = struct{}{}
		}
	}
	var extra []string
	for id := range data {
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, data[id])
	}
	return out
}

func orEmpty(docs []crawler.Document) []crawler.Document {
	if docs == nil {
		return []crawler.Document{}
	}
	return docs
}
