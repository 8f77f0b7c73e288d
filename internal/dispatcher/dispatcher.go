// Package dispatcher drives the per-identifier scatter-gather. A single
// coordinator goroutine owns every aggregation context; fetches run as tasks
// whose outcomes come back to the coordinator as events.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/asset"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/entry"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/request"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/revision"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/telemetry"
)

const (
	defaultMaxActive   = 16
	defaultMaxInFlight = 32
)

// errDuplicate aborts an identifier whose revision is already persisted.
var errDuplicate = errors.New("revision already ingested")

// AssetProber runs the two asset probe passes for an identifier.
type AssetProber interface {
	InitialPass(ctx context.Context, id string) asset.Report
	DeferredPass(ctx context.Context, id string, hasValidationReport bool) asset.Report
}

// AssetDownloader copies available assets into blob storage.
type AssetDownloader interface {
	Download(ctx context.Context, urls []string) []crawler.StoredFile
}

// Config controls the dispatcher.
type Config struct {
	Mode crawler.Mode
	// MaxActive bounds how many identifiers are aggregated at once.
	MaxActive int
	// MaxInFlight bounds concurrent fetch tasks across all identifiers.
	MaxInFlight int
	RunID       string
	Topic       string
}

// Dependencies are the collaborators the dispatcher drives. Downloader and
// Publisher are optional.
type Dependencies struct {
	Client     crawler.ResourceClient
	Builder    *request.Builder
	Cursor     *revision.Cursor
	Prober     AssetProber
	Downloader AssetDownloader
	Sink       crawler.RecordSink
	Publisher  crawler.Publisher
	Clock      crawler.Clock
	Filter     *entry.Filter
}

// Dispatcher coordinates one ingestion run.
type Dispatcher struct {
	deps     Dependencies
	cfg      Config
	logger   *zap.Logger
	registry *Registry
	tracker  *tracker
}

// New constructs a Dispatcher.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Client == nil {
		return nil, errors.New("resource client is required")
	}
	if deps.Builder == nil {
		return nil, errors.New("request builder is required")
	}
	if deps.Cursor == nil {
		return nil, errors.New("revision cursor is required")
	}
	if deps.Prober == nil {
		return nil, errors.New("asset prober is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("record sink is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = crawler.ModeFull
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = defaultMaxActive
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(),
		tracker:  newTracker(cfg.RunID, cfg.Mode),
	}, nil
}

// Snapshot returns the live run summary.
func (d *Dispatcher) Snapshot() Summary {
	s := d.tracker.snapshot()
	s.Active = d.registry.Len()
	if s.Running {
		s.RunMaxRevision = d.deps.Cursor.RunMax()
	}
	return s
}

// run is the coordinator's private state for one Run call.
type run struct {
	d           *Dispatcher
	ctx         context.Context
	events      chan event
	sem         chan struct{}
	wg          sync.WaitGroup
	outstanding int
	seen        map[string]struct{}
}

// Run consumes candidates until the channel closes and every admitted
// identifier has been finalized or aborted, then flushes the cursor. When ctx
// is cancelled, live contexts are aborted, in-flight tasks are drained and
// the cursor is left untouched. Run must be called at most once.
func (d *Dispatcher) Run(ctx context.Context, candidates <-chan crawler.Candidate) (Summary, error) {
	d.tracker.update(func(s *Summary) {
		s.Running = true
		s.StartedAt = d.deps.Clock.Now()
	})
	r := &run{
		d:      d,
		ctx:    ctx,
		events: make(chan event, d.cfg.MaxInFlight),
		sem:    make(chan struct{}, d.cfg.MaxInFlight),
		seen:   make(map[string]struct{}),
	}
	d.logger.Info("dispatcher started",
		zap.String("run_id", d.cfg.RunID),
		zap.String("mode", string(d.cfg.Mode)),
		zap.String("increment_start", d.deps.Cursor.IncrementStart()),
		zap.Int("max_active", d.cfg.MaxActive),
		zap.Int("max_in_flight", d.cfg.MaxInFlight),
	)

	in := candidates
	done := ctx.Done()
	closed, cancelled := false, false
	for !((closed || cancelled) && r.outstanding == 0) {
		select {
		case cand, ok := <-in:
			if !ok {
				closed = true
				break
			}
			r.admit(cand)
		case ev := <-r.events:
			r.outstanding--
			r.handle(ev)
		case <-done:
			cancelled = true
			done = nil
			r.abortAll(ctx.Err())
		}
		if closed || cancelled || d.registry.Len() >= d.cfg.MaxActive {
			in = nil
		} else {
			in = candidates
		}
	}
	r.wg.Wait()
	r.abortAll(errors.New("run ended with context still registered"))

	d.tracker.update(func(s *Summary) {
		s.Running = false
		s.FinishedAt = d.deps.Clock.Now()
		s.RunMaxRevision = d.deps.Cursor.RunMax()
	})
	summary := d.Snapshot()

	if cancelled {
		d.logger.Warn("run cancelled, cursor not flushed", summary.Fields()...)
		return summary, fmt.Errorf("run cancelled: %w", ctx.Err())
	}
	d.logger.Info("run complete", summary.Fields()...)
	if err := d.deps.Cursor.Flush(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}

// spawn runs fn as a task. Each task posts exactly one event.
func (r *run) spawn(fn func(context.Context) event) {
	r.outstanding++
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		acquired := false
		select {
		case r.sem <- struct{}{}:
			acquired = true
		case <-r.ctx.Done():
		}
		ev := fn(r.ctx)
		if acquired {
			<-r.sem
		}
		r.events <- ev
	}()
}

func (r *run) admit(cand crawler.Candidate) {
	d := r.d
	id := crawler.NormalizeID(cand.ID)
	if id == "" {
		return
	}
	if _, ok := r.seen[id]; ok {
		d.tracker.update(func(s *Summary) { s.SeenSkipped++ })
		telemetry.ObserveEntry("seen_skipped")
		return
	}
	r.seen[id] = struct{}{}

	c := entry.New(id, entry.Options{Filter: d.deps.Filter, Logger: d.logger})
	if err := c.Admit(); err != nil {
		d.logger.Error("admit entry", zap.String("pdb_id", id), zap.Error(err))
		return
	}
	if !d.registry.Insert(c) {
		d.logger.Error("entry already registered", zap.String("pdb_id", id))
		return
	}
	d.tracker.update(func(s *Summary) { s.Admitted++ })
	telemetry.IncActiveEntries()
	d.logger.Info("entry admitted", zap.String("pdb_id", id))

	revisionHint := cand.Revision
	r.spawn(func(ctx context.Context) event { return d.fetchPrimary(ctx, id, revisionHint) })
	if d.cfg.Mode != crawler.ModeIncremental {
		r.startInitialAssets(id)
	}
}

// startInitialAssets issues the structure file and preview probes. In
// incremental mode this waits for the duplicate check so skipped entries cost
// no asset requests.
func (r *run) startInitialAssets(id string) {
	d := r.d
	r.spawn(func(ctx context.Context) event {
		return assetEvent{id: id, report: d.deps.Prober.InitialPass(ctx, id)}
	})
}

func (r *run) handle(ev event) {
	d := r.d
	c, ok := d.registry.Get(ev.entryID())
	if !ok {
		d.logger.Debug("discarding result for released entry", zap.String("pdb_id", ev.entryID()))
		return
	}

	var err error
	switch e := ev.(type) {
	case primaryEvent:
		err = r.onPrimary(c, e)
	case entityEvent:
		err = r.onEntity(c, e)
	case secondaryEvent:
		err = r.onSecondary(c, e)
	case assemblyEvent:
		if e.err != nil {
			r.degraded(c, crawler.BranchAssembly, e.err)
		} else {
			telemetry.ObserveBranchFetch(crawler.BranchAssembly, "ok")
		}
		err = c.ApplyAssembly(e.doc, e.err)
	case assetEvent:
		err = c.ApplyAssets(e.report)
	case emittedEvent:
		r.onEmitted(c, e)
		return
	default:
		err = fmt.Errorf("unknown event %T", ev)
	}
	if err != nil {
		if errors.Is(err, entry.ErrUnexpectedEvent) {
			d.logger.Debug("discarding stale result", zap.String("pdb_id", c.ID()), zap.Error(err))
			return
		}
		d.logger.Error("apply result", zap.String("pdb_id", c.ID()), zap.Error(err))
		return
	}
	r.maybeFinalize(c)
}

func (r *run) onPrimary(c *entry.Context, e primaryEvent) error {
	d := r.d
	if e.err != nil {
		d.logger.Warn("primary fetch failed, aborting entry", zap.String("pdb_id", c.ID()), zap.Error(e.err))
		r.abort(c, e.err)
		return nil
	}
	if crawler.LookupString(e.doc, "rcsb_id") != "" || e.duplicate {
		d.deps.Cursor.UpdateRunMax(e.revision)
	}
	if e.duplicate {
		d.logger.Info("skipping unchanged entry",
			zap.String("pdb_id", c.ID()),
			zap.String("revision", e.revision),
		)
		c.Abort(errDuplicate)
		d.tracker.update(func(s *Summary) { s.Duplicates++ })
		telemetry.ObserveEntry("duplicate")
		r.release(c)
		return nil
	}

	plan, err := c.ApplyPrimary(e.doc)
	if err != nil {
		return err
	}
	if d.cfg.Mode == crawler.ModeIncremental {
		r.startInitialAssets(c.ID())
	}
	r.issue(c, plan)
	return nil
}

func (r *run) onEntity(c *entry.Context, e entityEvent) error {
	if e.err != nil {
		r.degraded(c, crawler.BranchEntity, e.err)
	} else {
		telemetry.ObserveBranchFetch(crawler.BranchEntity, "ok")
	}
	plan, err := c.ApplyEntity(e.kind, e.doc, e.err)
	if err != nil {
		return err
	}
	r.issue(c, plan)
	return nil
}

func (r *run) onSecondary(c *entry.Context, e secondaryEvent) error {
	if e.err != nil {
		r.degraded(c, e.branch, e.err)
	} else {
		telemetry.ObserveBranchFetch(e.branch, "ok")
	}
	switch e.branch {
	case crawler.BranchComponent:
		return c.ApplyComponents(e.docs, e.err)
	case crawler.BranchCrossref:
		return c.ApplyCrossrefs(e.docs, e.err)
	default:
		return fmt.Errorf("unknown secondary branch %q", e.branch)
	}
}

func (r *run) issue(c *entry.Context, plan entry.Plan) {
	d := r.d
	id := c.ID()
	for _, req := range plan.Entities {
		r.spawn(func(ctx context.Context) event { return d.fetchEntity(ctx, id, req) })
	}
	if plan.Assembly {
		r.spawn(func(ctx context.Context) event { return d.fetchAssembly(ctx, id) })
	}
	if plan.DeferredAssets {
		hasReport := c.HasValidationReport()
		r.spawn(func(ctx context.Context) event {
			return assetEvent{id: id, deferred: true, report: d.deps.Prober.DeferredPass(ctx, id, hasReport)}
		})
	}
	if len(plan.Components) > 0 {
		ids := plan.Components
		r.spawn(func(ctx context.Context) event {
			return d.fetchSecondary(ctx, id, crawler.BranchComponent, crawler.ResourceChemComp, ids)
		})
	}
	if len(plan.Crossrefs) > 0 {
		ids := plan.Crossrefs
		r.spawn(func(ctx context.Context) event {
			return d.fetchSecondary(ctx, id, crawler.BranchCrossref, crawler.ResourceDrugBank, ids)
		})
	}
}

func (r *run) maybeFinalize(c *entry.Context) {
	d := r.d
	if c.State() != entry.StateFinalizing {
		return
	}
	rec, err := c.Finalize(d.deps.Clock.Now(), d.cfg.RunID)
	if err != nil {
		d.logger.Warn("entry aborted at finalize", zap.String("pdb_id", c.ID()), zap.Error(err))
		r.abort(c, err)
		return
	}
	d.tracker.recordAssets(rec.FileAudit)
	rev := c.Revision()
	r.spawn(func(ctx context.Context) event { return d.emit(ctx, rec, rev) })
}

func (r *run) onEmitted(c *entry.Context, e emittedEvent) {
	d := r.d
	if e.err != nil {
		d.logger.Error("record emission failed", zap.String("pdb_id", c.ID()), zap.Error(e.err))
		d.tracker.update(func(s *Summary) { s.Aborted++ })
		telemetry.ObserveEntry("aborted")
		r.release(c)
		return
	}
	d.tracker.update(func(s *Summary) { s.Finalized++ })
	telemetry.ObserveEntry("finalized")
	d.logger.Info("entry finalized",
		zap.String("pdb_id", c.ID()),
		zap.Int("polymer_entities", len(e.record.PolymerEntities)),
		zap.Int("nonpolymer_entities", len(e.record.NonpolymerEntities)),
		zap.Int("branched_entities", len(e.record.BranchedEntities)),
		zap.Int("chemcomp", len(e.record.ChemComps)),
		zap.Int("drugbank", len(e.record.DrugBank)),
		zap.Int("files", len(e.record.FileURLs)),
	)
	r.release(c)
}

func (r *run) degraded(c *entry.Context, branch crawler.Branch, err error) {
	r.d.logger.Warn("branch degraded",
		zap.String("pdb_id", c.ID()),
		zap.String("branch", string(branch)),
		zap.Error(crawler.DegradedBranch(c.ID(), branch, err)),
	)
	r.d.tracker.update(func(s *Summary) { s.Degraded[branch]++ })
	telemetry.ObserveBranchFetch(branch, "error")
}

func (r *run) abort(c *entry.Context, reason error) {
	c.Abort(reason)
	r.d.tracker.update(func(s *Summary) { s.Aborted++ })
	telemetry.ObserveEntry("aborted")
	r.release(c)
}

func (r *run) release(c *entry.Context) {
	if r.d.registry.Remove(c.ID()) {
		telemetry.DecActiveEntries()
	}
}

// abortAll releases every context that has not started emission.
func (r *run) abortAll(reason error) {
	for _, id := range r.d.registry.IDs() {
		c, ok := r.d.registry.Get(id)
		if !ok || c.State() == entry.StateDone {
			continue
		}
		r.d.logger.Warn("aborting entry", zap.String("pdb_id", id), zap.Error(reason))
		r.abort(c, reason)
	}
}

func (d *Dispatcher) fetchPrimary(ctx context.Context, id, revisionHint string) event {
	incremental := d.cfg.Mode == crawler.ModeIncremental
	if incremental && revisionHint != "" && d.isDuplicate(ctx, id, revisionHint) {
		return primaryEvent{id: id, revision: revisionHint, duplicate: true}
	}
	body, err := d.get(ctx, crawler.ResourceEntry, d.deps.Builder.ResourceRequest(crawler.ResourceEntry, id))
	if err != nil {
		return primaryEvent{id: id, err: crawler.FatalIdentifier(id, err)}
	}
	doc, err := crawler.DecodeDocument(body)
	if err != nil {
		return primaryEvent{id: id, err: crawler.FatalIdentifier(id, err)}
	}
	rev := entry.RevisionOf(doc)
	if incremental && d.isDuplicate(ctx, id, rev) {
		return primaryEvent{id: id, revision: rev, duplicate: true}
	}
	return primaryEvent{id: id, doc: doc, revision: rev}
}

// isDuplicate treats a store error as novel so the entry is re-ingested
// rather than silently skipped.
func (d *Dispatcher) isDuplicate(ctx context.Context, id, rev string) bool {
	dup, err := d.deps.Cursor.IsDuplicate(ctx, id, rev)
	if err != nil {
		d.logger.Warn("revision lookup failed", zap.String("pdb_id", id), zap.Error(err))
		return false
	}
	return dup
}

func (d *Dispatcher) fetchEntity(ctx context.Context, id string, req entry.EntityRequest) event {
	body, err := d.get(ctx, req.Kind, d.deps.Builder.ResourceRequest(req.Kind, id, req.EntityID))
	if err != nil {
		return entityEvent{id: id, kind: req.Kind, entityID: req.EntityID, err: err}
	}
	doc, err := crawler.DecodeDocument(body)
	return entityEvent{id: id, kind: req.Kind, entityID: req.EntityID, doc: doc, err: err}
}

func (d *Dispatcher) fetchAssembly(ctx context.Context, id string) event {
	desc := d.deps.Builder.ResourceRequest(crawler.ResourceAssembly, id, crawler.DefaultAssemblyID)
	body, err := d.get(ctx, crawler.ResourceAssembly, desc)
	if err != nil {
		return assemblyEvent{id: id, err: err}
	}
	doc, err := crawler.DecodeDocument(body)
	return assemblyEvent{id: id, doc: doc, err: err}
}

func (d *Dispatcher) fetchSecondary(
	ctx context.Context,
	id string,
	branch crawler.Branch,
	kind crawler.ResourceKind,
	ids []string,
) event {
	body, err := d.get(ctx, kind, d.deps.Builder.ResourceRequest(kind, ids...))
	if err != nil {
		return secondaryEvent{id: id, branch: branch, err: err}
	}
	docs, err := crawler.DecodeDocuments(body)
	return secondaryEvent{id: id, branch: branch, docs: docs, err: err}
}

func (d *Dispatcher) get(ctx context.Context, kind crawler.ResourceKind, desc request.Descriptor) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rcsb.fetch", trace.WithAttributes(
		attribute.String("rcsb.kind", string(kind)),
		attribute.String("http.url", desc.URL),
	))
	defer span.End()

	var (
		resp crawler.Response
		err  error
	)
	if desc.Method == http.MethodPost {
		resp, err = d.deps.Client.Post(ctx, desc.URL, desc.Body)
	} else {
		resp, err = d.deps.Client.Get(ctx, desc.URL)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	telemetry.ObserveFetch(string(kind), desc.URL, len(resp.Body), resp.Duration)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := &crawler.StatusError{URL: desc.URL, StatusCode: resp.StatusCode}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp.Body, nil
}

// emit writes the record and, once the sink accepts it, publishes the
// notification and persists the identifier's revision.
func (d *Dispatcher) emit(ctx context.Context, rec crawler.Record, rev string) event {
	if d.deps.Downloader != nil && len(rec.FileURLs) > 0 {
		rec.Files = d.deps.Downloader.Download(ctx, rec.FileURLs)
	}
	if err := d.deps.Sink.WriteRecord(ctx, rec); err != nil {
		return emittedEvent{id: rec.PDBID, record: rec, err: fmt.Errorf("write record: %w", err)}
	}
	if d.deps.Publisher != nil && d.cfg.Topic != "" {
		if _, err := d.deps.Publisher.Publish(ctx, d.cfg.Topic, crawler.NotificationFor(rec)); err != nil {
			d.logger.Warn("publish notification", zap.String("pdb_id", rec.PDBID), zap.Error(err))
		}
	}
	if err := d.deps.Cursor.PersistPerIdentifier(ctx, rec.PDBID, rev); err != nil {
		d.logger.Warn("persist revision", zap.String("pdb_id", rec.PDBID), zap.Error(err))
	}
	return emittedEvent{id: rec.PDBID, record: rec}
}
