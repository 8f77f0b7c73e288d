package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/asset"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/request"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/revision"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/memory"
)

const apiBase = "https://data.test/core"

type route struct {
	status int
	body   string
	err    error
}

type fakeClient struct {
	mu     sync.Mutex
	routes map[string]route
	calls  map[string]int
	block  chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{routes: make(map[string]route), calls: make(map[string]int)}
}

func (f *fakeClient) on(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[apiBase+path] = route{status: status, body: body}
}

func (f *fakeClient) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[apiBase+path]
}

func (f *fakeClient) Get(ctx context.Context, url string) (crawler.Response, error) {
	f.mu.Lock()
	f.calls[url]++
	rt, ok := f.routes[url]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return crawler.Response{}, ctx.Err()
		}
	}
	if !ok {
		return crawler.Response{URL: url, StatusCode: 404, Body: []byte(`{"status":404}`)}, nil
	}
	if rt.err != nil {
		return crawler.Response{}, rt.err
	}
	return crawler.Response{URL: url, StatusCode: rt.status, Body: []byte(rt.body)}, nil
}

func (f *fakeClient) Post(context.Context, string, []byte) (crawler.Response, error) {
	return crawler.Response{}, errors.New("post not expected")
}

type fakeProber struct {
	initial  atomic.Int32
	deferred atomic.Int32

	initialDelay time.Duration
	pdfAvailable bool
}

func (p *fakeProber) InitialPass(ctx context.Context, id string) asset.Report {
	p.initial.Add(1)
	if p.initialDelay > 0 {
		select {
		case <-time.After(p.initialDelay):
		case <-ctx.Done():
		}
	}
	url := "https://files.test/download/" + id + ".cif"
	return asset.Report{
		Available: []string{url},
		Audit: map[crawler.AssetKind]crawler.AssetAudit{
			crawler.AssetStructureFile:   {Selected: url, Available: true, HTTPStatus: 200},
			crawler.AssetStructureImage:  {Missing: true, HTTPStatus: 404, Reason: "HTTP 404"},
			crawler.AssetValidationImage: {Pending: true},
			crawler.AssetValidationPDF:   {Pending: true},
		},
	}
}

func (p *fakeProber) DeferredPass(_ context.Context, id string, hasReport bool) asset.Report {
	p.deferred.Add(1)
	audit := map[crawler.AssetKind]crawler.AssetAudit{
		crawler.AssetValidationPDF: {Reason: "i/o timeout"},
	}
	if hasReport {
		audit[crawler.AssetValidationImage] = crawler.AssetAudit{Missing: true, HTTPStatus: 404, Reason: "HTTP 404"}
	} else {
		audit[crawler.AssetValidationImage] = crawler.AssetAudit{Missing: true, Reason: asset.NoValidationReason}
	}
	var available []string
	if p.pdfAvailable {
		url := "https://files.test/validation/" + id + "_full_validation.pdf"
		audit[crawler.AssetValidationPDF] = crawler.AssetAudit{Selected: url, Available: true, HTTPStatus: 200}
		available = append(available, url)
	}
	return asset.Report{Available: available, Audit: audit}
}

type failingSink struct{}

func (failingSink) WriteRecord(context.Context, crawler.Record) error {
	return errors.New("sink unavailable")
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type harness struct {
	client    *fakeClient
	prober    *fakeProber
	sink      *memory.RecordSink
	cursors   *memory.CursorStore
	revisions *memory.RevisionStore
	cursor    *revision.Cursor
	publisher *recordingPublisher
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg-%d", len(p.payloads)), nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cursors := memory.NewCursorStore()
	revisions := memory.NewRevisionStore(nil)
	return &harness{
		client:    newFakeClient(),
		prober:    &fakeProber{},
		sink:      memory.NewRecordSink(),
		cursors:   cursors,
		revisions: revisions,
		cursor:    revision.New(cursors, revisions, revision.Config{}, zap.NewNop()),
		publisher: &recordingPublisher{},
	}
}

func (h *harness) dispatcher(t *testing.T, mode crawler.Mode, sink crawler.RecordSink) *Dispatcher {
	t.Helper()
	if sink == nil {
		sink = h.sink
	}
	require.NoError(t, h.cursor.Load(context.Background()))
	d, err := New(Dependencies{
		Client:    h.client,
		Builder:   request.New(request.Config{APIBase: apiBase}),
		Cursor:    h.cursor,
		Prober:    h.prober,
		Sink:      sink,
		Publisher: h.publisher,
		Clock:     fixedClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}, Config{Mode: mode, RunID: "run-1", Topic: "rcsb-records", MaxActive: 4, MaxInFlight: 8}, zap.NewNop())
	require.NoError(t, err)
	return d
}

func feed(ids ...string) <-chan crawler.Candidate {
	ch := make(chan crawler.Candidate, len(ids))
	for _, id := range ids {
		ch <- crawler.Candidate{ID: id}
	}
	close(ch)
	return ch
}

func entryJSON(id, revisionDate string, polymer, nonpolymer []string) string {
	return fmt.Sprintf(`{
		"rcsb_id": %q,
		"rcsb_accession_info": {"revision_date": %q},
		"rcsb_entry_container_identifiers": {"polymer_entity_ids": %s, "nonpolymer_entity_ids": %s},
		"pdbx_vrpt_summary": {"pdbresolution": 1.74}
	}`, id, revisionDate, jsonList(polymer), jsonList(nonpolymer))
}

func jsonList(items []string) string {
	out := "["
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "]"
}

func runWithTimeout(t *testing.T, d *Dispatcher, in <-chan crawler.Candidate) (Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Run(ctx, in)
}

func TestScenarioDegradedEntityStillFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.on("/entry/4HHB", 200, entryJSON("4HHB", "2024-02-07T00:00:00+0000", []string{"1"}, []string{"2"}))
	h.client.on("/polymer_entity/4HHB/1", 200, `{"entity_poly_seq": [{"mon_id": "HEM"}]}`)
	h.client.on("/nonpolymer_entity/4HHB/2", 500, `{"error": "boom"}`)
	h.client.on("/chemcomp/HEM", 200, `[{"rcsb_id": "HEM", "chem_comp": {"id": "HEM", "name": "HEME"}}]`)
	h.client.on("/assembly/4HHB/1", 200, `{"rcsb_assembly_info": {"polymer_entity_count": 2}}`)

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed("4hhb"))
	require.NoError(t, err)

	require.Equal(t, 1, summary.Admitted)
	require.Equal(t, 1, summary.Finalized)
	require.Zero(t, summary.Aborted)
	require.Equal(t, map[crawler.Branch]int{crawler.BranchEntity: 1}, summary.Degraded)
	require.False(t, summary.Running)
	require.Zero(t, summary.Active)

	rec, ok := h.sink.Get("4HHB")
	require.True(t, ok)
	require.Len(t, rec.PolymerEntities, 1)
	require.Empty(t, rec.NonpolymerEntities)
	require.Len(t, rec.ChemComps, 1)
	require.Equal(t, "HEME", rec.ChemComps[0]["chem_comp"].(map[string]any)["name"])
	require.Contains(t, rec.Properties, "rcsb_assembly_info")
	require.Equal(t, "run-1", rec.RunID)
	require.Equal(t, "2024-06-01T00:00:00Z", rec.CreatedAt)
	require.Equal(t, "https://files.test/download/4HHB.cif", rec.CIFFile)
	require.Equal(t, 1, h.sink.Writes())

	require.Equal(t, 1, h.client.callCount("/chemcomp/HEM"))
	require.EqualValues(t, 1, h.prober.initial.Load())
	require.EqualValues(t, 1, h.prober.deferred.Load())

	require.Equal(t, map[string]int{"available": 1}, summary.Assets[crawler.AssetStructureFile])
	require.Equal(t, map[string]int{"missing: HTTP 404": 1}, summary.Assets[crawler.AssetValidationImage])
	require.Equal(t, map[string]int{"failed: i/o timeout": 1}, summary.Assets[crawler.AssetValidationPDF])

	stored, found, err := h.revisions.GetRevision(context.Background(), "4HHB")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2024-02-07T00:00:00Z", stored)

	cursor, err := h.cursors.LoadCursor(context.Background(), revision.DefaultDocID)
	require.NoError(t, err)
	require.Equal(t, "2024-02-07T00:00:00Z", cursor)
	require.Equal(t, "2024-02-07T00:00:00Z", summary.RunMaxRevision)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Len(t, h.publisher.payloads, 1)
	note := h.publisher.payloads[0].(crawler.Notification)
	require.Equal(t, "4HHB", note.PDBID)
}

func TestZeroEntityEntryIssuesNoBranchRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.on("/entry/1ABC", 200, entryJSON("1ABC", "2023-01-01T00:00:00Z", nil, nil))
	// Assembly is left unrouted, so it 404s and degrades.

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed("1ABC"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Finalized)
	require.Equal(t, map[crawler.Branch]int{crawler.BranchAssembly: 1}, summary.Degraded)

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	require.Len(t, h.client.calls, 2, "only entry and assembly are fetched: %v", h.client.calls)
}

func TestDuplicateRevisionAbortsInIncrementalMode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.revisions.PutRevision(context.Background(), "4HHB", "2024-02-07T00:00:00Z", time.Hour))
	h.client.on("/entry/4HHB", 200, entryJSON("4HHB", "2024-02-07T00:00:00+0000", []string{"1"}, nil))
	h.client.on("/polymer_entity/4HHB/1", 200, `{}`)

	d := h.dispatcher(t, crawler.ModeIncremental, nil)
	summary, err := runWithTimeout(t, d, feed("4HHB"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Duplicates)
	require.Zero(t, summary.Finalized)
	require.Zero(t, h.sink.Writes())
	require.Zero(t, h.client.callCount("/polymer_entity/4HHB/1"))
	require.Zero(t, h.client.callCount("/assembly/4HHB/1"))
	require.Zero(t, h.prober.initial.Load())
	require.Zero(t, h.prober.deferred.Load())
}

func TestDuplicateHintSkipsPrimaryFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.revisions.PutRevision(context.Background(), "4HHB", "2024-02-07T00:00:00Z", time.Hour))

	d := h.dispatcher(t, crawler.ModeIncremental, nil)
	in := make(chan crawler.Candidate, 1)
	in <- crawler.Candidate{ID: "4HHB", Revision: "2024-01-01T00:00:00Z"}
	close(in)

	summary, err := runWithTimeout(t, d, in)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Duplicates)
	require.Zero(t, h.client.callCount("/entry/4HHB"))
}

func TestNewerRevisionIsReprocessedInIncrementalMode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.revisions.PutRevision(context.Background(), "4HHB", "2023-01-01T00:00:00Z", time.Hour))
	h.client.on("/entry/4HHB", 200, entryJSON("4HHB", "2024-02-07T00:00:00Z", nil, nil))
	h.client.on("/assembly/4HHB/1", 200, `{}`)

	d := h.dispatcher(t, crawler.ModeIncremental, nil)
	summary, err := runWithTimeout(t, d, feed("4HHB"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Finalized)
	require.Zero(t, summary.Duplicates)
}

func TestSlowInitialPassKeepsDeferredAudits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.prober.initialDelay = 200 * time.Millisecond
	h.prober.pdfAvailable = true
	h.client.on("/entry/1ABC", 200, entryJSON("1ABC", "2024-02-07T00:00:00Z", nil, nil))
	h.client.on("/assembly/1ABC/1", 200, `{}`)

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed("1ABC"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Finalized)

	rec, ok := h.sink.Get("1ABC")
	require.True(t, ok)
	pdf := "https://files.test/validation/1ABC_full_validation.pdf"
	require.Equal(t, pdf, rec.ValidationPDF)
	require.False(t, rec.FileAudit[crawler.AssetValidationPDF].Pending)
	require.True(t, rec.FileAudit[crawler.AssetValidationPDF].Available)
	require.True(t, rec.FileAudit[crawler.AssetValidationImage].Missing)
	require.Equal(t, []string{"https://files.test/download/1ABC.cif", pdf}, rec.FileURLs)
	require.Equal(t, map[string]int{"available": 1}, summary.Assets[crawler.AssetValidationPDF])
}

func TestPrimaryFailureAbortsWithoutEmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.on("/entry/9XYZ", 200, `not json`)

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed("1ABC", "9XYZ"))
	require.NoError(t, err)
	require.Equal(t, 2, summary.Admitted)
	require.Equal(t, 2, summary.Aborted)
	require.Zero(t, summary.Finalized)
	require.Zero(t, h.sink.Writes())
	require.Zero(t, h.client.callCount("/assembly/1ABC/1"))

	_, err = h.cursors.LoadCursor(context.Background(), revision.DefaultDocID)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestEntryWithoutRCSBIDAbortsAtFinalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.on("/entry/2XYZ", 200, `{"rcsb_accession_info": {"revision_date": "2024-01-01T00:00:00Z"}}`)
	h.client.on("/assembly/2XYZ/1", 200, `{}`)

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed("2XYZ"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Aborted)
	require.Zero(t, h.sink.Writes())
	require.Empty(t, summary.RunMaxRevision)
}

func TestSeenIdentifiersAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.on("/entry/4HHB", 200, entryJSON("4HHB", "2024-02-07T00:00:00Z", nil, nil))
	h.client.on("/assembly/4HHB/1", 200, `{}`)

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed("4hhb", "4HHB", " 4HHB ", ""))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Admitted)
	require.Equal(t, 2, summary.SeenSkipped)
	require.Equal(t, 1, h.client.callCount("/entry/4HHB"))
}

func TestEmissionFailureCountsAsAbortedAndKeepsRevision(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.on("/entry/4HHB", 200, entryJSON("4HHB", "2024-02-07T00:00:00Z", nil, nil))
	h.client.on("/assembly/4HHB/1", 200, `{}`)

	d := h.dispatcher(t, crawler.ModeFull, failingSink{})
	summary, err := runWithTimeout(t, d, feed("4HHB"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Aborted)
	require.Zero(t, summary.Finalized)

	_, found, err := h.revisions.GetRevision(context.Background(), "4HHB")
	require.NoError(t, err)
	require.False(t, found)

	// The watermark still advances; only the per-identifier revision is held back.
	watermark, err := h.cursors.LoadCursor(context.Background(), revision.DefaultDocID)
	require.NoError(t, err)
	require.Equal(t, "2024-02-07T00:00:00Z", watermark)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Empty(t, h.publisher.payloads)
}

func TestManyEntriesFinalizeExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("%dX%02d", i%9+1, i)
		ids = append(ids, id)
		rev := fmt.Sprintf("2024-01-%02dT00:00:00Z", i+1)
		h.client.on("/entry/"+id, 200, entryJSON(id, rev, []string{"1", "2"}, []string{"3"}))
		h.client.on("/polymer_entity/"+id+"/1", 200, `{"entity_poly_seq": [{"mon_id": "ALA"}, {"mon_id": "GLY"}]}`)
		h.client.on("/polymer_entity/"+id+"/2", 200, `{"entity_poly_seq": [{"mon_id": "GLY"}]}`)
		h.client.on("/nonpolymer_entity/"+id+"/3", 200,
			`{"rcsb_nonpolymer_entity_container_identifiers": {"comp_id": "HEM", "drugbank_id": "DB01234"}}`)
		h.client.on("/assembly/"+id+"/1", 200, `{}`)
	}
	h.client.on("/chemcomp/ALA,GLY,HEM", 200, `[{"rcsb_id": "ALA"}, {"rcsb_id": "GLY"}, {"rcsb_id": "HEM"}]`)
	h.client.on("/drugbank/DB01234", 200, `{"drugbank_container_identifiers": {"drugbank_id": "DB01234"}}`)

	d := h.dispatcher(t, crawler.ModeFull, nil)
	summary, err := runWithTimeout(t, d, feed(ids...))
	require.NoError(t, err)
	require.Equal(t, 25, summary.Finalized)
	require.Equal(t, 25, h.sink.Writes())
	require.Empty(t, summary.Degraded)
	require.Equal(t, "2024-01-25T00:00:00Z", summary.RunMaxRevision)

	for _, id := range ids {
		rec, ok := h.sink.Get(id)
		require.True(t, ok, id)
		require.Len(t, rec.PolymerEntities, 2)
		require.Len(t, rec.NonpolymerEntities, 1)
		require.Len(t, rec.ChemComps, 3)
		require.Len(t, rec.DrugBank, 1)
	}
}

func TestCancelledRunDoesNotFlushCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.block = make(chan struct{})
	d := h.dispatcher(t, crawler.ModeFull, nil)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan crawler.Candidate)
	done := make(chan error, 1)
	go func() {
		_, err := d.Run(ctx, in)
		done <- err
	}()
	in <- crawler.Candidate{ID: "4HHB"}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
	snap := d.Snapshot()
	require.Equal(t, 1, snap.Aborted)
	require.Zero(t, snap.Active)

	_, err := h.cursors.LoadCursor(context.Background(), revision.DefaultDocID)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestLateResultForReleasedEntryIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.dispatcher(t, crawler.ModeFull, nil)
	r := &run{d: d, ctx: context.Background(), seen: map[string]struct{}{}}

	require.NotPanics(t, func() {
		r.handle(assemblyEvent{id: "GONE", doc: crawler.Document{}})
		r.handle(assetEvent{id: "GONE"})
	})
	require.Zero(t, d.Snapshot().Finalized)
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{}, Config{}, nil)
	require.Error(t, err)

	h := newHarness(t)
	_, err = New(Dependencies{
		Client:  h.client,
		Builder: request.New(request.Config{}),
		Cursor:  h.cursor,
		Prober:  h.prober,
		Sink:    h.sink,
		Clock:   fixedClock{},
	}, Config{Mode: "sideways"}, nil)
	require.Error(t, err)
}

func TestAuditKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "available", AuditKey(crawler.AssetAudit{Available: true, Reason: "ignored"}))
	require.Equal(t, "missing: HTTP 404", AuditKey(crawler.AssetAudit{Missing: true, Reason: "HTTP 404"}))
	require.Equal(t, "pending", AuditKey(crawler.AssetAudit{Pending: true}))
	require.Equal(t, "failed", AuditKey(crawler.AssetAudit{}))
}
