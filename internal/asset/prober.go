package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/telemetry"
)

// DefaultConcurrency caps parallel probes against the file hosts.
const DefaultConcurrency = 4

// NoValidationReason is recorded when an entry carries no validation report.
const NoValidationReason = "no pdbx_vrpt_summary"

// Config controls probing behavior.
type Config struct {
	Roots       Roots
	Extensions  Extensions
	Timeout     time.Duration
	MaxAttempts int
	Concurrency int
	UserAgent   string
}

// Prober checks whether candidate asset URLs exist.
type Prober struct {
	client  *http.Client
	limiter crawler.Limiter
	cfg     Config
	logger  *zap.Logger
}

// NewProber constructs a Prober. A nil client uses a pooled cleanhttp client;
// a nil limiter disables pacing.
func NewProber(cfg Config, client *http.Client, limiter crawler.Limiter, logger *zap.Logger) *Prober {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Roots == (Roots{}) {
		cfg.Roots = DefaultRoots
	}
	if cfg.Extensions == (Extensions{}) {
		cfg.Extensions = DefaultExtensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{client: client, limiter: limiter, cfg: cfg, logger: logger}
}

// Candidates renders the asset URLs for id with the configured roots.
func (p *Prober) Candidates(id string) Candidates {
	return BuildCandidates(id, p.cfg.Roots, p.cfg.Extensions)
}

// Probe checks one URL. HEAD is tried first and GET replaces it when the host
// answers 405 or 501. 200 is available, 404 is missing, any other status fails
// without retry. Timeouts are retried up to MaxAttempts.
func (p *Prober) Probe(ctx context.Context, url string) crawler.ProbeResult {
	result := crawler.ProbeResult{URL: url}
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		status, err := p.check(ctx, url)
		if err == nil {
			result.HTTPStatus = status
			switch status {
			case http.StatusOK:
				result.Available = true
				result.Reason = ""
			case http.StatusNotFound:
				result.Missing = true
				result.Reason = "HTTP 404"
			default:
				result.Reason = fmt.Sprintf("HTTP %d", status)
			}
			return result
		}
		result.Reason = err.Error()
		if !isTimeout(err) || ctx.Err() != nil {
			return result
		}
		p.logger.Debug("asset probe timed out",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
		)
	}
	return result
}

func (p *Prober) check(ctx context.Context, url string) (int, error) {
	status, err := p.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		return p.do(ctx, http.MethodGet, url)
	}
	return status, nil
}

func (p *Prober) do(ctx context.Context, method, url string) (int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, url); err != nil {
			return 0, err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	// Drain a little so the connection can be reused; GET bodies are not read.
	_, _ = io.CopyN(io.Discard, resp.Body, 512)
	if cerr := resp.Body.Close(); cerr != nil {
		p.logger.Debug("close probe body", zap.String("url", url), zap.Error(cerr))
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ProbeMany probes urls with at most Concurrency requests in flight. Results
// are returned in input order.
func (p *Prober) ProbeMany(ctx context.Context, urls []string) []crawler.ProbeResult {
	results := make([]crawler.ProbeResult, len(urls))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, url := range urls {
		g.Go(func() error {
			start := time.Now()
			results[i] = p.Probe(ctx, url)
			telemetry.ObserveProbe(results[i].Outcome(), time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// PickFirstAvailable returns the first available result from ordered
// alternatives, or the last result's diagnostic when none is available.
func PickFirstAvailable(results []crawler.ProbeResult) crawler.ProbeResult {
	for _, r := range results {
		if r.Available {
			return r
		}
	}
	if len(results) == 0 {
		return crawler.ProbeResult{Reason: "no candidate urls"}
	}
	return results[len(results)-1]
}

// InitialPass probes the structure file and the preview image alternatives.
func (p *Prober) InitialPass(ctx context.Context, id string) Report {
	c := p.Candidates(id)
	urls := append([]string{c.Structure}, c.Previews...)
	results := p.ProbeMany(ctx, urls)

	report := newReport()
	report.add(crawler.AssetStructureFile, results[0])
	report.add(crawler.AssetStructureImage, PickFirstAvailable(results[1:]))
	return report
}

// DeferredPass probes the validation artifacts once the entry document has
// been read. The image is only probed when a validation report exists; the
// PDF is always probed.
func (p *Prober) DeferredPass(ctx context.Context, id string, hasValidationReport bool) Report {
	c := p.Candidates(id)
	urls := make([]string, 0, 2)
	if hasValidationReport {
		urls = append(urls, c.ValidationImage)
	}
	urls = append(urls, c.ValidationPDF)
	results := p.ProbeMany(ctx, urls)

	report := newReport()
	if hasValidationReport {
		report.add(crawler.AssetValidationImage, results[0])
		results = results[1:]
	} else {
		report.Audit[crawler.AssetValidationImage] = crawler.AssetAudit{Missing: true, Reason: NoValidationReason}
	}
	report.add(crawler.AssetValidationPDF, results[0])
	return report
}
