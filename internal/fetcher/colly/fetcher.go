// Package collyfetcher implements crawler.ResourceClient using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps response bodies; zero leaves them unbounded.
	MaxBodySize int
}

// Fetcher issues RCSB API requests through a Colly collector. Non-2xx
// responses are returned with their status instead of as errors.
type Fetcher struct {
	cfg           Config
	limiter       crawler.Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter crawler.Limiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(cleanhttp.DefaultPooledTransport())
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}
}

// Get issues a GET.
func (f *Fetcher) Get(ctx context.Context, url string) (crawler.Response, error) {
	return f.do(ctx, http.MethodGet, url, nil)
}

// Post issues a POST with a JSON body.
func (f *Fetcher) Post(ctx context.Context, url string, body []byte) (crawler.Response, error) {
	return f.do(ctx, http.MethodPost, url, body)
}

func (f *Fetcher) do(ctx context.Context, method, url string, body []byte) (crawler.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return crawler.Response{}, err
		}
	}
	var (
		result   crawler.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, method, start, &result, &fetchErr)

	visit := func() error { return collector.Visit(url) }
	if method == http.MethodPost {
		visit = func() error { return collector.PostRaw(url, body) }
	}
	if err := f.runCollector(ctx, visit, &fetchErr); err != nil {
		return crawler.Response{}, err
	}
	f.logger.Debug("fetched",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	method string,
	start time.Time,
	result *crawler.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		if method == http.MethodPost {
			r.Headers.Set("Content-Type", "application/json")
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}
