// Package retry wraps a resource client with jittered exponential backoff for
// transient upstream failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// Policy bounds retries. MaxRetries is the number of extra attempts after the
// first one.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy retries twice starting at 250ms.
var DefaultPolicy = Policy{MaxRetries: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// Client retries GET and POST on timeouts and on 429, 502, 503 and 504. Any
// other status is returned to the caller untouched.
type Client struct {
	inner  crawler.ResourceClient
	policy Policy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New wraps inner.
func New(inner crawler.ResourceClient, policy Policy, logger *zap.Logger) *Client {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultPolicy.MaxDelay
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{inner: inner, policy: policy, logger: logger, sleep: sleepCtx}
}

// Get issues a GET with retries.
func (c *Client) Get(ctx context.Context, url string) (crawler.Response, error) {
	return c.do(ctx, url, func() (crawler.Response, error) { return c.inner.Get(ctx, url) })
}

// Post issues a POST with retries.
func (c *Client) Post(ctx context.Context, url string, body []byte) (crawler.Response, error) {
	return c.do(ctx, url, func() (crawler.Response, error) { return c.inner.Post(ctx, url, body) })
}

func (c *Client) do(ctx context.Context, url string, call func() (crawler.Response, error)) (crawler.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := call()
		if !c.shouldRetry(resp, err, attempt) {
			return resp, err
		}
		delay := c.backoff(attempt)
		c.logger.Debug("retrying upstream request",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			if err == nil {
				return resp, nil
			}
			return resp, err
		}
	}
}

func (c *Client) shouldRetry(resp crawler.Response, err error, attempt int) bool {
	if attempt >= c.policy.MaxRetries {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backoff is a full-jitter delay in [d/2, d) where d doubles per attempt.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.policy.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.policy.MaxDelay) {
		delay = float64(c.policy.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}
