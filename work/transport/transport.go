// Package transport performs one HTTP attempt against one URL. It knows
// nothing about failover: it reports exactly what happened (status, bytes,
// final URL, or a classified error) and leaves every retry decision to the
// caller. Byte progress is published through a shared atomic counter so an
// external watchdog can observe the transfer without touching the request.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"failback-loader/work/config"
	"failback-loader/work/logger"

	"go.uber.org/ratelimit"
)

// Cancellation causes distinguish the ways an in-flight attempt gets killed.
// They surface through context.Cause so the failover engine can classify the
// failure without string matching.
var (
	ErrFirstByteTimeout  = errors.New("timeout waiting for response headers")
	ErrCompletionTimeout = errors.New("timeout waiting for response completion")
)

// ByteRange is an inclusive byte range. End < 0 requests an open-ended range
// ("bytes=Start-").
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Attempt describes one request to make. TTFB and Total override the
// client-level defaults when positive.
type Attempt struct {
	URL        string
	Headers    map[string]string
	Range      *ByteRange
	TTFB       time.Duration
	Total      time.Duration
	Progress   *atomic.Int64     // shared byte counter, bumped as body bytes arrive
	OnProgress func(total int64) // optional per-chunk notification
}

// Result is the outcome of a completed attempt. Body is fully buffered.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL string // post-redirect URL that actually served the response
	Received int64
}

// Doer issues a single attempt. The production implementation is Client;
// tests substitute scripted fakes.
type Doer interface {
	Do(ctx context.Context, a *Attempt) (*Result, error)
}

// Client is the production Doer. One instance is shared by all loaders and
// probes so TCP connections are reused, and outbound requests are rate
// limited per origin host when the configuration asks for it.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client

	limiters     map[string]ratelimit.Limiter
	limiterMutex sync.RWMutex
}

// NewClient builds the shared HTTP client. The overall client timeout stays
// at zero; attempt deadlines are managed per request so first-byte and
// completion windows can differ.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableKeepAlives:     false,
			},
		},
		limiters: make(map[string]ratelimit.Limiter),
	}
}

// Do performs the attempt. The returned error is nil whenever a complete
// response was received, regardless of HTTP status; callers interpret the
// status themselves. On failure the error reflects the true cause: a timer
// cause, the caller's cancellation cause, or the underlying transport error.
func (c *Client) Do(ctx context.Context, a *Attempt) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	c.setHeaders(req, a)

	c.limiterFor(req.URL.Hostname()).Take()

	// first-byte window: runs until response headers are observed
	ttfb := a.TTFB
	if ttfb <= 0 {
		ttfb = c.cfg.TimeToFirstByte
	}
	ttfbTimer := time.AfterFunc(ttfb, func() {
		cancel(ErrFirstByteTimeout)
	})

	resp, err := c.httpClient.Do(req)
	ttfbTimer.Stop()
	if err != nil {
		return nil, attemptError(ctx, err)
	}
	defer resp.Body.Close()

	// completion window replaces the first-byte window once headers arrive
	total := a.Total
	if total <= 0 {
		total = c.cfg.CompletionTimeout
	}
	totalTimer := time.AfterFunc(total, func() {
		cancel(ErrCompletionTimeout)
	})
	defer totalTimer.Stop()

	var buf bytes.Buffer
	reader := &progressReader{r: resp.Body, progress: a.Progress, onProgress: a.OnProgress}
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, attemptError(ctx, err)
	}

	res := &Result{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     buf.Bytes(),
		FinalURL: resp.Request.URL.String(),
		Received: int64(buf.Len()),
	}
	logger.Debug("{transport - Do} %d %s (%d bytes)", res.Status, res.FinalURL, res.Received)
	return res, nil
}

// setHeaders applies client defaults first so per-attempt headers can
// override them.
func (c *Client) setHeaders(req *http.Request, a *Attempt) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	if c.cfg.ReqOrigin != "" {
		req.Header.Set("Origin", c.cfg.ReqOrigin)
	}
	if c.cfg.ReqReferrer != "" {
		req.Header.Set("Referer", c.cfg.ReqReferrer)
	}
	for name, value := range a.Headers {
		req.Header.Set(name, value)
	}
	if a.Range != nil {
		req.Header.Set("Range", a.Range.header())
	}
}

// limiterFor returns the rate limiter for a host, creating it on first use
// with a double-checked lock. Hosts appear dynamically as failover walks the
// alternate list, so limiters cannot all be built up front.
func (c *Client) limiterFor(host string) ratelimit.Limiter {
	c.limiterMutex.RLock()
	limiter, exists := c.limiters[host]
	c.limiterMutex.RUnlock()
	if exists {
		return limiter
	}

	c.limiterMutex.Lock()
	defer c.limiterMutex.Unlock()
	if limiter, exists := c.limiters[host]; exists {
		return limiter
	}

	if c.cfg.RequestsPerHost > 0 {
		limiter = ratelimit.New(c.cfg.RequestsPerHost)
	} else {
		limiter = ratelimit.NewUnlimited()
	}
	c.limiters[host] = limiter
	return limiter
}

// attemptError prefers the cancellation cause recorded on the context (timer
// expiry, stall declaration, abort) over the raw transport error, which only
// reports a generic context cancellation in those cases.
func attemptError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// progressReader bumps the shared byte counter as the body streams in.
type progressReader struct {
	r          io.Reader
	progress   *atomic.Int64
	onProgress func(total int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 && pr.progress != nil {
		total := pr.progress.Add(int64(n))
		if pr.onProgress != nil {
			pr.onProgress(total)
		}
	}
	return n, err
}
