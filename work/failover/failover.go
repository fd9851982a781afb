// Package failover is the decision engine behind every segment fetch. It
// walks a request across the primary origin and the ordered alternates,
// interprets each attempt's outcome (HTTP error, network error, timeout,
// stall, false partial content), maintains the per-session failure record,
// and triggers background recovery probing once a session is running
// permanently on alternates.
package failover

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"failback-loader/work/config"
	"failback-loader/work/hosts"
	"failback-loader/work/integrity"
	"failback-loader/work/logger"
	"failback-loader/work/metrics"
	"failback-loader/work/monitor"
	"failback-loader/work/prober"
	"failback-loader/work/rewrite"
	"failback-loader/work/state"
	"failback-loader/work/transport"
	"failback-loader/work/utils"
)

// Engine wires the shared collaborators together: configuration, the session
// store, the alternate host provider, the transport, and the recovery prober.
// One Engine serves any number of concurrent loaders.
type Engine struct {
	cfg      *config.Config
	sessions *state.Store
	hosts    *hosts.Provider
	doer     transport.Doer
	prober   *prober.Prober
}

// NewEngine creates a fully wired engine.
func NewEngine(cfg *config.Config, sessions *state.Store, hostProvider *hosts.Provider, doer transport.Doer, prb *prober.Prober) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		hosts:    hostProvider,
		doer:     doer,
		prober:   prb,
	}
}

// Preload warms the alternate-host cache. Call once at startup; loads work
// either way, falling back to static or fallback host lists.
func (e *Engine) Preload(ctx context.Context) ([]string, error) {
	return e.hosts.Preload(ctx)
}

// State returns the failure counters for a session.
func (e *Engine) State(sessionID string) state.Snapshot {
	return e.sessions.Snapshot(sessionID)
}

// ResetState clears a session's failure record.
func (e *Engine) ResetState(sessionID string) {
	e.sessions.Reset(sessionID)
}

// DestroyState removes a session entirely. Called when the owning player is
// torn down.
func (e *Engine) DestroyState(sessionID string) {
	e.sessions.Destroy(sessionID)
}

// NewLoader creates a single-use loader bound to the given session. Each
// logical fetch gets its own Loader; the session record is shared across all
// loaders carrying the same session id.
func (e *Engine) NewLoader(sessionID string) *Loader {
	return &Loader{
		engine:  e,
		session: e.sessions.Get(sessionID),
	}
}

// attempt is the ephemeral per-attempt record. Its identity guards late
// callbacks: once an attempt is no longer current, anything it reports is
// discarded.
type attempt struct {
	url      string
	index    int
	progress atomic.Int64
	cancel   context.CancelCauseFunc
	watchdog *monitor.Watchdog
}

// Loader runs one logical fetch to a terminal outcome. Load may be called
// exactly once; Abort and Destroy are idempotent and safe from any goroutine.
type Loader struct {
	engine  *Engine
	session *state.Session

	started atomic.Bool
	aborted atomic.Bool

	mu      sync.Mutex
	current *attempt
}

// Load executes the fetch and fires exactly one terminal callback. It runs
// synchronously in the calling goroutine and returns the terminal error (nil
// on success); callers that want the callback style simply ignore the return.
func (l *Loader) Load(ctx context.Context, req *Request, cb *Callbacks) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if cb == nil {
		cb = &Callbacks{}
	}

	started := time.Now()
	stats := &Stats{}
	cfg := l.engine.cfg

	finish := func(err error) error {
		stats.Duration = time.Since(started)
		return err
	}

	if l.aborted.Load() {
		metrics.LoadOutcomes.WithLabelValues("aborted").Inc()
		if cb.OnAbort != nil {
			cb.OnAbort(stats, req)
		}
		return finish(ErrAborted)
	}

	// a URL we cannot parse has no alternates either: immediate exhaustion
	if u, err := url.Parse(req.URL); err != nil || u.Host == "" {
		logger.Error("{failover - Load} unparseable URL, no failover possible: %s", utils.LogURL(cfg.ObfuscateUrls, req.URL))
		return finish(l.exhaust(req, stats, cb, 0, classNetwork, errors.New("malformed request URL")))
	}

	hostList := l.engine.hosts.Hosts()

	// choose the starting origin: permanent failover skips the primary and
	// begins directly at the first alternate with a synthesized attempt index
	idx := 0
	cur := req.URL
	startIdx := 0
	if l.session.PermanentFailover() {
		idx, startIdx = 1, 1
		cur = l.candidateFor(req.URL, 1, hostList)
		if cur == "" {
			logger.Error("{failover - Load} permanent failover active but no alternate available for %s", utils.LogURL(cfg.ObfuscateUrls, req.URL))
			return finish(l.exhaust(req, stats, cb, 0, classNetwork, errors.New("no viable alternate origin")))
		}
		logger.Debug("{failover - Load} session %s in permanent failover, starting at %s", l.session.ID(), utils.LogURL(cfg.ObfuscateUrls, cur))
	}

	for {
		res, err := l.runAttempt(ctx, cur, idx, req, cb, stats, started)
		stats.Attempts++

		if err == nil {
			return finish(l.succeed(res, req, stats, cb, idx, startIdx))
		}

		if errors.Is(err, ErrAborted) || l.aborted.Load() {
			logger.Info("{failover - Load} aborted at attempt %d for %s", idx, utils.LogURL(cfg.ObfuscateUrls, req.URL))
			metrics.LoadOutcomes.WithLabelValues("aborted").Inc()
			if cb.OnAbort != nil {
				cb.OnAbort(stats, req)
			}
			return finish(ErrAborted)
		}

		class := classify(err)
		logger.Warn("{failover - Load} attempt %d failed (%s) for %s: %v", idx, class, utils.LogURL(cfg.ObfuscateUrls, cur), err)

		// charge the failure to the primary only when the primary was tried
		if idx == 0 && !l.session.PermanentFailover() {
			l.session.OnPrimaryFailure()
		}

		// the caller's context going away terminates the walk immediately
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				metrics.LoadOutcomes.WithLabelValues("exhausted").Inc()
				if cb.OnTimeout != nil {
					cb.OnTimeout(stats, req)
				}
				return finish(&ExhaustedError{OriginalURL: req.URL, Attempts: stats.Attempts, Last: err})
			}
			metrics.LoadOutcomes.WithLabelValues("aborted").Inc()
			if cb.OnAbort != nil {
				cb.OnAbort(stats, req)
			}
			return finish(ErrAborted)
		}

		next := l.candidateFor(req.URL, idx+1, hostList)
		if next == "" || next == cur {
			return finish(l.exhaust(req, stats, cb, stats.Attempts, class, err))
		}

		idx++
		metrics.Failovers.WithLabelValues(string(class)).Inc()
		logger.Info("{failover - Load} failing over to attempt %d: %s", idx, utils.LogURL(cfg.ObfuscateUrls, next))
		if cfg.OnFailback != nil {
			cfg.OnFailback(req.URL, next, idx)
		}
		cur = next
	}
}

// Abort cancels the in-flight attempt and makes the load terminate with
// OnAbort. Idempotent; safe before, during, and after Load.
func (l *Loader) Abort() {
	if !l.aborted.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	at := l.current
	l.mu.Unlock()
	if at != nil {
		if at.watchdog != nil {
			at.watchdog.Stop()
		}
		at.cancel(ErrAborted)
	}
}

// Destroy releases the loader. A load still in flight is aborted first.
func (l *Loader) Destroy() {
	l.Abort()
}

// candidateFor computes the URL for the given attempt number (attempt >= 1).
// A configured TransformURL takes precedence over default rewriting against
// the ordered alternate host list; both signal exhaustion with "".
func (l *Loader) candidateFor(originalURL string, attempt int, hostList []string) string {
	if l.engine.cfg.TransformURL != nil {
		return l.engine.cfg.TransformURL(originalURL, attempt)
	}
	if attempt-1 >= len(hostList) {
		return ""
	}
	rewritten, ok := rewrite.Rewrite(originalURL, hostList[attempt-1])
	if !ok {
		return ""
	}
	return rewritten
}

// runAttempt issues one attempt with the stall watchdog attached. A nil error
// means a genuine success: 2xx status and not reclassified by the integrity
// check. Everything else comes back as a classified error.
func (l *Loader) runAttempt(ctx context.Context, rawURL string, idx int, req *Request, cb *Callbacks, stats *Stats, started time.Time) (*transport.Result, error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	at := &attempt{url: rawURL, index: idx, cancel: cancel}

	l.mu.Lock()
	if l.aborted.Load() {
		l.mu.Unlock()
		return nil, ErrAborted
	}
	l.current = at
	l.mu.Unlock()

	// late completions from a superseded attempt must not leak through
	defer func() {
		l.mu.Lock()
		if l.current == at {
			l.current = nil
		}
		l.mu.Unlock()
	}()

	at.watchdog = monitor.Watch(l.engine.cfg, &at.progress, func(se *monitor.StallError) {
		cancel(se)
	})
	defer at.watchdog.Stop()

	origin := "alternate"
	if idx == 0 {
		origin = "primary"
	}
	metrics.LoadAttempts.WithLabelValues(origin).Inc()

	res, err := l.engine.doer.Do(actx, &transport.Attempt{
		URL:      rawURL,
		Headers:  req.Headers,
		Range:    req.Range,
		Progress: &at.progress,
		OnProgress: func(total int64) {
			if cb.OnProgress != nil && !l.aborted.Load() {
				stats.BytesReceived = total
				stats.Duration = time.Since(started)
				cb.OnProgress(stats, req)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	stats.BytesReceived = res.Received
	metrics.BytesReceived.WithLabelValues(origin).Add(float64(res.Received))

	if res.Status < 200 || res.Status > 299 {
		return res, &OriginHTTPError{Status: res.Status, URL: rawURL}
	}

	if ie := integrity.Check(res.Status, req.Range != nil, res.Header.Get("Content-Range")); ie != nil {
		return res, ie
	}

	return res, nil
}

// succeed applies the success bookkeeping and fires the success callbacks.
func (l *Loader) succeed(res *transport.Result, req *Request, stats *Stats, cb *Callbacks, idx, startIdx int) error {
	cfg := l.engine.cfg

	if idx == 0 {
		l.session.OnPrimarySuccess()
	}

	// the probe target is always the primary form of the URL: recorded
	// unconditionally when this fetch started at the primary, otherwise only
	// when nothing is recorded yet
	l.session.SetLastGoodPrimary(req.URL, startIdx == 0)

	// degraded-mode successes advance the probe cadence; the probe itself is
	// fire-and-forget and never delays this response
	if l.session.PermanentFailover() && l.session.OnDegradedSuccess() {
		l.engine.prober.TryProbe(l.session)
	}

	metrics.LoadOutcomes.WithLabelValues("success").Inc()
	viaAlternate := idx != 0
	logger.Debug("{failover - succeed} attempt %d succeeded via %s for %s", idx, res.FinalURL, utils.LogURL(cfg.ObfuscateUrls, req.URL))

	if cfg.OnSuccess != nil {
		cfg.OnSuccess(res.FinalURL, viaAlternate, idx)
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess(&Response{
			Status:       res.Status,
			Body:         res.Body,
			ServedURL:    res.FinalURL,
			ViaAlternate: viaAlternate,
			Attempt:      idx,
		}, stats, req)
	}
	return nil
}

// exhaust fires the terminal failure callbacks: OnTimeout when the last
// failure was a timeout, OnError otherwise. The terminal error carries only
// the last attempt's failure.
func (l *Loader) exhaust(req *Request, stats *Stats, cb *Callbacks, attempts int, class failureClass, last error) error {
	cfg := l.engine.cfg

	logger.Error("{failover - exhaust} all origins failed for %s after %d attempts: %v", utils.LogURL(cfg.ObfuscateUrls, req.URL), attempts, last)
	metrics.LoadOutcomes.WithLabelValues("exhausted").Inc()

	if cfg.OnAllFailed != nil {
		cfg.OnAllFailed(req.URL, attempts)
	}

	err := &ExhaustedError{OriginalURL: req.URL, Attempts: attempts, Last: last}
	if class == classTimeout {
		if cb.OnTimeout != nil {
			cb.OnTimeout(stats, req)
		}
	} else if cb.OnError != nil {
		cb.OnError(err, stats, req)
	}
	return err
}

// classify buckets an attempt failure for metrics and the timeout-vs-error
// terminal callback decision.
func classify(err error) failureClass {
	var intErr *integrity.Error
	var stallErr *monitor.StallError
	var httpErr *OriginHTTPError
	var netErr net.Error

	switch {
	case errors.As(err, &intErr):
		return classIntegrity
	case errors.As(err, &stallErr):
		return classStall
	case errors.Is(err, transport.ErrFirstByteTimeout),
		errors.Is(err, transport.ErrCompletionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return classTimeout
	case errors.As(err, &httpErr):
		return classHTTP
	case errors.As(err, &netErr) && netErr.Timeout():
		return classTimeout
	default:
		return classNetwork
	}
}
