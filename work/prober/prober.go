// Package prober implements background recovery probing of the primary
// origin. Once a session runs permanently on alternates, every few successful
// loads trigger a single lightweight range request against the last known
// good primary URL; a healthy answer moves the session back to the primary on
// probation. Probes are fire-and-forget: the load that triggered one never
// waits for it.
package prober

import (
	"context"
	"time"

	"failback-loader/work/config"
	"failback-loader/work/logger"
	"failback-loader/work/metrics"
	"failback-loader/work/state"
	"failback-loader/work/transport"
	"failback-loader/work/utils"

	"github.com/panjf2000/ants/v2"
)

// BufferReporter reports how much media is buffered ahead of the current
// playback position. Only consulted when the buffer gate is enabled through
// Config.MinBufferForProbe; switching origins with too little runway risks a
// visible stall if the switch goes wrong.
type BufferReporter interface {
	BufferedAhead() time.Duration
}

// Prober issues recovery probes. One instance serves all sessions; per-session
// mutual exclusion lives in the session's probe flag.
type Prober struct {
	cfg    *config.Config
	doer   transport.Doer
	pool   *ants.Pool     // optional; probes fall back to plain goroutines
	buffer BufferReporter // optional; enables the buffer gate

	// Headers are sent with every probe so authenticated origins answer the
	// probe the same way they answer segment requests.
	Headers map[string]string

	// OnProbeStart and OnProbeResult are observability hooks, fired for
	// every actual probe (not for skipped ones).
	OnProbeStart  func(target string)
	OnProbeResult func(target string, alive bool)
}

// New creates a Prober. pool and buffer may be nil.
func New(cfg *config.Config, doer transport.Doer, pool *ants.Pool, buffer BufferReporter) *Prober {
	return &Prober{
		cfg:    cfg,
		doer:   doer,
		pool:   pool,
		buffer: buffer,
	}
}

// TryProbe starts a recovery probe for the session if every precondition
// holds: permanent failover active, a probe target recorded, no probe already
// in flight, and (when gated) enough playback buffer. Returns true when a
// probe was actually dispatched.
func (p *Prober) TryProbe(s *state.Session) bool {
	if !s.PermanentFailover() {
		metrics.RecoveryProbes.WithLabelValues("skipped").Inc()
		return false
	}
	target := s.LastGoodPrimary()
	if target == "" {
		metrics.RecoveryProbes.WithLabelValues("skipped").Inc()
		return false
	}

	// claim the probe slot; only one probe per session may be in flight
	if !s.BeginProbe() {
		logger.Debug("{prober - TryProbe} session %s: probe already in flight", s.ID())
		metrics.RecoveryProbes.WithLabelValues("skipped").Inc()
		return false
	}

	if !p.bufferSufficient() {
		logger.Debug("{prober - TryProbe} session %s: playback buffer too low, skipping probe", s.ID())
		metrics.RecoveryProbes.WithLabelValues("skipped").Inc()
		s.EndProbe()
		return false
	}

	logger.Info("{prober - TryProbe} session %s: probing primary at %s", s.ID(), utils.LogURL(p.cfg.ObfuscateUrls, target))
	if p.OnProbeStart != nil {
		p.OnProbeStart(target)
	}

	run := func() {
		defer s.EndProbe()
		p.execute(s, target)
	}

	if p.pool != nil {
		if err := p.pool.Submit(run); err != nil {
			logger.Warn("{prober - TryProbe} worker pool rejected probe (%v), running inline goroutine", err)
			go run()
		}
	} else {
		go run()
	}
	return true
}

// execute performs the bounded probe request and applies the probationary
// reset when the primary answers. Preconditions are re-validated after the
// request settles: the session may have left permanent mode, or the playback
// buffer may have drained, while the probe was in flight.
func (p *Prober) execute(s *state.Session, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	res, err := p.doer.Do(ctx, &transport.Attempt{
		URL:     target,
		Headers: p.Headers,
		Range:   &transport.ByteRange{Start: 0, End: p.cfg.ProbeRangeBytes - 1},
		TTFB:    p.cfg.ProbeTimeout,
		Total:   p.cfg.ProbeTimeout,
	})

	alive := err == nil && (res.Status == 200 || res.Status == 206)
	if p.OnProbeResult != nil {
		p.OnProbeResult(target, alive)
	}

	if !alive {
		logger.Info("{prober - execute} session %s: primary still down (%v)", s.ID(), err)
		metrics.RecoveryProbes.WithLabelValues("down").Inc()
		return
	}

	// revalidate before touching state
	if !s.PermanentFailover() {
		logger.Debug("{prober - execute} session %s: left permanent mode while probe was in flight, discarding result", s.ID())
		metrics.RecoveryProbes.WithLabelValues("skipped").Inc()
		return
	}
	if !p.bufferSufficient() {
		logger.Debug("{prober - execute} session %s: buffer drained during probe, discarding result", s.ID())
		metrics.RecoveryProbes.WithLabelValues("skipped").Inc()
		return
	}

	metrics.RecoveryProbes.WithLabelValues("alive").Inc()
	s.ProbationaryReset()
}

// bufferSufficient applies the optional buffer gate. Disabled configurations
// always pass.
func (p *Prober) bufferSufficient() bool {
	if p.cfg.MinBufferForProbe <= 0 || p.buffer == nil {
		return true
	}
	return p.buffer.BufferedAhead() >= p.cfg.MinBufferForProbe
}
