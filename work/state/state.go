// Package state tracks per-session origin health. A session corresponds to one
// player instance; every segment load for that player reads and updates the
// same record, so failures observed by concurrent segment loads accumulate as
// shared evidence of primary-origin health.
package state

import (
	"sync"
	"sync/atomic"

	"failback-loader/work/config"
	"failback-loader/work/logger"
	"failback-loader/work/metrics"

	"github.com/puzpuzpuz/xsync/v3"
)

// Session is the mutable failure record for one logical player session. All
// counter fields are guarded by the mutex; the probe flag uses an atomic CAS
// so that probe mutual exclusion never has to take the lock.
type Session struct {
	id        string
	threshold int // consecutive primary failures that trigger permanent failover
	cadence   int // degraded-mode successes between recovery probes

	mu                  sync.Mutex
	consecutiveFailures int    // failures attributed to the primary origin
	permanentFailover   bool   // primary is skipped entirely once set
	fragmentsSinceProbe int    // successful degraded-mode loads since the last probe
	lastGoodPrimaryURL  string // most recent primary-origin URL, target for recovery probes

	probeInFlight atomic.Bool // at most one recovery probe may run per session
}

// Snapshot is a read-only view of the failure counters, exposed to the
// surrounding player for introspection.
type Snapshot struct {
	ConsecutiveFailures int  `json:"consecutiveFailures"`
	PermanentMode       bool `json:"permanentMode"`
	Threshold           int  `json:"threshold"`
}

// ID returns the session identity this record is keyed by.
func (s *Session) ID() string {
	return s.id
}

// PermanentFailover reports whether the session skips the primary origin.
func (s *Session) PermanentFailover() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permanentFailover
}

// OnPrimarySuccess resets the consecutive-failure count after a load served
// directly by the primary origin. A success while in permanent failover mode
// does not touch the count; only a successful recovery probe exits that mode.
func (s *Session) OnPrimarySuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.permanentFailover {
		s.consecutiveFailures = 0
	}
}

// OnPrimaryFailure charges one failure to the primary origin and reports
// whether permanent failover mode engaged as a result. Failures are only
// attributed while the session is not already in permanent mode.
func (s *Session) OnPrimaryFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permanentFailover {
		return false
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= s.threshold {
		s.permanentFailover = true
		logger.Warn("{state - OnPrimaryFailure} session %s: %d consecutive primary failures, entering permanent failover", s.id, s.consecutiveFailures)
		metrics.PermanentFailovers.Inc()
		return true
	}
	return false
}

// OnDegradedSuccess counts a successful load completed while in permanent
// failover mode and reports whether a recovery probe is now due. When the
// probe cadence is reached the counter resets to zero immediately, so the
// decision to probe and the reset are a single atomic step.
func (s *Session) OnDegradedSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.permanentFailover {
		return false
	}
	s.fragmentsSinceProbe++
	if s.fragmentsSinceProbe >= s.cadence {
		s.fragmentsSinceProbe = 0
		return true
	}
	return false
}

// SetLastGoodPrimary records the most recent primary-origin URL. Force stores
// unconditionally (the load started at the primary); otherwise the URL is
// kept only when nothing has been recorded yet.
func (s *Session) SetLastGoodPrimary(rawURL string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if force || s.lastGoodPrimaryURL == "" {
		s.lastGoodPrimaryURL = rawURL
	}
}

// LastGoodPrimary returns the recorded probe target, or "" when none exists.
func (s *Session) LastGoodPrimary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGoodPrimaryURL
}

// BeginProbe attempts to claim the probe slot. It returns false when another
// probe is already in flight for this session.
func (s *Session) BeginProbe() bool {
	return s.probeInFlight.CompareAndSwap(false, true)
}

// EndProbe releases the probe slot. Callers defer this immediately after a
// successful BeginProbe so the slot is released on every termination path.
func (s *Session) EndProbe() {
	s.probeInFlight.Store(false)
}

// ProbationaryReset exits permanent failover mode after a successful recovery
// probe. The failure count deliberately lands at threshold-1 rather than zero:
// the very next primary failure re-enters permanent mode immediately, while
// the next primary success clears the count entirely.
func (s *Session) ProbationaryReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permanentFailover = false
	s.fragmentsSinceProbe = 0
	s.consecutiveFailures = s.threshold - 1
	logger.Info("{state - ProbationaryReset} session %s: primary recovered, resuming on probation (%d/%d failures charged)", s.id, s.consecutiveFailures, s.threshold)
}

// Reset returns the session to its initial state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.permanentFailover = false
	s.fragmentsSinceProbe = 0
	s.lastGoodPrimaryURL = ""
}

// Snapshot returns the current failure counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ConsecutiveFailures: s.consecutiveFailures,
		PermanentMode:       s.permanentFailover,
		Threshold:           s.threshold,
	}
}

// Store holds all live sessions keyed by session identity. Sessions are
// created lazily on first reference and live until the owning player tears
// them down explicitly via Destroy.
type Store struct {
	sessions  *xsync.MapOf[string, *Session]
	threshold int
	cadence   int
}

// NewStore creates a session store using the threshold and cadence from cfg.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		sessions:  xsync.NewMapOf[string, *Session](),
		threshold: cfg.FailoverThreshold,
		cadence:   cfg.ProbeCadence,
	}
}

// Get returns the session for id, creating it on first reference.
func (st *Store) Get(id string) *Session {
	s, loaded := st.sessions.LoadOrStore(id, &Session{
		id:        id,
		threshold: st.threshold,
		cadence:   st.cadence,
	})
	if !loaded {
		logger.Debug("{state - Get} created session %s (threshold=%d, cadence=%d)", id, st.threshold, st.cadence)
		metrics.SessionsActive.Inc()
	}
	return s
}

// Reset clears the failure record for id without destroying the session.
func (st *Store) Reset(id string) {
	if s, ok := st.sessions.Load(id); ok {
		s.Reset()
	}
}

// Destroy removes the session for id. Safe to call for unknown ids.
func (st *Store) Destroy(id string) {
	if _, ok := st.sessions.LoadAndDelete(id); ok {
		logger.Debug("{state - Destroy} destroyed session %s", id)
		metrics.SessionsActive.Dec()
	}
}

// Snapshot returns the failure counters for id. Unknown ids yield a zero
// snapshot carrying the store's threshold.
func (st *Store) Snapshot(id string) Snapshot {
	if s, ok := st.sessions.Load(id); ok {
		return s.Snapshot()
	}
	return Snapshot{Threshold: st.threshold}
}
