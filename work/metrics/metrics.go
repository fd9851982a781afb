package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LoadAttempts counts every segment request attempt, labeled by the origin
// class that served it ("primary" or "alternate"). Counter, only increases.
var LoadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "failback_load_attempts_total",
	Help: "Number of segment request attempts",
}, []string{"origin"})

// LoadOutcomes counts terminal load results labeled by outcome
// ("success", "exhausted", "aborted").
var LoadOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "failback_load_outcomes_total",
	Help: "Number of terminal load outcomes",
}, []string{"outcome"})

// Failovers counts transitions from one candidate origin to the next within
// a single load, labeled by the failure class that triggered the move
// ("http", "network", "timeout", "stall", "integrity").
var Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "failback_failovers_total",
	Help: "Number of failover transitions between origins",
}, []string{"reason"})

// PermanentFailovers counts sessions entering permanent failover mode.
var PermanentFailovers = promauto.NewCounter(prometheus.CounterOpts{
	Name: "failback_permanent_failovers_total",
	Help: "Number of sessions that entered permanent failover mode",
})

// StallsDetected counts stall declarations by the transfer watchdog, labeled
// by trigger ("silence", "throughput").
var StallsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "failback_stalls_detected_total",
	Help: "Number of stalled transfers detected",
}, []string{"trigger"})

// IntegrityRejects counts completed responses reclassified as failures by
// the partial-content integrity check.
var IntegrityRejects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "failback_integrity_rejects_total",
	Help: "Number of false partial-content responses rejected",
})

// RecoveryProbes counts recovery probe attempts labeled by result
// ("alive", "down", "skipped").
var RecoveryProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "failback_recovery_probes_total",
	Help: "Number of primary-origin recovery probes",
}, []string{"result"})

// BytesReceived tracks the total segment bytes received, labeled by origin
// class ("primary" or "alternate").
var BytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "failback_bytes_received_total",
	Help: "Total segment bytes received",
}, []string{"origin"})

// SessionsActive tracks the number of live failover sessions.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "failback_sessions_active",
	Help: "Number of active failover sessions",
})
