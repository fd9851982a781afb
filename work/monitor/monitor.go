// Package monitor watches an in-flight transfer for the failure modes a plain
// HTTP client never reports: total silence after the connection opened, and a
// connection that keeps trickling bytes too slowly to ever finish. Either
// condition escalates through the same path as a transport failure.
package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"failback-loader/work/config"
	"failback-loader/work/logger"
	"failback-loader/work/metrics"
)

// Trigger identifies which watchdog condition declared the stall.
const (
	TriggerSilence    = "silence"
	TriggerThroughput = "throughput"
)

// StallError reports a stalled transfer. It feeds the same failover
// transition as an HTTP or network error.
type StallError struct {
	Trigger  string
	Received int64
}

func (e *StallError) Error() string {
	return fmt.Sprintf("transfer stalled (%s trigger, %d bytes received)", e.Trigger, e.Received)
}

// Watchdog periodically inspects the shared byte counter of one attempt.
// It is created at attempt start and must be stopped when the attempt
// completes, fails, or is aborted; Stop is idempotent.
type Watchdog struct {
	interval time.Duration
	silence  time.Duration
	floor    int64 // minimum bytes per second once the transfer has begun

	progress *atomic.Int64
	onStall  func(*StallError)

	stopChan chan struct{}
	stopOnce sync.Once
}

// Watch starts a watchdog over the given progress counter. onStall fires at
// most once, from the watchdog goroutine, after which the watchdog retires
// itself.
func Watch(cfg *config.Config, progress *atomic.Int64, onStall func(*StallError)) *Watchdog {
	w := &Watchdog{
		interval: cfg.StallInterval,
		silence:  cfg.StallSilence,
		floor:    cfg.MinBytesPerSecond,
		progress: progress,
		onStall:  onStall,
		stopChan: make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop tears the watchdog down. Safe to call multiple times and from any
// goroutine.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

// run is the periodic check loop. Two independent conditions are evaluated
// every interval:
//
//   - silence: no byte progress at all for longer than the silence threshold;
//   - throughput: the transfer has begun but per-interval progress stays
//     below the configured floor for an accumulated silence-threshold's worth
//     of time. Any interval meeting the floor resets the accumulation.
func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	lastTotal := w.progress.Load()
	lastChange := time.Now()
	var lowSpeed time.Duration

	// bytes the floor demands per check interval
	floorPerInterval := w.floor * int64(w.interval) / int64(time.Second)

	for {
		select {
		case <-w.stopChan:
			return
		case now := <-ticker.C:
			total := w.progress.Load()
			delta := total - lastTotal
			lastTotal = total

			if delta > 0 {
				lastChange = now
			}

			if now.Sub(lastChange) > w.silence {
				w.declare(TriggerSilence, total)
				return
			}

			if total > 0 {
				if delta < floorPerInterval {
					lowSpeed += w.interval
					if lowSpeed >= w.silence {
						w.declare(TriggerThroughput, total)
						return
					}
				} else {
					lowSpeed = 0
				}
			}
		}
	}
}

// declare fires the stall callback exactly once and retires the watchdog.
func (w *Watchdog) declare(trigger string, received int64) {
	logger.Warn("{monitor - declare} stall detected (%s) after %d bytes", trigger, received)
	metrics.StallsDetected.WithLabelValues(trigger).Inc()
	w.Stop()
	if w.onStall != nil {
		w.onStall(&StallError{Trigger: trigger, Received: received})
	}
}
