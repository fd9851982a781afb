package prober

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"failback-loader/work/config"
	"failback-loader/work/state"
	"failback-loader/work/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeTarget = "https://cdn.example.com/live/seg42.ts"

func permanentSession(cfg *config.Config) *state.Session {
	s := state.NewStore(cfg).Get("probe-session")
	for i := 0; i < cfg.FailoverThreshold; i++ {
		s.OnPrimaryFailure()
	}
	s.SetLastGoodPrimary(probeTarget, true)
	return s
}

// stubDoer answers every probe immediately with a fixed result.
type stubDoer struct {
	status int
	err    error

	mu       sync.Mutex
	attempts []*transport.Attempt
}

func (d *stubDoer) Do(ctx context.Context, a *transport.Attempt) (*transport.Result, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, a)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return &transport.Result{Status: d.status, FinalURL: a.URL}, nil
}

// blockingDoer holds every probe until released, for in-flight scenarios.
type blockingDoer struct {
	started chan *transport.Attempt
	release chan struct{}
	status  int
}

func (d *blockingDoer) Do(ctx context.Context, a *transport.Attempt) (*transport.Result, error) {
	d.started <- a
	<-d.release
	return &transport.Result{Status: d.status, FinalURL: a.URL}, nil
}

func TestSkippedOutsidePermanentMode(t *testing.T) {
	cfg := config.Default()
	s := state.NewStore(cfg).Get("probe-session")
	s.SetLastGoodPrimary(probeTarget, true)

	p := New(cfg, &stubDoer{status: 200}, nil, nil)
	assert.False(t, p.TryProbe(s))
}

func TestSkippedWithoutTarget(t *testing.T) {
	cfg := config.Default()
	s := state.NewStore(cfg).Get("probe-session")
	for i := 0; i < cfg.FailoverThreshold; i++ {
		s.OnPrimaryFailure()
	}

	p := New(cfg, &stubDoer{status: 200}, nil, nil)
	assert.False(t, p.TryProbe(s))
}

func TestHealthyProbeAppliesProbationaryReset(t *testing.T) {
	cfg := config.Default()
	s := permanentSession(cfg)

	doer := &stubDoer{status: 206}
	p := New(cfg, doer, nil, nil)

	var result atomic.Bool
	p.OnProbeResult = func(target string, alive bool) {
		assert.Equal(t, probeTarget, target)
		result.Store(alive)
	}

	require.True(t, p.TryProbe(s))

	require.Eventually(t, func() bool {
		return !s.PermanentFailover()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, result.Load())
	assert.Equal(t, cfg.FailoverThreshold-1, s.Snapshot().ConsecutiveFailures)

	// the probe asked for a bounded range of the recorded primary URL
	doer.mu.Lock()
	defer doer.mu.Unlock()
	require.Len(t, doer.attempts, 1)
	assert.Equal(t, probeTarget, doer.attempts[0].URL)
	require.NotNil(t, doer.attempts[0].Range)
	assert.Equal(t, int64(0), doer.attempts[0].Range.Start)
	assert.Equal(t, cfg.ProbeRangeBytes-1, doer.attempts[0].Range.End)
}

func TestDownProbeLeavesStateAlone(t *testing.T) {
	cfg := config.Default()
	s := permanentSession(cfg)

	p := New(cfg, &stubDoer{status: 503}, nil, nil)

	resultSeen := make(chan bool, 1)
	p.OnProbeResult = func(_ string, alive bool) { resultSeen <- alive }

	require.True(t, p.TryProbe(s))

	select {
	case alive := <-resultSeen:
		assert.False(t, alive)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a probe result")
	}

	assert.True(t, s.PermanentFailover())
	assert.Equal(t, cfg.FailoverThreshold, s.Snapshot().ConsecutiveFailures)

	// the slot frees up for the next cadence cycle
	require.Eventually(t, func() bool {
		if !s.BeginProbe() {
			return false
		}
		s.EndProbe()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnlyOneProbeInFlight(t *testing.T) {
	cfg := config.Default()
	s := permanentSession(cfg)

	doer := &blockingDoer{
		started: make(chan *transport.Attempt, 3),
		release: make(chan struct{}),
		status:  200,
	}
	p := New(cfg, doer, nil, nil)

	var dispatched atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.TryProbe(s) {
				dispatched.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), dispatched.Load())
	<-doer.started
	close(doer.release)
}

func TestResultDiscardedWhenPermanentModeLifted(t *testing.T) {
	cfg := config.Default()
	s := permanentSession(cfg)

	doer := &blockingDoer{
		started: make(chan *transport.Attempt, 1),
		release: make(chan struct{}),
		status:  200,
	}
	p := New(cfg, doer, nil, nil)

	require.True(t, p.TryProbe(s))
	<-doer.started

	// the session recovered on its own while the probe was in flight
	s.Reset()
	close(doer.release)

	require.Eventually(t, func() bool {
		if !s.BeginProbe() {
			return false
		}
		s.EndProbe()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// a probationary reset would have charged threshold-1 failures
	assert.Equal(t, 0, s.Snapshot().ConsecutiveFailures)
	assert.False(t, s.PermanentFailover())
}

// fakeBuffer reports a controllable playback buffer level.
type fakeBuffer struct {
	ahead atomic.Int64
}

func (b *fakeBuffer) BufferedAhead() time.Duration {
	return time.Duration(b.ahead.Load())
}

func TestBufferGateBlocksProbe(t *testing.T) {
	cfg := config.Default()
	cfg.MinBufferForProbe = 10 * time.Second
	s := permanentSession(cfg)

	buf := &fakeBuffer{}
	buf.ahead.Store(int64(2 * time.Second))
	p := New(cfg, &stubDoer{status: 200}, nil, buf)

	assert.False(t, p.TryProbe(s))
	assert.True(t, s.PermanentFailover())

	// a skipped probe must not leave the slot claimed
	buf.ahead.Store(int64(20 * time.Second))
	assert.True(t, p.TryProbe(s))
	require.Eventually(t, func() bool {
		return !s.PermanentFailover()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBufferDrainDuringProbeDiscardsResult(t *testing.T) {
	cfg := config.Default()
	cfg.MinBufferForProbe = 10 * time.Second
	s := permanentSession(cfg)

	buf := &fakeBuffer{}
	buf.ahead.Store(int64(20 * time.Second))

	doer := &blockingDoer{
		started: make(chan *transport.Attempt, 1),
		release: make(chan struct{}),
		status:  200,
	}
	p := New(cfg, doer, nil, buf)

	require.True(t, p.TryProbe(s))
	<-doer.started

	buf.ahead.Store(int64(time.Second))
	close(doer.release)

	require.Eventually(t, func() bool {
		if !s.BeginProbe() {
			return false
		}
		s.EndProbe()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, s.PermanentFailover(), "probe result discarded with the buffer drained")
}
