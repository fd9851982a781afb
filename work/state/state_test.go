package state

import (
	"sync"
	"testing"

	"failback-loader/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(threshold, cadence int) *Store {
	cfg := config.Default()
	cfg.FailoverThreshold = threshold
	cfg.ProbeCadence = cadence
	return NewStore(cfg)
}

func TestThresholdCrossing(t *testing.T) {
	s := newTestStore(3, 6).Get("a")

	assert.False(t, s.OnPrimaryFailure())
	assert.False(t, s.PermanentFailover())
	assert.False(t, s.OnPrimaryFailure())
	assert.False(t, s.PermanentFailover())

	// exactly at the threshold, not before
	assert.True(t, s.OnPrimaryFailure())
	assert.True(t, s.PermanentFailover())
}

func TestPrimarySuccessResetsCount(t *testing.T) {
	s := newTestStore(2, 6).Get("a")

	s.OnPrimaryFailure()
	s.OnPrimarySuccess()
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.False(t, snap.PermanentMode)
}

func TestFailuresNotChargedInPermanentMode(t *testing.T) {
	s := newTestStore(2, 6).Get("a")
	s.OnPrimaryFailure()
	s.OnPrimaryFailure()
	require.True(t, s.PermanentFailover())

	// further failures don't grow the count while permanent mode holds
	assert.False(t, s.OnPrimaryFailure())
	assert.Equal(t, 2, s.Snapshot().ConsecutiveFailures)

	// nor do successes clear it
	s.OnPrimarySuccess()
	assert.Equal(t, 2, s.Snapshot().ConsecutiveFailures)
}

func TestProbationaryReset(t *testing.T) {
	s := newTestStore(2, 6).Get("a")
	s.OnPrimaryFailure()
	s.OnPrimaryFailure()
	require.True(t, s.PermanentFailover())

	s.ProbationaryReset()
	snap := s.Snapshot()
	assert.False(t, snap.PermanentMode)
	assert.Equal(t, 1, snap.ConsecutiveFailures, "probation charges threshold-1 failures")

	// a single failure on probation re-enters permanent mode immediately
	assert.True(t, s.OnPrimaryFailure())
	assert.True(t, s.PermanentFailover())
}

func TestProbationClearedBySuccess(t *testing.T) {
	s := newTestStore(2, 6).Get("a")
	s.OnPrimaryFailure()
	s.OnPrimaryFailure()
	s.ProbationaryReset()

	s.OnPrimarySuccess()
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.False(t, snap.PermanentMode)
}

func TestDegradedSuccessCadence(t *testing.T) {
	s := newTestStore(2, 3).Get("a")

	// outside permanent mode the cadence never advances
	assert.False(t, s.OnDegradedSuccess())

	s.OnPrimaryFailure()
	s.OnPrimaryFailure()
	require.True(t, s.PermanentFailover())

	assert.False(t, s.OnDegradedSuccess())
	assert.False(t, s.OnDegradedSuccess())
	assert.True(t, s.OnDegradedSuccess(), "third degraded success reaches the cadence")

	// counter reset with the trigger, the next cycle starts fresh
	assert.False(t, s.OnDegradedSuccess())
}

func TestLastGoodPrimaryRecording(t *testing.T) {
	s := newTestStore(2, 6).Get("a")

	s.SetLastGoodPrimary("https://cdn/seg1.ts", false)
	assert.Equal(t, "https://cdn/seg1.ts", s.LastGoodPrimary())

	// non-forced store keeps the existing value
	s.SetLastGoodPrimary("https://cdn/seg2.ts", false)
	assert.Equal(t, "https://cdn/seg1.ts", s.LastGoodPrimary())

	// forced store replaces it
	s.SetLastGoodPrimary("https://cdn/seg3.ts", true)
	assert.Equal(t, "https://cdn/seg3.ts", s.LastGoodPrimary())
}

func TestProbeSlotMutualExclusion(t *testing.T) {
	s := newTestStore(2, 6).Get("a")

	var mu sync.Mutex
	claimed := 0

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.BeginProbe() {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed, "only one concurrent claim may win")

	s.EndProbe()
	assert.True(t, s.BeginProbe(), "slot reusable after release")
}

func TestStoreLifecycle(t *testing.T) {
	st := newTestStore(2, 6)

	a := st.Get("player-1")
	b := st.Get("player-1")
	assert.Same(t, a, b, "same identity yields the same session")

	c := st.Get("player-2")
	assert.NotSame(t, a, c, "sessions are isolated per identity")

	a.OnPrimaryFailure()
	assert.Equal(t, 1, st.Snapshot("player-1").ConsecutiveFailures)
	assert.Equal(t, 0, st.Snapshot("player-2").ConsecutiveFailures)

	st.Reset("player-1")
	assert.Equal(t, 0, st.Snapshot("player-1").ConsecutiveFailures)

	st.Destroy("player-1")
	st.Destroy("player-1") // idempotent
	assert.Equal(t, 0, st.Snapshot("player-1").ConsecutiveFailures)

	// unknown ids still report the configured threshold
	assert.Equal(t, 2, st.Snapshot("missing").Threshold)
}

func TestSessionReset(t *testing.T) {
	s := newTestStore(2, 6).Get("a")
	s.OnPrimaryFailure()
	s.OnPrimaryFailure()
	s.SetLastGoodPrimary("https://cdn/seg.ts", true)

	s.Reset()
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.False(t, snap.PermanentMode)
	assert.Equal(t, "", s.LastGoodPrimary())
}
