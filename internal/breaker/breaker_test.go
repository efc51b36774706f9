package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedStaysClosedOnSuccess(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, OpenDuration: time.Second})
	now := time.Now()
	ok, _ := b.Allow(now)
	require.True(t, ok)
	b.OnSuccess(now)
	assert.Equal(t, Closed, b.State(now))
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestClosedTripsToOpenAfterNConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, OpenDuration: time.Minute})
	now := time.Now()

	b.OnFailure(now)
	assert.Equal(t, Closed, b.State(now))
	b.OnFailure(now)
	assert.Equal(t, Closed, b.State(now))
	b.OnFailure(now)
	assert.Equal(t, Open, b.State(now))
}

func TestOpenRejectsUntilDurationElapsed(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})
	start := time.Now()
	b.OnFailure(start)
	require.Equal(t, Open, b.State(start))

	ok, info := b.Allow(start.Add(10 * time.Second))
	require.False(t, ok)
	require.NotNil(t, info)
	assert.Equal(t, "test", info.Name)
	assert.Greater(t, info.Remaining, time.Duration(0))
}

func TestOpenTransitionsToHalfOpenAfterDuration(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})
	start := time.Now()
	b.OnFailure(start)

	later := start.Add(31 * time.Second)
	assert.Equal(t, HalfOpen, b.State(later))
}

func TestHalfOpenSuccessClosesAndResetsFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})
	start := time.Now()
	b.OnFailure(start)
	later := start.Add(31 * time.Second)

	ok, _ := b.Allow(later)
	require.True(t, ok)
	b.OnSuccess(later)

	assert.Equal(t, Closed, b.State(later))
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestHalfOpenFailureReopensWithFreshOpenedAt(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})
	start := time.Now()
	b.OnFailure(start)
	later := start.Add(31 * time.Second)

	ok, _ := b.Allow(later)
	require.True(t, ok)
	b.OnFailure(later)

	assert.Equal(t, Open, b.State(later))
	// remaining should be measured from `later`, not `start`.
	assert.InDelta(t, 30*time.Second, b.Remaining(later), float64(time.Second))
}

func TestOnlyOneHalfOpenProbeAdmittedAtATime(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})
	start := time.Now()
	b.OnFailure(start)
	later := start.Add(31 * time.Second)

	ok1, _ := b.Allow(later)
	ok2, info2 := b.Allow(later)

	require.True(t, ok1)
	require.False(t, ok2)
	require.NotNil(t, info2)
}

func TestConcurrentFailuresNeverRaceBelowThreshold(t *testing.T) {
	b := New("race", Config{FailureThreshold: 100, OpenDuration: time.Second})
	now := time.Now()
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			b.OnFailure(now)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	assert.Equal(t, Closed, b.State(now))
	assert.Equal(t, 50, b.ConsecutiveFailures())
}
