package retry_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-swr/retry"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := retry.NewBackoff(50*time.Millisecond, false)
	require.Equal(t, 50*time.Millisecond, b.Delay(0))
	require.Equal(t, 50*time.Millisecond, b.Delay(1))
	require.Equal(t, 100*time.Millisecond, b.Delay(2))
	require.Equal(t, 200*time.Millisecond, b.Delay(3))
	// Capped at interval * 256.
	require.Equal(t, 50*time.Millisecond*256, b.Delay(20))

	jittered := retry.NewBackoff(50*time.Millisecond, true)
	for attempt := 1; attempt < 5; attempt++ {
		d := jittered.Delay(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, b.Delay(attempt))
	}

	require.Zero(t, retry.NewBackoff(0, true).Delay(3))
}

func TestPolicyExhausted(t *testing.T) {
	p := retry.Policy{MaxRetries: 1}
	require.False(t, p.Exhausted(1))
	require.True(t, p.Exhausted(2))
	require.Zero(t, p.Delay(1))

	p = retry.Policy{MaxRetries: 0}
	require.True(t, p.Exhausted(1))

	p = retry.Policy{MaxRetries: -1, Backoff: retry.NewBackoff(time.Second, false)}
	require.False(t, p.Exhausted(1000))
	require.Equal(t, 2*time.Second, p.Delay(2))
}

func TestScheduleDropsSuperseded(t *testing.T) {
	mock := clock.NewMock()
	var seq atomic.Uint64
	seq.Store(3)
	current := func() uint64 { return seq.Load() }

	var ran atomic.Int32
	retry.Schedule(mock.AfterFunc, time.Second, 3, current, func() { ran.Add(1) })
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)

	retry.Schedule(mock.AfterFunc, time.Second, 3, current, func() { ran.Add(1) })
	seq.Store(4)
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), ran.Load())

	tmr := retry.Schedule(mock.AfterFunc, time.Second, 4, current, func() { ran.Add(1) })
	require.True(t, tmr.Stop())
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), ran.Load())
}
