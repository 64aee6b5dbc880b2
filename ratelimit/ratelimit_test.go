package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledLimiter(t *testing.T) {
	l := New(0)
	require.Nil(t, l)

	// Take on the nil limiter is a no-op, not a crash.
	start := time.Now()
	l.Take(1 << 20)
	require.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestTakePacesToTargetRate(t *testing.T) {
	const pps = 100_000
	l := New(pps)

	// 3000 packets at 100k pps should spread over ~30ms.
	start := time.Now()
	for i := 0; i < 3000; i++ {
		l.Take(1)
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestTakePacesWithNonDividingBatches(t *testing.T) {
	const pps = 100_000
	l := New(pps) // checkEvery 1000

	// Batch sizes that never land on a multiple of checkEvery must still
	// trigger the periodic clock check, so ~3000 packets spread over ~30ms.
	start := time.Now()
	for taken := uint64(0); taken < 3000; taken += 33 {
		l.Take(33)
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestTakeDoesNotBurstAfterFallingBehind(t *testing.T) {
	l := New(1_000_000)

	// Fall well behind schedule, then take a batch: no sleep is due, and
	// no compensation burst accounting blocks future takes either.
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 32; i++ {
		l.Take(32)
	}
	require.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestCheckEveryClamp(t *testing.T) {
	require.Equal(t, uint64(32), New(1).checkEvery)
	require.Equal(t, uint64(1024), New(1_000_000).checkEvery)
	require.Equal(t, uint64(500), New(50_000).checkEvery)
}
