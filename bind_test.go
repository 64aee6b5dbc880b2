//go:build linux

package xsk

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBindRegistryExclusiveOwner(t *testing.T) {
	reg := NewBindRegistry()
	key := queueKey{ifindex: 3, queueID: 0, netnsCookie: 1}

	require.NoError(t, reg.acquireOwner(key))

	// Second owner is rejected; the first binding stays usable.
	err := reg.acquireOwner(key)
	require.ErrorIs(t, err, ErrAlreadyBound)
	require.NoError(t, reg.acquireShared(key))

	reg.releaseShared(key)
	reg.releaseOwner(key)

	// Released pairs can be owned again.
	require.NoError(t, reg.acquireOwner(key))
	reg.releaseOwner(key)
}

func TestBindRegistryDistinctQueuesDoNotConflict(t *testing.T) {
	reg := NewBindRegistry()

	require.NoError(t, reg.acquireOwner(queueKey{ifindex: 3, queueID: 0, netnsCookie: 1}))
	require.NoError(t, reg.acquireOwner(queueKey{ifindex: 3, queueID: 1, netnsCookie: 1}))
	require.NoError(t, reg.acquireOwner(queueKey{ifindex: 4, queueID: 0, netnsCookie: 1}))
	// Same pair in another netns is another queue.
	require.NoError(t, reg.acquireOwner(queueKey{ifindex: 3, queueID: 0, netnsCookie: 2}))
}

func TestBindRegistrySharedRequiresOwner(t *testing.T) {
	reg := NewBindRegistry()
	key := queueKey{ifindex: 7, queueID: 2, netnsCookie: 1}

	require.ErrorIs(t, reg.acquireShared(key), ErrNoQueueOwner)

	require.NoError(t, reg.acquireOwner(key))
	require.NoError(t, reg.acquireShared(key))
	require.NoError(t, reg.acquireShared(key))

	// The entry survives as long as any reference does.
	reg.releaseOwner(key)
	require.ErrorIs(t, reg.acquireShared(key), ErrNoQueueOwner)
	reg.releaseShared(key)
	reg.releaseShared(key)

	reg.mu.Lock()
	require.Empty(t, reg.entries)
	reg.mu.Unlock()
}

func TestBindRegistryConcurrentOwnersRace(t *testing.T) {
	reg := NewBindRegistry()
	key := queueKey{ifindex: 1, queueID: 0, netnsCookie: 1}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.acquireOwner(key) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	require.Equal(t, 1, n, "exactly one racer may own the queue")
}

func TestBindSockaddrSharedCarriesOnlySharedFlag(t *testing.T) {
	key := queueKey{ifindex: 2, queueID: 3, netnsCookie: 1}
	mode := uint16(unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP)

	owner := bindSockaddr(key, mode, false, 41)
	require.Equal(t, uint16(unix.AF_XDP), owner.Family)
	require.Equal(t, mode, owner.Flags)
	require.Equal(t, uint32(2), owner.Ifindex)
	require.Equal(t, uint32(3), owner.QueueID)
	require.Zero(t, owner.SharedUmemFD)

	// The kernel rejects mode flags combined with XDP_SHARED_UMEM, so a
	// shared bind carries the shared flag alone even though the caller must
	// repeat the owner's mode flags to satisfy the umem-wide uniformity
	// check.
	shared := bindSockaddr(key, mode, true, 41)
	require.Equal(t, uint16(unix.XDP_SHARED_UMEM), shared.Flags)
	require.Equal(t, uint32(41), shared.SharedUmemFD)
	require.Equal(t, uint32(2), shared.Ifindex)
	require.Equal(t, uint32(3), shared.QueueID)
}

func TestPinBindFlagsConcurrentFirstBinds(t *testing.T) {
	u := &Umem{}

	const racers = 16
	var copies, zerocopies, mismatches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		flags, counter := uint16(unix.XDP_COPY), &copies
		if i%2 == 1 {
			flags, counter = unix.XDP_ZEROCOPY, &zerocopies
		}
		wg.Add(1)
		go func(flags uint16, counter *atomic.Int32) {
			defer wg.Done()
			if _, err := u.pinBindFlags(flags); err != nil {
				if errors.Is(err, ErrBindFlagsMismatch) {
					mismatches.Add(1)
				}
				return
			}
			counter.Add(1)
		}(flags, counter)
	}
	wg.Wait()

	// Exactly one flag value may win the pin, and every racer either
	// matched it or got the mismatch error.
	require.True(t, u.bindFlagsSet)
	require.NotEqual(t, copies.Load() == 0, zerocopies.Load() == 0)
	require.Equal(t, int32(racers), copies.Load()+zerocopies.Load()+mismatches.Load())
	if copies.Load() > 0 {
		require.Equal(t, uint16(unix.XDP_COPY), u.bindFlags)
	} else {
		require.Equal(t, uint16(unix.XDP_ZEROCOPY), u.bindFlags)
	}
}

func TestPinBindFlagsRollbackOnFailedBind(t *testing.T) {
	u := &Umem{}

	unpin, err := u.pinBindFlags(unix.XDP_COPY)
	require.NoError(t, err)
	_, err = u.pinBindFlags(unix.XDP_ZEROCOPY)
	require.ErrorIs(t, err, ErrBindFlagsMismatch)

	// A bind that fails at the kernel releases its pin, so the next first
	// bind chooses the mode freely again.
	unpin()
	_, err = u.pinBindFlags(unix.XDP_ZEROCOPY)
	require.NoError(t, err)
	require.Equal(t, uint16(unix.XDP_ZEROCOPY), u.bindFlags)
}

func TestSocketConfigValidate(t *testing.T) {
	require.ErrorIs(t, (&SocketConfig{}).validate(), ErrNoRings)
	require.ErrorIs(t, (&SocketConfig{RxSize: 100}).validate(), ErrRingSizePow2)
	require.ErrorIs(t, (&SocketConfig{RxSize: 128, TxSize: 100}).validate(), ErrRingSizePow2)
	require.NoError(t, (&SocketConfig{RxSize: 128}).validate())
	require.NoError(t, (&SocketConfig{TxSize: 64}).validate())
	require.NoError(t, (&SocketConfig{RxSize: 128, TxSize: 128}).validate())
}
