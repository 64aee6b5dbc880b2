//go:build linux

package xsk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testUmem(t *testing.T, numFrames, frameSize uint32) *Umem {
	t.Helper()
	area, err := AllocBuffer(numFrames, frameSize)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, FreeBuffer(area)) })

	// No kernel registration: session and bounds logic is exercised
	// against ring memory we control.
	return &Umem{area: area, config: UmemConfig{FrameSize: frameSize}}
}

func testDeviceQueue(t *testing.T, umem *Umem, size uint32) (*DeviceQueue, *consRing, *prodRing) {
	t.Helper()
	fill, kernelFill := newFillPair(size)
	compMem, compOff := newTestRingMem(size, sizeofFillAddr)
	comp := &consRing{newRing(compMem, compOff, size)}
	kernelComp := &prodRing{newRing(compMem, compOff, size)}
	return &DeviceQueue{fill: fill, comp: comp, umem: umem}, kernelFill, kernelComp
}

func TestFillWriterCommitPublishesOnlyInserted(t *testing.T) {
	umem := testUmem(t, 64, 2048)
	dq, kernel, _ := testDeviceQueue(t, umem, 8)

	w := dq.Fill(6)
	require.Equal(t, uint32(6), w.Capacity())
	w.Insert(0)
	w.Insert(2048)
	w.Insert(4096)
	w.Commit()
	w.Close() // cancels the remaining three slots

	require.Equal(t, uint32(3), dq.Pending())

	_, n := kernel.peek(8)
	require.Equal(t, uint32(3), n)

	// The rolled-back slots are immediately reusable.
	require.Equal(t, uint32(5), dq.FreeSpace())
}

func TestFillWriterCloseWithoutCommitRollsBack(t *testing.T) {
	umem := testUmem(t, 64, 2048)
	dq, _, _ := testDeviceQueue(t, umem, 8)

	w := dq.Fill(8)
	w.Insert(0)
	w.Insert(2048)
	w.Close()

	require.Zero(t, dq.Pending())
	require.Equal(t, uint32(8), dq.FreeSpace())
}

func TestFillWriterOverInsertPanics(t *testing.T) {
	umem := testUmem(t, 64, 2048)
	dq, _, _ := testDeviceQueue(t, umem, 4)

	w := dq.Fill(2)
	w.Insert(0)
	w.Insert(2048)
	require.Panics(t, func() { w.Insert(4096) })
}

func TestFillWriterOutOfBoundsAddrPanics(t *testing.T) {
	umem := testUmem(t, 4, 2048) // 8 KiB umem
	dq, _, _ := testDeviceQueue(t, umem, 4)

	w := dq.Fill(1)
	require.Panics(t, func() { w.Insert(1 << 20) })
}

func TestCompletionReaderPartialRelease(t *testing.T) {
	umem := testUmem(t, 64, 2048)
	dq, _, kernelComp := testDeviceQueue(t, umem, 8)

	// Kernel reports five completed transmissions.
	idx, n := kernelComp.reserve(5)
	require.Equal(t, uint32(5), n)
	for i := uint32(0); i < n; i++ {
		*kernelComp.fillAddr(idx + BufIdx(i)) = uint64(i) * 2048
	}
	kernelComp.submit(n)

	r := dq.Complete(5)
	require.Equal(t, uint32(5), r.Capacity())
	for i := 0; i < 3; i++ {
		_, ok := r.Read()
		require.True(t, ok)
	}
	r.Release() // consumer head advances by exactly the entries read
	r.Close()   // the two unread entries go back

	require.Equal(t, uint32(2), dq.Available())

	r = dq.Complete(8)
	require.Equal(t, uint32(2), r.Capacity())
	a, ok := r.Read()
	require.True(t, ok)
	require.Equal(t, uint64(3*2048), a)
	r.Release()
	r.Close()
}

func TestTxWriterDescriptorBounds(t *testing.T) {
	umem := testUmem(t, 8, 2048)
	mem, off := newTestRingMem(4, sizeofDesc)
	tx := &TxRing{ring: prodRing{newRing(mem, off, 4)}, umem: umem}

	w := tx.Transmit(2)
	require.Equal(t, uint32(2), w.Capacity())
	w.Insert(XDPDesc{Addr: 2048, Len: 1500})

	// Length runs past the frame end.
	require.Panics(t, func() { w.Insert(XDPDesc{Addr: 2048 + 1024, Len: 2000}) })
}

func TestRxReaderDrainsExhaustedSequence(t *testing.T) {
	kernel, user := newRxPair(8)
	rx := &RxRing{ring: *user}

	idx, n := kernel.reserve(3)
	require.Equal(t, uint32(3), n)
	for i := uint32(0); i < n; i++ {
		*kernel.txDesc(idx + BufIdx(i)) = XDPDesc{Addr: uint64(i) * 2048, Len: 60}
	}
	kernel.submit(n)

	r := rx.Receive(16)
	require.Equal(t, uint32(3), r.Capacity())

	var addrs []uint64
	for {
		d, ok := r.Read()
		if !ok {
			break
		}
		addrs = append(addrs, d.Addr)
	}
	r.Release()
	r.Close()

	require.Equal(t, []uint64{0, 2048, 4096}, addrs)
	require.Zero(t, rx.Available())
}
