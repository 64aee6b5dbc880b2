//go:build linux

package xsk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// End-to-end over a simulated kernel: a 4 MiB umem of 2048-byte frames,
// fill and rx rings of 256 slots. The "kernel" side drains the fill ring
// and delivers each address back on the rx ring, the way a NIC queue
// would after receiving packets into the supplied frames.
func TestLoopbackFillToReceive(t *testing.T) {
	const (
		frameSize = 2048
		numFrames = 2048 // 4 MiB total
		ringSize  = 256
	)

	umem := testUmem(t, numFrames, frameSize)
	require.Equal(t, uint64(4*1024*1024), umem.Len())

	fillUser, fillKernel := newFillPair(ringSize)
	rxKernel, rxUser := newRxPair(ringSize)

	dq := &DeviceQueue{fill: fillUser, umem: umem}
	rx := &RxRing{ring: *rxUser, umem: umem}

	// Produce 256 fill descriptors with addresses 0, 2048, 4096, ...
	w := dq.Fill(ringSize)
	require.Equal(t, uint32(ringSize), w.Capacity())
	for i := uint64(0); i < ringSize; i++ {
		w.Insert(i * frameSize)
	}
	w.Commit()
	w.Close()
	require.Equal(t, uint32(ringSize), dq.Pending())

	// Simulated delivery: the kernel consumes fill entries and produces
	// rx descriptors for the same addresses, FIFO.
	fidx, fn := fillKernel.peek(ringSize)
	require.Equal(t, uint32(ringSize), fn)
	ridx, rn := rxKernel.reserve(fn)
	require.Equal(t, fn, rn)
	for i := uint32(0); i < fn; i++ {
		addr := *fillKernel.compAddr(fidx + BufIdx(i))
		*rxKernel.txDesc(ridx + BufIdx(i)) = XDPDesc{Addr: addr, Len: 60}
	}
	fillKernel.release(fn)
	rxKernel.submit(rn)

	require.Zero(t, dq.Pending())
	require.Equal(t, uint32(ringSize), rx.Available())

	// Drain the rx ring and check every descriptor against the umem.
	consBefore := rx.ring.cachedCons
	r := rx.Receive(ringSize)
	require.LessOrEqual(t, r.Capacity(), uint32(ringSize))

	var drained uint32
	var prev uint64
	for {
		d, ok := r.Read()
		if !ok {
			break
		}
		require.Less(t, d.Addr, uint64(4*1024*1024))
		require.Zero(t, d.Addr%frameSize)
		if drained > 0 {
			require.Equal(t, prev+frameSize, d.Addr, "FIFO order of addresses")
		}
		prev = d.Addr

		pkt, err := rx.Bytes(d)
		require.NoError(t, err)
		require.Len(t, pkt, 60)

		drained++
	}
	r.Release()
	r.Close()

	// The consumer head advanced by exactly the number drained.
	require.Equal(t, consBefore+drained, rx.ring.cachedCons)
	require.Equal(t, uint32(ringSize), drained)
	require.Zero(t, rx.Available())
}

// Transmit path loopback: descriptors written to tx come back as
// completions carrying the same addresses.
func TestLoopbackTransmitToCompletion(t *testing.T) {
	const ringSize = 64
	umem := testUmem(t, 64, 2048)

	txMem, txOff := newTestRingMem(ringSize, sizeofDesc)
	tx := &TxRing{ring: prodRing{newRing(txMem, txOff, ringSize)}, umem: umem}
	txKernel := &consRing{newRing(txMem, txOff, ringSize)}

	compMem, compOff := newTestRingMem(ringSize, sizeofFillAddr)
	dq := &DeviceQueue{comp: &consRing{newRing(compMem, compOff, ringSize)}, umem: umem}
	compKernel := &prodRing{newRing(compMem, compOff, ringSize)}

	w := tx.Transmit(32)
	require.Equal(t, uint32(32), w.Capacity())
	for i := uint64(0); i < 32; i++ {
		w.Insert(XDPDesc{Addr: i * 2048, Len: 128})
	}
	w.Commit()
	w.Close()
	require.Equal(t, uint32(32), tx.Pending())

	// Kernel transmits and completes.
	tidx, tn := txKernel.peek(ringSize)
	require.Equal(t, uint32(32), tn)
	cidx, cn := compKernel.reserve(tn)
	require.Equal(t, tn, cn)
	for i := uint32(0); i < tn; i++ {
		*compKernel.fillAddr(cidx+BufIdx(i)) = txKernel.rxDesc(tidx + BufIdx(i)).Addr
	}
	txKernel.release(tn)
	compKernel.submit(cn)

	require.Zero(t, tx.Pending())
	require.Equal(t, uint32(32), dq.Available())

	r := dq.Complete(ringSize)
	var addrs []uint64
	for {
		a, ok := r.Read()
		if !ok {
			break
		}
		addrs = append(addrs, a)
	}
	r.Release()
	r.Close()

	require.Len(t, addrs, 32)
	for i, a := range addrs {
		require.Equal(t, uint64(i)*2048, a)
	}
}
