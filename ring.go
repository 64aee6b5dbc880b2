//go:build linux

package xsk

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BufIdx is a free-running index into a ring. It is not an offset: the
// ring's mask must be applied to locate the slot. Producer and consumer
// heads wrap silently in 32-bit space, so two indices can only be compared
// through a configured ring.
type BufIdx uint32

// ring mirrors the kernel ring layout over one mmapped region and keeps
// cached copies of the shared heads to reduce atomic traffic.
type ring struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32

	// prod/cons/flags point into the shared mmap; the kernel writes the
	// side it owns. desc is the base of the descriptor array.
	prod  *uint32
	cons  *uint32
	desc  unsafe.Pointer
	flags *uint32

	// mem is the backing mmap, nil for rings built over caller memory in
	// tests. Unmapped on close.
	mem []byte
}

// newRing wires a ring over an existing memory region using the offsets
// reported by the kernel. size must be a power of two.
func newRing(region []byte, off XDPRingOffsets, size uint32) ring {
	base := unsafe.Pointer(&region[0])
	r := ring{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		desc:  unsafe.Add(base, off.Desc),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	return r
}

// mapRing mmaps one ring of the socket at the given page offset and wires
// the shared heads. The whole ring (heads, flags, descriptor array) lives
// in a single region of off.Desc + size*entrySize bytes.
func mapRing(fd int, off XDPRingOffsets, size uint32, entrySize uint64, pgoff int64) (ring, error) {
	length := int(off.Desc + uint64(size)*entrySize)
	region, err := unix.Mmap(fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
	)
	if err != nil {
		return ring{}, fmt.Errorf("mmap ring: %w", wrapOS(err))
	}
	r := newRing(region, off, size)
	r.mem = region
	return r, nil
}

func (r *ring) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// checkFlags returns the kernel-maintained ring flags word
// (XDP_RING_NEED_WAKEUP and friends).
func (r *ring) checkFlags() uint32 {
	return atomic.LoadUint32(r.flags)
}

// capacity is the fixed slot count, reported by the kernel at mapping time.
func (r *ring) capacity() uint32 { return r.size }

/*---- Producer side (fill, tx) ----*/

type prodRing struct{ ring }

func (q *prodRing) fillAddr(idx BufIdx) *uint64 {
	return (*uint64)(unsafe.Add(q.desc, uintptr(uint32(idx)&q.mask)*uintptr(sizeofFillAddr)))
}

func (q *prodRing) txDesc(idx BufIdx) *XDPDesc {
	return (*XDPDesc)(unsafe.Add(q.desc, uintptr(uint32(idx)&q.mask)*uintptr(sizeofDesc)))
}

// countFree returns the number of free slots, refreshing the cached
// consumer head only when the cache cannot satisfy nb. The +size keeps the
// cached consumer logically ahead of the producer in wrapping space.
func (q *prodRing) countFree(nb uint32) uint32 {
	free := q.cachedCons - q.cachedProd
	if free >= nb {
		return free
	}
	q.cachedCons = atomic.LoadUint32(q.cons) + q.size
	return q.cachedCons - q.cachedProd
}

// reserve grants up to nb slots and returns the base index of the grant.
// The grant is clamped to the free space; the caller reads the actual count
// from the return value.
func (q *prodRing) reserve(nb uint32) (BufIdx, uint32) {
	n := min(q.countFree(nb), nb)
	if n == 0 {
		return 0, 0
	}
	idx := BufIdx(q.cachedProd)
	q.cachedProd += n
	return idx, n
}

// cancel rolls back the tail of a previous reserve.
func (q *prodRing) cancel(nb uint32) {
	q.cachedProd -= nb
}

// submit publishes nb written slots to the kernel. The store to the
// producer head is the release edge: the kernel must observe the
// descriptor writes no later than the head update.
func (q *prodRing) submit(nb uint32) {
	cur := atomic.LoadUint32(q.prod)
	atomic.StoreUint32(q.prod, cur+nb)
}

// pending is the number of submitted entries the kernel has not consumed.
func (q *prodRing) pending() uint32 {
	return atomic.LoadUint32(q.prod) - atomic.LoadUint32(q.cons)
}

// freeSpace is the capacity minus pending, i.e. how many entries can still
// be produced without overrunning the consumer.
func (q *prodRing) freeSpace() uint32 {
	return q.countFree(q.size)
}

/*---- Consumer side (rx, completion) ----*/

type consRing struct{ ring }

func (q *consRing) compAddr(idx BufIdx) *uint64 {
	return (*uint64)(unsafe.Add(q.desc, uintptr(uint32(idx)&q.mask)*uintptr(sizeofFillAddr)))
}

func (q *consRing) rxDesc(idx BufIdx) *XDPDesc {
	return (*XDPDesc)(unsafe.Add(q.desc, uintptr(uint32(idx)&q.mask)*uintptr(sizeofDesc)))
}

// countAvailable returns min(nb, entries ready to consume), refreshing the
// cached producer head only when the cache runs dry. The atomic load pairs
// with the kernel's release store of the head: descriptor contents are
// visible before the head moves.
func (q *consRing) countAvailable(nb uint32) uint32 {
	avail := q.cachedProd - q.cachedCons
	if avail == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		avail = q.cachedProd - q.cachedCons
	}
	return min(avail, nb)
}

// peek grants up to nb readable entries starting at the returned index.
func (q *consRing) peek(nb uint32) (BufIdx, uint32) {
	n := q.countAvailable(nb)
	if n == 0 {
		return 0, 0
	}
	idx := BufIdx(q.cachedCons)
	q.cachedCons += n
	return idx, n
}

// cancel rolls back the tail of a previous peek.
func (q *consRing) cancel(nb uint32) {
	q.cachedCons -= nb
}

// release returns nb consumed slots to the kernel. The store to the
// consumer head is the release edge: our reads from the descriptors happen
// before the kernel reuses the slots.
func (q *consRing) release(nb uint32) {
	cur := atomic.LoadUint32(q.cons)
	atomic.StoreUint32(q.cons, cur+nb)
}

// available is the number of kernel-produced entries not yet released.
func (q *consRing) available() uint32 {
	return atomic.LoadUint32(q.prod) - atomic.LoadUint32(q.cons)
}
