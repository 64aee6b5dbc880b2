//go:build linux

package xsk

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// queryMmapOffsets asks the kernel where each ring's producer head,
// consumer head, descriptor array and flags word live inside the ring's
// mmap region.
//
// The answer is versioned by size: kernels before 5.4 return the layout
// without a flags offset, in which case the flags word sits right behind
// the consumer head. Anything else means the option is unknown and the
// kernel cannot drive AF_XDP rings at all.
func queryMmapOffsets(fd int) (XDPMmapOffsets, error) {
	// The union trick from C: request the latest layout, let the
	// reported length tell us which one the kernel actually filled.
	var latest XDPMmapOffsets
	n, err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&latest), sizeofMmapOffsets,
	)
	if err != nil {
		return XDPMmapOffsets{}, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", unsupportedOpt(err))
	}

	switch n {
	case sizeofMmapOffsets:
		return latest, nil
	case sizeofMmapOffsetsV1:
		v1 := *(*xdpMmapOffsetsV1)(unsafe.Pointer(&latest))
		return XDPMmapOffsets{
			Rx: fixupV1(v1.Rx),
			Tx: fixupV1(v1.Tx),
			Fr: fixupV1(v1.Fr),
			Cr: fixupV1(v1.Cr),
		}, nil
	default:
		return XDPMmapOffsets{}, fmt.Errorf(
			"%w: XDP_MMAP_OFFSETS returned %d bytes", ErrUnsupported, n)
	}
}

func fixupV1(v1 xdpRingOffsetsV1) XDPRingOffsets {
	return XDPRingOffsets{
		Producer: v1.Producer,
		Consumer: v1.Consumer,
		Desc:     v1.Desc,
		Flags:    v1.Consumer + uint64(unsafe.Sizeof(uint32(0))),
	}
}
