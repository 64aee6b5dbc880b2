//go:build linux

package xsk

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

/*---- Kernel structs ----*/

// All structs in this file are defined in linux/if_xdp.h and must match the
// kernel layout byte-for-byte. Implicit padding would be sent to the kernel
// as if it were field values, which manifests as spurious EINVAL.
// See https://elixir.bootlin.com/linux/v6.8/source/include/uapi/linux/if_xdp.h

// XDPDesc is an RX/TX ring descriptor (struct xdp_desc).
type XDPDesc struct {
	// Addr is the umem offset of the packet data.
	Addr uint64
	// Len is the logical length of the packet in the frame.
	Len uint32
	// Options is a bitfield of descriptor options.
	Options uint32
}

// XDPUmemReg is the argument to setsockopt(SOL_XDP, XDP_UMEM_REG)
// (struct xdp_umem_reg). The struct size selects the kernel interpretation
// of the option; TxMetadataLen is ignored by pre-6.8 kernels because they
// only read the shorter prefix.
type XDPUmemReg struct {
	Addr          uint64
	Len           uint64
	ChunkSize     uint32
	Headroom      uint32
	Flags         uint32
	TxMetadataLen uint32
}

// XDPRingOffsets locates one ring inside its mmap region
// (struct xdp_ring_offset).
type XDPRingOffsets struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// XDPMmapOffsets is the result of the XDP_MMAP_OFFSETS query for all four
// rings of a socket (struct xdp_mmap_offsets, kernel >= 5.4).
type XDPMmapOffsets struct {
	Rx XDPRingOffsets
	Tx XDPRingOffsets
	// Fr locates the fill ring.
	Fr XDPRingOffsets
	// Cr locates the completion ring.
	Cr XDPRingOffsets
}

// Pre-5.4 variant without the flags offset.
type xdpRingOffsetsV1 struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
}

type xdpMmapOffsetsV1 struct {
	Rx xdpRingOffsetsV1
	Tx xdpRingOffsetsV1
	Fr xdpRingOffsetsV1
	Cr xdpRingOffsetsV1
}

// SockaddrXDP is the bind target of an AF_XDP socket (struct sockaddr_xdp).
type SockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// XDPStatisticsV2 holds the XDP_STATISTICS counters as of kernel 5.9
// (struct xdp_statistics). Kernels 5.8 and older only fill the first three.
type XDPStatisticsV2 struct {
	RxDropped            uint64
	RxInvalidDescs       uint64
	TxInvalidDescs       uint64
	RxRingFull           uint64
	RxFillRingEmptyDescs uint64
	TxRingEmptyDescs     uint64
}

// XDPOptions is the result of the XDP_OPTIONS query (struct xdp_options).
type XDPOptions struct {
	Flags uint32
}

// ZeroCopy reports whether the socket ended up in zero-copy mode.
func (o XDPOptions) ZeroCopy() bool {
	return o.Flags&unix.XDP_OPTIONS_ZEROCOPY != 0
}

// Compile-time layout checks. A mismatch means a field was added or
// reordered in a way that introduces padding.
var (
	_ [16]byte  = [unsafe.Sizeof(XDPDesc{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(XDPUmemReg{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(SockaddrXDP{})]byte{}
	_ [128]byte = [unsafe.Sizeof(XDPMmapOffsets{})]byte{}
	_ [96]byte  = [unsafe.Sizeof(xdpMmapOffsetsV1{})]byte{}
	_ [48]byte  = [unsafe.Sizeof(XDPStatisticsV2{})]byte{}
	_ [4]byte   = [unsafe.Sizeof(XDPOptions{})]byte{}
)

const (
	sizeofUmemReg       = uint32(unsafe.Sizeof(XDPUmemReg{}))
	sizeofMmapOffsets   = uint32(unsafe.Sizeof(XDPMmapOffsets{}))
	sizeofMmapOffsetsV1 = uint32(unsafe.Sizeof(xdpMmapOffsetsV1{}))
	sizeofStatisticsV1  = uint32(3 * 8)
	sizeofStatisticsV2  = uint32(unsafe.Sizeof(XDPStatisticsV2{}))
	sizeofOptions       = uint32(unsafe.Sizeof(XDPOptions{}))
	sizeofDesc          = uint64(unsafe.Sizeof(XDPDesc{}))
	sizeofFillAddr      = uint64(unsafe.Sizeof(uint64(0)))
)

/*---- Raw socket option plumbing ----*/

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return errnoErr(e)
	}
	return nil
}

func setsockoptUint32(fd, level, name int, val uint32) error {
	return setsockopt(fd, level, name, unsafe.Pointer(&val), unsafe.Sizeof(val))
}

// getsockopt performs a raw getsockopt and returns the kernel-updated
// option length, which versioned queries use to negotiate struct sizes.
func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uint32) (uint32, error) {
	l := vallen // socklen_t, updated by the kernel
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return 0, errnoErr(e)
	}
	return l, nil
}
