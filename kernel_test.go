//go:build linux

package xsk

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// The kernel reads these structs byte-for-byte, so every byte must belong
// to a field: no implicit padding anywhere.
func TestKernelStructsHaveNoPadding(t *testing.T) {
	require.Equal(t, uintptr(32), unsafe.Sizeof(XDPUmemReg{}))
	sum := unsafe.Sizeof(XDPUmemReg{}.Addr) +
		unsafe.Sizeof(XDPUmemReg{}.Len) +
		unsafe.Sizeof(XDPUmemReg{}.ChunkSize) +
		unsafe.Sizeof(XDPUmemReg{}.Headroom) +
		unsafe.Sizeof(XDPUmemReg{}.Flags) +
		unsafe.Sizeof(XDPUmemReg{}.TxMetadataLen)
	require.Equal(t, unsafe.Sizeof(XDPUmemReg{}), sum)

	require.Equal(t, uintptr(16), unsafe.Sizeof(XDPDesc{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(SockaddrXDP{}))
	sum = unsafe.Sizeof(SockaddrXDP{}.Family) +
		unsafe.Sizeof(SockaddrXDP{}.Flags) +
		unsafe.Sizeof(SockaddrXDP{}.Ifindex) +
		unsafe.Sizeof(SockaddrXDP{}.QueueID) +
		unsafe.Sizeof(SockaddrXDP{}.SharedUmemFD)
	require.Equal(t, unsafe.Sizeof(SockaddrXDP{}), sum)

	require.Equal(t, uintptr(48), unsafe.Sizeof(XDPStatisticsV2{}))
	require.Equal(t, uintptr(128), unsafe.Sizeof(XDPMmapOffsets{}))
	require.Equal(t, uintptr(96), unsafe.Sizeof(xdpMmapOffsetsV1{}))
}

func TestKernelStructFieldOffsets(t *testing.T) {
	var reg XDPUmemReg
	require.Equal(t, uintptr(0), unsafe.Offsetof(reg.Addr))
	require.Equal(t, uintptr(8), unsafe.Offsetof(reg.Len))
	require.Equal(t, uintptr(16), unsafe.Offsetof(reg.ChunkSize))
	require.Equal(t, uintptr(20), unsafe.Offsetof(reg.Headroom))
	require.Equal(t, uintptr(24), unsafe.Offsetof(reg.Flags))
	require.Equal(t, uintptr(28), unsafe.Offsetof(reg.TxMetadataLen))

	var d XDPDesc
	require.Equal(t, uintptr(0), unsafe.Offsetof(d.Addr))
	require.Equal(t, uintptr(8), unsafe.Offsetof(d.Len))
	require.Equal(t, uintptr(12), unsafe.Offsetof(d.Options))

	var sa SockaddrXDP
	require.Equal(t, uintptr(0), unsafe.Offsetof(sa.Family))
	require.Equal(t, uintptr(2), unsafe.Offsetof(sa.Flags))
	require.Equal(t, uintptr(4), unsafe.Offsetof(sa.Ifindex))
	require.Equal(t, uintptr(8), unsafe.Offsetof(sa.QueueID))
	require.Equal(t, uintptr(12), unsafe.Offsetof(sa.SharedUmemFD))
}

// Every byte of the serialized registration struct must be explicitly
// assigned: a zero-value struct serializes to all-zero bytes.
func TestUmemRegZeroValueSerializesToZeroBytes(t *testing.T) {
	var reg XDPUmemReg
	raw := (*[unsafe.Sizeof(XDPUmemReg{})]byte)(unsafe.Pointer(&reg))
	for i, b := range raw {
		require.Zerof(t, b, "byte %d", i)
	}

	reg = XDPUmemReg{
		Addr: ^uint64(0), Len: ^uint64(0),
		ChunkSize: ^uint32(0), Headroom: ^uint32(0),
		Flags: ^uint32(0), TxMetadataLen: ^uint32(0),
	}
	for i, b := range raw {
		require.Equalf(t, byte(0xff), b, "byte %d", i)
	}
}

func TestMmapOffsetsV1Fixup(t *testing.T) {
	got := fixupV1(xdpRingOffsetsV1{Producer: 0, Consumer: 64, Desc: 128})
	require.Equal(t, XDPRingOffsets{
		Producer: 0,
		Consumer: 64,
		Desc:     128,
		// Pre-5.4 kernels place the flags word right after the consumer.
		Flags: 68,
	}, got)
}
