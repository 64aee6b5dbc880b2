//go:build linux

package xsk

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StatsVersion selects how much of the growing xdp_statistics struct to
// request. The kernel fills min(requested, known) bytes and ignores the
// rest, so requesting V2 from an old kernel is safe.
type StatsVersion int

const (
	// StatsV1 requests the counters present since AF_XDP's introduction.
	StatsV1 StatsVersion = iota + 1
	// StatsV2 additionally requests the ring-pressure counters added in
	// kernel 5.9.
	StatsV2
)

func (v StatsVersion) size() (uint32, error) {
	switch v {
	case StatsV1:
		return sizeofStatisticsV1, nil
	case StatsV2:
		return sizeofStatisticsV2, nil
	default:
		return 0, fmt.Errorf("%w: statistics version %d", ErrConfig, v)
	}
}

// Statistics is a versioned snapshot of the kernel's per-socket counters.
// Fields beyond the negotiated size are zero, never uninitialized; gate
// access on the Has* methods instead of assuming presence.
type Statistics struct {
	// Dropped for reasons other than an invalid descriptor.
	RxDropped uint64
	// Descriptors user space supplied that failed validation.
	RxInvalidDescs uint64
	TxInvalidDescs uint64

	// Kernel 5.9+ (StatsV2 and a new enough kernel):
	RxRingFull           uint64
	RxFillRingEmptyDescs uint64
	TxRingEmptyDescs     uint64

	// size is the byte count the kernel actually filled.
	size uint32
}

// HasRingPressure reports whether the V2 ring-pressure counters were
// filled by the kernel.
func (s Statistics) HasRingPressure() bool { return s.size >= sizeofStatisticsV2 }

// Size is the negotiated byte count, min(requested, kernel struct size).
func (s Statistics) Size() uint32 { return s.size }

// statisticsFromRaw gates the raw counters by the negotiated size. raw must
// have been zero-initialized before the kernel call, so fields the kernel
// did not reach read as zero; the explicit clearing below keeps that
// guarantee even for a partially covered trailing field.
func statisticsFromRaw(raw XDPStatisticsV2, n uint32) Statistics {
	fields := [...]*uint64{
		&raw.RxDropped, &raw.RxInvalidDescs, &raw.TxInvalidDescs,
		&raw.RxRingFull, &raw.RxFillRingEmptyDescs, &raw.TxRingEmptyDescs,
	}
	for i, f := range fields {
		if uint32(i+1)*8 > n {
			*f = 0
		}
	}
	return Statistics{
		RxDropped:            raw.RxDropped,
		RxInvalidDescs:       raw.RxInvalidDescs,
		TxInvalidDescs:       raw.TxInvalidDescs,
		RxRingFull:           raw.RxRingFull,
		RxFillRingEmptyDescs: raw.RxFillRingEmptyDescs,
		TxRingEmptyDescs:     raw.TxRingEmptyDescs,
		size:                 n,
	}
}

// Statistics queries the socket's counters at the requested version.
func (s *Socket) Statistics(v StatsVersion) (Statistics, error) {
	want, err := v.size()
	if err != nil {
		return Statistics{}, err
	}
	var raw XDPStatisticsV2 // zeroed; untouched tail must stay zero
	n, err := getsockopt(
		s.fd.raw, unix.SOL_XDP, unix.XDP_STATISTICS,
		unsafe.Pointer(&raw), want,
	)
	if err != nil {
		return Statistics{}, fmt.Errorf("getsockopt XDP_STATISTICS: %w", unsupportedOpt(err))
	}
	return statisticsFromRaw(raw, min(n, want)), nil
}

// Options queries the general XDP_OPTIONS word, e.g. to learn whether the
// bind ended up zero-copy. Kernels before 5.3 lack the option.
func (s *Socket) Options() (XDPOptions, error) {
	var opts XDPOptions
	n, err := getsockopt(
		s.fd.raw, unix.SOL_XDP, unix.XDP_OPTIONS,
		unsafe.Pointer(&opts), sizeofOptions,
	)
	if err != nil {
		return XDPOptions{}, fmt.Errorf("getsockopt XDP_OPTIONS: %w", unsupportedOpt(err))
	}
	if n < sizeofOptions {
		return XDPOptions{}, fmt.Errorf("%w: XDP_OPTIONS returned %d bytes", ErrUnsupported, n)
	}
	return opts, nil
}
