//go:build linux

package xsk

import (
	"fmt"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel lower bound for the chunk size (XDP_UMEM_MIN_CHUNK_SIZE).
const minFrameSize = 2048

// UmemConfig controls umem registration and the fill/completion rings.
type UmemConfig struct {
	// FillSize is the number of entries in the fill ring.
	FillSize uint32
	// CompleteSize is the number of entries in the completion ring.
	CompleteSize uint32
	// FrameSize is the chunk size the umem is divided into, a power of two
	// including any headroom.
	FrameSize uint32
	// Headroom is reserved at the start of each frame.
	Headroom uint32
	// Flags are XDP_UMEM_* registration flags.
	Flags uint32
	// Registry coordinates fill/completion ownership per (interface,
	// queue). Nil creates a registry private to this umem; share one
	// across umems for process-wide exclusivity.
	Registry *BindRegistry
}

const (
	DefaultFillSize     = 1 << 11
	DefaultCompleteSize = 1 << 11
	DefaultFrameSize    = 1 << 12
)

func (c *UmemConfig) applyDefaults() {
	if c.FillSize == 0 {
		c.FillSize = DefaultFillSize
	}
	if c.CompleteSize == 0 {
		c.CompleteSize = DefaultCompleteSize
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
}

func (c *UmemConfig) validate(area []byte) error {
	if bits.OnesCount32(c.FrameSize) != 1 {
		return ErrFrameSizePow2
	}
	if c.FrameSize < minFrameSize {
		return fmt.Errorf("%w: %d < %d", ErrFrameSizeTooSmall, c.FrameSize, minFrameSize)
	}
	if len(area) == 0 || len(area)%int(c.FrameSize) != 0 {
		return fmt.Errorf("%w: len %d, frame size %d", ErrLenNotMultiple, len(area), c.FrameSize)
	}
	if uintptr(unsafe.Pointer(&area[0]))&uintptr(os.Getpagesize()-1) != 0 {
		return ErrAreaNotAligned
	}
	if bits.OnesCount32(c.FillSize) != 1 || bits.OnesCount32(c.CompleteSize) != 1 {
		return ErrRingSizePow2
	}
	return nil
}

// Umem is a caller-supplied memory region registered with the kernel as the
// shared packet buffer pool. The region is read-only-shared across all
// sockets referencing it; the umem is released only when the last
// referencing socket or device queue is closed.
type Umem struct {
	area   []byte
	config UmemConfig
	fd     *socketFD

	devices *BindRegistry

	// bindFlags records the flags of the first bind; every later bind for
	// sockets sharing this umem must match. bindMu guards the check-and-set,
	// since first binds for different queues may run concurrently.
	bindMu       sync.Mutex
	bindFlagsSet bool
	bindFlags    uint16
}

// NewUmem registers area as the shared packet buffer pool. The area must be
// page aligned and stay alive until the umem and all dependent sockets are
// closed; AllocBuffer provides a suitable mapping.
//
// Configuration faults are reported before any syscall; OS rejections
// (EINVAL, EPERM, ENOMEM) are surfaced, never retried.
func NewUmem(area []byte, config UmemConfig) (*Umem, error) {
	config.applyDefaults()
	if err := config.validate(area); err != nil {
		return nil, err
	}

	fd, err := newSocketFD()
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	u := &Umem{
		area:    area,
		config:  config,
		fd:      fd,
		devices: config.Registry,
	}
	if u.devices == nil {
		u.devices = NewBindRegistry()
	}

	reg := XDPUmemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&area[0]))),
		Len:       uint64(len(area)),
		ChunkSize: config.FrameSize,
		Headroom:  config.Headroom,
		Flags:     config.Flags,
	}
	if err := setsockopt(
		u.fd.raw, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		_ = fd.release()
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	return u, nil
}

// FrameCount is the number of frames the registered area divides into.
func (u *Umem) FrameCount() uint32 {
	return uint32(len(u.area) / int(u.config.FrameSize))
}

// FrameSize is the configured chunk size.
func (u *Umem) FrameSize() uint32 { return u.config.FrameSize }

// Len is the registered region length in bytes.
func (u *Umem) Len() uint64 { return uint64(len(u.area)) }

// FD is the socket file descriptor carrying the umem registration.
func (u *Umem) FD() int { return u.fd.raw }

// Frame is one chunk of the umem, addressable on the rings by Addr.
type Frame struct {
	// Addr is the umem offset of the frame start.
	Addr uint64
	// Data is the frame memory, shared with the kernel.
	Data []byte
}

// Frame returns the idx-th chunk for direct packet preparation or
// inspection. Fails with a configuration error when idx is out of range.
func (u *Umem) Frame(idx BufIdx) (Frame, error) {
	if uint32(idx) >= u.FrameCount() {
		return Frame{}, fmt.Errorf("%w: frame %d of %d", ErrConfig, idx, u.FrameCount())
	}
	start := uint64(idx) * uint64(u.config.FrameSize)
	return Frame{
		Addr: start,
		Data: u.area[start : start+uint64(u.config.FrameSize)],
	}, nil
}

// Bytes resolves a received descriptor to its packet bytes after bounds
// validation, so no unchecked offset crosses the public boundary.
func (u *Umem) Bytes(desc XDPDesc) ([]byte, error) {
	if err := u.containsDesc(desc); err != nil {
		return nil, err
	}
	return u.area[desc.Addr : desc.Addr+uint64(desc.Len)], nil
}

func (u *Umem) contains(addr uint64) error {
	if addr >= uint64(len(u.area)) {
		return fmt.Errorf("%w: address %#x outside umem of %d bytes", ErrConfig, addr, len(u.area))
	}
	return nil
}

func (u *Umem) containsDesc(d XDPDesc) error {
	if err := u.contains(d.Addr); err != nil {
		return err
	}
	fs := uint64(u.config.FrameSize)
	if d.Addr%fs+uint64(d.Len) > fs {
		return fmt.Errorf("%w: descriptor %#x+%d crosses frame boundary", ErrConfig, d.Addr, d.Len)
	}
	return nil
}

// mustContain guards ring producer paths; an invalid address there is a
// caller programming defect, not a runtime fault.
func (u *Umem) mustContain(addr uint64) {
	if err := u.contains(addr); err != nil {
		panic("xsk: " + err.Error())
	}
}

func (u *Umem) mustContainDesc(d XDPDesc) {
	if err := u.containsDesc(d); err != nil {
		panic("xsk: " + err.Error())
	}
}

// Close drops the umem's reference to the underlying socket. The kernel
// registration disappears when the last socket or device queue sharing the
// descriptor is closed. The caller owns the memory area itself.
func (u *Umem) Close() error {
	if u.fd == nil {
		return nil
	}
	err := u.fd.release()
	u.fd = nil
	return err
}

/*---- Refcounted socket FD ----*/

// socketFD is the raw AF_XDP handle, reference-counted because a umem and
// any number of sockets and device queues may share it.
type socketFD struct {
	raw  int
	refs atomic.Int32
}

func newSocketFD() (*socketFD, error) {
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, wrapOS(err)
	}
	s := &socketFD{raw: fd}
	s.refs.Store(1)
	return s, nil
}

func (s *socketFD) retain() *socketFD {
	s.refs.Add(1)
	return s
}

func (s *socketFD) release() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	if err := unix.Close(s.raw); err != nil {
		return fmt.Errorf("closing fd: %w", wrapOS(err))
	}
	return nil
}

/*---- Umem memory helper ----*/

// AllocBuffer maps an anonymous page-aligned region suitable as a umem
// area. Release it with FreeBuffer after the umem is closed.
func AllocBuffer(numFrames, frameSize uint32) ([]byte, error) {
	if numFrames == 0 || frameSize == 0 {
		return nil, fmt.Errorf("%w: zero umem dimensions", ErrConfig)
	}
	b, err := unix.Mmap(-1, 0, int(numFrames)*int(frameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap umem: %w", wrapOS(err))
	}
	return b, nil
}

// FreeBuffer unmaps a region returned by AllocBuffer.
func FreeBuffer(b []byte) error {
	if b == nil {
		return nil
	}
	return wrapOS(unix.Munmap(b))
}
