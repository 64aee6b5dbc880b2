//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Cookie reported for the initial network namespace when the kernel lacks
// SO_NETNS_COOKIE.
const initNetnsCookie = 1

// Socket is a raw AF_XDP handle tied to one (interface, queue) pair. It
// carries no rings of its own; rings are created through the umem it is
// registered against.
type Socket struct {
	fd   *socketFD
	info IfInfo

	// netnsCookie disambiguates equal ifindexes across network
	// namespaces in the bind registry key.
	netnsCookie uint64
}

// NewSocket opens a fresh AF_XDP socket for the given interface queue.
// Use NewSocketShared to reuse a umem's descriptor instead.
func NewSocket(info IfInfo) (*Socket, error) {
	fd, err := newSocketFD()
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	return withSocketFD(info, fd)
}

// NewSocketShared wraps the umem's own file descriptor as a socket, so the
// umem registration, fill/completion rings and rx/tx rings all live on one
// descriptor. This is the usual single-queue setup.
func NewSocketShared(info IfInfo, umem *Umem) (*Socket, error) {
	return withSocketFD(info, umem.fd.retain())
}

func withSocketFD(info IfInfo, fd *socketFD) (*Socket, error) {
	cookie, err := netnsCookie(fd.raw)
	if err != nil {
		_ = fd.release()
		return nil, fmt.Errorf("querying netns cookie: %w", err)
	}
	return &Socket{fd: fd, info: info, netnsCookie: cookie}, nil
}

func netnsCookie(fd int) (uint64, error) {
	var cookie uint64
	_, err := getsockopt(
		fd, unix.SOL_SOCKET, unix.SO_NETNS_COOKIE,
		unsafe.Pointer(&cookie), uint32(unsafe.Sizeof(cookie)),
	)
	if err == nil {
		return cookie, nil
	}
	var e Errno
	if errors.As(err, &e) && e.Code == unix.ENOPROTOOPT {
		// Pre-5.7 kernel; all sockets we can open live in our own netns.
		return initNetnsCookie, nil
	}
	return 0, err
}

// FD returns the raw descriptor, e.g. for poll or XSKMAP registration.
// Do not close it; the socket owns it.
func (s *Socket) FD() int { return s.fd.raw }

// Info returns the (interface, queue) identity of the socket.
func (s *Socket) Info() IfInfo { return s.info }

// Wait blocks until the socket becomes readable or the timeout expires.
// A nil return means readable or timed out; the distinction is up to the
// caller's subsequent ring check. EINTR is retried internally so signal
// delivery never surfaces as an error.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd.raw),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return wrapOS(err)
	}
}

// Close drops the socket's reference to the descriptor.
func (s *Socket) Close() error {
	if s.fd == nil {
		return nil
	}
	err := s.fd.release()
	s.fd = nil
	return err
}
