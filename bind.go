//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

/*---- Bind registry ----*/

// queueKey identifies one hardware queue globally: interface index, queue
// ID and the network namespace the socket was created in.
type queueKey struct {
	ifindex     uint32
	queueID     uint32
	netnsCookie uint64
}

// BindRegistry coordinates fill/completion ownership of hardware queues
// across threads. The kernel does not arbitrate this: two sockets racing to
// own the same queue's fill ring end in kernel-level misbehavior or an
// unhelpful rejection, so the check-and-set here must be atomic.
//
// Entries are created lazily and removed when the last binding referencing
// a queue is dropped. The per-entry lock is held only for the bind/unbind
// transition, never across I/O, and bindings of different queues never
// contend on it.
type BindRegistry struct {
	mu      sync.Mutex
	entries map[queueKey]*bindEntry
}

type bindEntry struct {
	mu    sync.RWMutex
	owned bool
	refs  int
}

// NewBindRegistry creates an empty registry. One registry typically spans
// all umems of a process; UmemConfig.Registry wires it in.
func NewBindRegistry() *BindRegistry {
	return &BindRegistry{entries: make(map[queueKey]*bindEntry)}
}

func (r *BindRegistry) entry(key queueKey) *bindEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		e = &bindEntry{}
		r.entries[key] = e
	}
	e.refs++
	return e
}

func (r *BindRegistry) put(key queueKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
}

// acquireOwner takes the exclusive fill/completion owner role for a queue.
func (r *BindRegistry) acquireOwner(key queueKey) error {
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owned {
		r.put(key)
		return fmt.Errorf("%w: if %d queue %d", ErrAlreadyBound, key.ifindex, key.queueID)
	}
	e.owned = true
	return nil
}

// acquireShared joins a queue that already has a fill/completion owner,
// for rx/tx-only bindings.
func (r *BindRegistry) acquireShared(key queueKey) error {
	e := r.entry(key)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.owned {
		r.put(key)
		return fmt.Errorf("%w: if %d queue %d", ErrNoQueueOwner, key.ifindex, key.queueID)
	}
	return nil
}

func (r *BindRegistry) releaseOwner(key queueKey) {
	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.owned = false
		e.mu.Unlock()
	}
	r.put(key)
}

func (r *BindRegistry) releaseShared(key queueKey) {
	r.put(key)
}

func socketKey(s *Socket) queueKey {
	return queueKey{
		ifindex:     s.info.Ifindex,
		queueID:     s.info.QueueID,
		netnsCookie: s.netnsCookie,
	}
}

/*---- Device queue: fill/completion owner ----*/

// DeviceQueue is the fill/completion owner of one hardware queue. Exactly
// one exists per (interface, queue) at a time; its holder is responsible
// for keeping the fill ring stocked, on behalf of every socket sharing the
// umem on that queue.
type DeviceQueue struct {
	fill *prodRing
	comp *consRing

	sock *Socket
	umem *Umem
	key  queueKey
}

// FQCQ creates the fill and completion rings on sock and makes it the
// owner of its hardware queue. A second owner for the same queue fails
// with ErrAlreadyBound and leaves the first untouched.
func (u *Umem) FQCQ(sock *Socket) (*DeviceQueue, error) {
	key := socketKey(sock)
	if err := u.devices.acquireOwner(key); err != nil {
		return nil, err
	}

	dq, err := u.makeFQCQ(sock, key)
	if err != nil {
		u.devices.releaseOwner(key)
		return nil, err
	}
	return dq, nil
}

func (u *Umem) makeFQCQ(sock *Socket, key queueKey) (*DeviceQueue, error) {
	fd := sock.fd.raw
	if err := setsockoptUint32(
		fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING, u.config.CompleteSize,
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err)
	}
	if err := setsockoptUint32(
		fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING, u.config.FillSize,
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err)
	}

	off, err := queryMmapOffsets(fd)
	if err != nil {
		return nil, err
	}

	fillRing, err := mapRing(
		fd, off.Fr, u.config.FillSize, sizeofFillAddr, unix.XDP_UMEM_PGOFF_FILL_RING,
	)
	if err != nil {
		return nil, fmt.Errorf("fill ring: %w", err)
	}
	compRing, err := mapRing(
		fd, off.Cr, u.config.CompleteSize, sizeofFillAddr, unix.XDP_UMEM_PGOFF_COMPLETION_RING,
	)
	if err != nil {
		_ = fillRing.unmap()
		return nil, fmt.Errorf("completion ring: %w", err)
	}

	return &DeviceQueue{
		fill: &prodRing{fillRing},
		comp: &consRing{compRing},
		sock: &Socket{fd: sock.fd.retain(), info: sock.info, netnsCookie: sock.netnsCookie},
		umem: u,
		key:  key,
	}, nil
}

// Fill grants up to n fill slots. Commit publishes them; Close rolls back
// the rest.
func (d *DeviceQueue) Fill(n uint32) *FillWriter {
	return &FillWriter{idx: reserveSession(d.fill, n), q: d.fill, umem: d.umem}
}

// Complete grants up to n completed transmissions for reading.
func (d *DeviceQueue) Complete(n uint32) *CompletionReader {
	return &CompletionReader{idx: peekSession(d.comp, n), q: d.comp}
}

// Available is the number of completions ready to consume.
func (d *DeviceQueue) Available() uint32 { return d.comp.available() }

// Pending is the number of fill entries the kernel has not taken yet.
func (d *DeviceQueue) Pending() uint32 { return d.fill.pending() }

// FreeSpace is the number of fill slots that can still be produced.
func (d *DeviceQueue) FreeSpace() uint32 { return d.fill.freeSpace() }

// Capacity is the kernel-reported fill ring size.
func (d *DeviceQueue) Capacity() uint32 { return d.fill.capacity() }

// NeedsWakeup reports whether the kernel asked to be woken to service the
// fill ring (XDP_USE_NEED_WAKEUP mode).
func (d *DeviceQueue) NeedsWakeup() bool {
	return d.fill.checkFlags()&unix.XDP_RING_NEED_WAKEUP != 0
}

// Wake drives the kernel's fill-side processing via a zero-timeout poll.
func (d *DeviceQueue) Wake() error {
	_, err := unix.Poll([]unix.PollFd{{Fd: int32(d.sock.fd.raw)}}, 0)
	if err != nil && err != unix.EINTR {
		return wrapOS(err)
	}
	return nil
}

// FD is the descriptor to register in an XSKMAP or poll on. The device
// queue keeps owning it.
func (d *DeviceQueue) FD() int { return d.sock.fd.raw }

// Info is the (interface, queue) identity the queue is bound to.
func (d *DeviceQueue) Info() IfInfo { return d.sock.info }

// Close unmaps the rings and releases the queue ownership, allowing a new
// owner to bind the same pair afterwards.
func (d *DeviceQueue) Close() error {
	if d.sock == nil {
		return nil
	}
	errs := []error{
		d.fill.unmap(),
		d.comp.unmap(),
		d.sock.Close(),
	}
	d.umem.devices.releaseOwner(d.key)
	d.sock = nil
	return errors.Join(errs...)
}

/*---- RX/TX bindings ----*/

// SocketConfig sizes the per-socket rings and fixes the bind flags.
type SocketConfig struct {
	// RxSize and TxSize are the ring sizes; zero leaves the corresponding
	// ring uncreated. At least one must be set.
	RxSize uint32
	TxSize uint32
	// BindFlags are XDP_COPY/XDP_ZEROCOPY/XDP_USE_NEED_WAKEUP. The first
	// bind on a umem pins the flags; later binds must pass the same ones.
	BindFlags uint16
}

func (c *SocketConfig) validate() error {
	if c.RxSize == 0 && c.TxSize == 0 {
		return ErrNoRings
	}
	if c.RxSize != 0 && c.RxSize&(c.RxSize-1) != 0 {
		return ErrRingSizePow2
	}
	if c.TxSize != 0 && c.TxSize&(c.TxSize-1) != 0 {
		return ErrRingSizePow2
	}
	return nil
}

// RxTx is a socket with configured (but not yet mapped) receive/transmit
// rings. Map the rings you configured, then call Umem.Bind to go live.
type RxTx struct {
	sock *Socket
	umem *Umem
	conf SocketConfig
	off  XDPMmapOffsets

	rx *RxRing
	tx *TxRing

	bound  bool
	shared bool
}

// RxTx sizes the rx/tx rings on sock and retrieves the ring offsets. Ring
// creation must precede the bind call.
func (u *Umem) RxTx(sock *Socket, conf SocketConfig) (*RxTx, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	fd := sock.fd.raw
	if conf.RxSize != 0 {
		if err := setsockoptUint32(fd, unix.SOL_XDP, unix.XDP_RX_RING, conf.RxSize); err != nil {
			return nil, fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
		}
	}
	if conf.TxSize != 0 {
		if err := setsockoptUint32(fd, unix.SOL_XDP, unix.XDP_TX_RING, conf.TxSize); err != nil {
			return nil, fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
		}
	}

	off, err := queryMmapOffsets(fd)
	if err != nil {
		return nil, err
	}

	return &RxTx{
		sock:   &Socket{fd: sock.fd.retain(), info: sock.info, netnsCookie: sock.netnsCookie},
		umem:   u,
		conf:   conf,
		off:    off,
		shared: sock.fd != u.fd,
	}, nil
}

// MapRx maps the receive ring. Fails with a configuration error when no
// rx size was configured.
func (r *RxTx) MapRx() (*RxRing, error) {
	if r.conf.RxSize == 0 {
		return nil, fmt.Errorf("rx: %w", ErrRingNotConfigured)
	}
	if r.rx != nil {
		return r.rx, nil
	}
	ring, err := mapRing(
		r.sock.fd.raw, r.off.Rx, r.conf.RxSize, sizeofDesc, unix.XDP_PGOFF_RX_RING,
	)
	if err != nil {
		return nil, fmt.Errorf("rx ring: %w", err)
	}
	r.rx = &RxRing{ring: consRing{ring}, sock: r.sock, umem: r.umem}
	return r.rx, nil
}

// MapTx maps the transmit ring. Fails with a configuration error when no
// tx size was configured.
func (r *RxTx) MapTx() (*TxRing, error) {
	if r.conf.TxSize == 0 {
		return nil, fmt.Errorf("tx: %w", ErrRingNotConfigured)
	}
	if r.tx != nil {
		return r.tx, nil
	}
	ring, err := mapRing(
		r.sock.fd.raw, r.off.Tx, r.conf.TxSize, sizeofDesc, unix.XDP_PGOFF_TX_RING,
	)
	if err != nil {
		return nil, fmt.Errorf("tx ring: %w", err)
	}
	r.tx = &TxRing{ring: prodRing{ring}, sock: r.sock, umem: r.umem}
	return r.tx, nil
}

// FD is the raw descriptor of the underlying socket.
func (r *RxTx) FD() int { return r.sock.fd.raw }

// Socket returns the bound socket, e.g. for Wait.
func (r *RxTx) Socket() *Socket { return r.sock }

// Close unmaps any mapped rings, releases the registry reference taken by
// Bind and drops the socket.
func (r *RxTx) Close() error {
	if r.sock == nil {
		return nil
	}
	var errs []error
	if r.rx != nil {
		errs = append(errs, r.rx.unmap())
		r.rx = nil
	}
	if r.tx != nil {
		errs = append(errs, r.tx.unmap())
		r.tx = nil
	}
	if r.bound && r.shared {
		r.umem.devices.releaseShared(socketKey(r.sock))
		r.bound = false
	}
	errs = append(errs, r.sock.Close())
	r.sock = nil
	return errors.Join(errs...)
}

// Bind issues the OS bind call, attaching the socket's rings to its
// hardware queue. The queue must already have a fill/completion owner
// (FQCQ): the owning socket binds directly, while a socket with its own
// descriptor joins via XDP_SHARED_UMEM automatically.
//
// The bind flags of the first bind on this umem apply to every subsequent
// bind; a mismatch is a configuration error rather than a silent override.
func (u *Umem) Bind(rt *RxTx) error {
	unpin, err := u.pinBindFlags(rt.conf.BindFlags)
	if err != nil {
		return err
	}

	key := socketKey(rt.sock)
	if rt.shared {
		if err := u.devices.acquireShared(key); err != nil {
			unpin()
			return err
		}
	}

	sa := bindSockaddr(key, rt.conf.BindFlags, rt.shared, u.fd.raw)
	if err := rawBind(rt.sock.fd.raw, &sa); err != nil {
		if rt.shared {
			u.devices.releaseShared(key)
		}
		unpin()
		return fmt.Errorf("binding socket to if %d queue %d: %w",
			key.ifindex, key.queueID, err)
	}

	rt.bound = true
	return nil
}

// bindSockaddr builds the bind target. A shared bind carries only
// XDP_SHARED_UMEM plus the umem's descriptor: the kernel rejects any
// copy/zero-copy/need-wakeup bit combined with it, and the mode was
// already fixed by the owner's bind.
func bindSockaddr(key queueKey, flags uint16, shared bool, umemFD int) SockaddrXDP {
	sa := SockaddrXDP{
		Family:  unix.AF_XDP,
		Flags:   flags,
		Ifindex: key.ifindex,
		QueueID: key.queueID,
	}
	if shared {
		sa.Flags = unix.XDP_SHARED_UMEM
		sa.SharedUmemFD = uint32(umemFD)
	}
	return sa
}

// pinBindFlags atomically records flags as the umem-wide bind mode. The
// first caller pins; later calls must pass the same flags or fail with
// ErrBindFlagsMismatch. The returned unpin rolls a fresh pin back when
// the caller's bind does not go through.
func (u *Umem) pinBindFlags(flags uint16) (unpin func(), err error) {
	u.bindMu.Lock()
	defer u.bindMu.Unlock()
	if u.bindFlagsSet {
		if u.bindFlags != flags {
			return nil, fmt.Errorf("%w: got %#x, umem pinned %#x",
				ErrBindFlagsMismatch, flags, u.bindFlags)
		}
		return func() {}, nil
	}
	u.bindFlagsSet = true
	u.bindFlags = flags
	return func() {
		u.bindMu.Lock()
		u.bindFlagsSet = false
		u.bindMu.Unlock()
	}, nil
}

func rawBind(fd int, sa *SockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return errnoErr(e)
	}
	return nil
}

/*---- Mapped rx/tx rings ----*/

// RxRing consumes received packet descriptors. User space is the consumer;
// the kernel produces.
type RxRing struct {
	ring consRing
	sock *Socket
	umem *Umem
}

// Receive grants up to n received descriptors for reading.
func (r *RxRing) Receive(n uint32) *RxReader {
	return &RxReader{idx: peekSession(&r.ring, n), q: &r.ring}
}

// Available is the number of received descriptors not yet released.
func (r *RxRing) Available() uint32 { return r.ring.available() }

// Capacity is the kernel-reported ring size.
func (r *RxRing) Capacity() uint32 { return r.ring.capacity() }

// Bytes resolves a received descriptor to its packet bytes in the umem.
func (r *RxRing) Bytes(desc XDPDesc) ([]byte, error) { return r.umem.Bytes(desc) }

// Wait blocks until received descriptors are ready or the timeout
// expires; see Socket.Wait.
func (r *RxRing) Wait(timeoutMS int) error { return r.sock.Wait(timeoutMS) }

// FD is the raw descriptor of the socket carrying this ring.
func (r *RxRing) FD() int { return r.sock.fd.raw }

func (r *RxRing) unmap() error { return r.ring.unmap() }

// TxRing produces packet descriptors for transmission. User space is the
// producer; the kernel consumes.
type TxRing struct {
	ring prodRing
	sock *Socket
	umem *Umem
}

// Transmit grants up to n tx slots for writing.
func (t *TxRing) Transmit(n uint32) *TxWriter {
	return &TxWriter{idx: reserveSession(&t.ring, n), q: &t.ring, umem: t.umem}
}

// Pending is the number of submitted descriptors the kernel has not
// consumed yet.
func (t *TxRing) Pending() uint32 { return t.ring.pending() }

// FreeSpace is the number of slots that can still be produced.
func (t *TxRing) FreeSpace() uint32 { return t.ring.freeSpace() }

// Capacity is the kernel-reported ring size.
func (t *TxRing) Capacity() uint32 { return t.ring.capacity() }

// NeedsWakeup reports whether the kernel asked for a tx kick.
func (t *TxRing) NeedsWakeup() bool {
	return t.ring.checkFlags()&unix.XDP_RING_NEED_WAKEUP != 0
}

// Wake kicks tx processing with a zero-length send. EAGAIN and EBUSY are
// backpressure, not failures.
func (t *TxRing) Wake() error {
	err := unix.Sendto(t.sock.fd.raw, nil, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		return nil
	}
	if err != nil {
		return wrapOS(err)
	}
	return nil
}

// FD is the raw descriptor of the socket carrying this ring.
func (t *TxRing) FD() int { return t.sock.fd.raw }

func (t *TxRing) unmap() error { return t.ring.unmap() }
