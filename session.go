//go:build linux

package xsk

// A session is a short-lived grant over consecutive ring slots, created by
// DeviceQueue.Fill/Complete and TxRing.Transmit / RxRing.Receive. It is
// forward-only and non-restartable: entries are taken strictly from the
// front, and the shared head only advances past entries actually inserted
// or read. Closing a session rolls back whatever was granted but not
// committed, so an abandoned grant never leaks slots.
//
// Sessions borrow the ring they were created from; at most one session per
// ring side may be live at a time.
type session struct {
	// base is the ring index of the next slot to hand out.
	base BufIdx
	// granted counts grant slots not yet committed to the kernel.
	granted uint32
	// remain counts grant slots not yet handed out.
	remain uint32
}

func (s *session) next() (BufIdx, bool) {
	if s.remain == 0 {
		return 0, false
	}
	idx := s.base
	s.base++
	s.remain--
	return idx, true
}

// used is the number of slots handed out and not yet committed.
func (s *session) used() uint32 { return s.granted - s.remain }

func (s *session) commitProd(q *prodRing) {
	if n := s.used(); n > 0 {
		q.submit(n)
		s.granted -= n
	}
}

func (s *session) releaseCons(q *consRing) {
	if n := s.used(); n > 0 {
		q.release(n)
		s.granted -= n
	}
}

func (s *session) cancelProd(q *prodRing) {
	if s.granted > 0 {
		q.cancel(s.granted)
		s.granted, s.remain = 0, 0
	}
}

func (s *session) cancelCons(q *consRing) {
	if s.granted > 0 {
		q.cancel(s.granted)
		s.granted, s.remain = 0, 0
	}
}

/*---- Fill ----*/

// FillWriter produces empty frame addresses into the fill ring.
// Created by DeviceQueue.Fill.
type FillWriter struct {
	idx  session
	q    *prodRing
	umem *Umem
}

// Capacity is the number of slots granted to this session. It may be less
// than requested when the ring is short on free space.
func (w *FillWriter) Capacity() uint32 { return w.idx.granted }

// Remaining is the number of granted slots not yet filled.
func (w *FillWriter) Remaining() uint32 { return w.idx.remain }

// Insert writes one frame address into the next slot. Any address within a
// chunk marks the whole chunk as available; the kernel overwrites its
// contents until the chunk comes back on the RX ring.
//
// Inserting past the granted capacity, or an address outside the umem, is
// a programming error and panics.
func (w *FillWriter) Insert(addr uint64) {
	idx, ok := w.idx.next()
	if !ok {
		panic("xsk: fill insert past granted capacity")
	}
	w.umem.mustContain(addr)
	*w.q.fillAddr(idx) = addr
}

// Commit publishes the inserted addresses to the kernel.
func (w *FillWriter) Commit() { w.idx.commitProd(w.q) }

// Close cancels the uncommitted part of the grant. Safe to call multiple
// times and after Commit.
func (w *FillWriter) Close() { w.idx.cancelProd(w.q) }

/*---- Completion ----*/

// CompletionReader consumes transmitted frame addresses from the
// completion ring. Created by DeviceQueue.Complete.
type CompletionReader struct {
	idx session
	q   *consRing
}

// Capacity is the number of entries granted to this session.
func (r *CompletionReader) Capacity() uint32 { return r.idx.granted }

// Read returns the next completed frame address in FIFO order.
func (r *CompletionReader) Read() (uint64, bool) {
	idx, ok := r.idx.next()
	if !ok {
		return 0, false
	}
	return *r.q.compAddr(idx), true
}

// Release returns the read entries to the kernel for reuse. The consumer
// head never advances past entries not actually read.
func (r *CompletionReader) Release() { r.idx.releaseCons(r.q) }

// Close cancels the unreleased part of the grant.
func (r *CompletionReader) Close() { r.idx.cancelCons(r.q) }

/*---- TX ----*/

// TxWriter produces packet descriptors into the TX ring.
// Created by TxRing.Transmit.
type TxWriter struct {
	idx  session
	q    *prodRing
	umem *Umem
}

// Capacity is the number of slots granted to this session.
func (w *TxWriter) Capacity() uint32 { return w.idx.granted }

// Remaining is the number of granted slots not yet filled.
func (w *TxWriter) Remaining() uint32 { return w.idx.remain }

// Insert writes one descriptor into the next slot. Inserting past the
// granted capacity or a descriptor crossing its frame boundary panics.
func (w *TxWriter) Insert(desc XDPDesc) {
	idx, ok := w.idx.next()
	if !ok {
		panic("xsk: tx insert past granted capacity")
	}
	w.umem.mustContainDesc(desc)
	*w.q.txDesc(idx) = desc
}

// Commit publishes the inserted descriptors to the kernel.
func (w *TxWriter) Commit() { w.idx.commitProd(w.q) }

// Close cancels the uncommitted part of the grant.
func (w *TxWriter) Close() { w.idx.cancelProd(w.q) }

/*---- RX ----*/

// RxReader consumes received packet descriptors from the RX ring.
// Created by RxRing.Receive.
type RxReader struct {
	idx session
	q   *consRing
}

// Capacity is the number of entries granted to this session.
func (r *RxReader) Capacity() uint32 { return r.idx.granted }

// Read returns the next received descriptor in FIFO order.
func (r *RxReader) Read() (XDPDesc, bool) {
	idx, ok := r.idx.next()
	if !ok {
		return XDPDesc{}, false
	}
	return *r.q.rxDesc(idx), true
}

// Release returns the read slots to the kernel.
func (r *RxReader) Release() { r.idx.releaseCons(r.q) }

// Close cancels the unreleased part of the grant.
func (r *RxReader) Close() { r.idx.cancelCons(r.q) }

func reserveSession(q *prodRing, n uint32) session {
	base, granted := q.reserve(n)
	return session{base: base, granted: granted, remain: granted}
}

func peekSession(q *consRing, n uint32) session {
	base, granted := q.peek(n)
	return session{base: base, granted: granted, remain: granted}
}
