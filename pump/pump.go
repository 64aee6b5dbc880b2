//go:build linux

// Package pump runs per-queue receive loops over AF_XDP sockets.
//
// One goroutine is pinned per hardware queue. Each loop keeps its fill
// ring stocked, drains the RX ring in batches and hands every packet to
// the caller's handler. Packet memory belongs to the umem and is valid
// only for the duration of the handler call; the frame goes straight back
// on the fill ring afterwards.
package pump

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/xsknet/xsk"
)

const (
	DefaultBatch       = 64
	defaultWaitTimeout = 100 * time.Millisecond
)

// Packet is one received frame, borrowed from the umem.
type Packet struct {
	// Data is the packet bytes inside the umem frame. Invalid after the
	// handler returns; copy what must outlive the call.
	Data []byte
	// Addr is the umem address of the frame.
	Addr uint64
	// Ifindex and Queue identify the queue the packet arrived on.
	Ifindex uint32
	Queue   uint32
}

// Handler is called for every received packet, from the queue's own
// goroutine. Returning an error stops the whole pump.
type Handler func(*Packet) error

// Queue bundles the per-queue resources a receive loop runs on. All three
// must belong to the same bound socket.
type Queue struct {
	Umem *xsk.Umem
	DQ   *xsk.DeviceQueue
	RX   *xsk.RxRing
}

// Config tunes the receive loops.
type Config struct {
	// Batch is the maximum descriptors taken per ring pass.
	Batch uint32
	// WaitTimeout bounds the poll when the RX ring is empty, so loops
	// notice context cancellation without packets arriving.
	WaitTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Batch == 0 {
		c.Batch = DefaultBatch
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
}

// Run stocks each queue's fill ring with its umem's frames, then receives
// until ctx is canceled (returns context.Canceled) or the handler fails
// (returns that error, all loops stopped).
func Run(ctx context.Context, queues []Queue, conf Config, fn Handler) error {
	if len(queues) == 0 {
		return nil
	}
	conf.applyDefaults()

	for i := range queues {
		if err := stock(&queues[i]); err != nil {
			return fmt.Errorf("stocking queue %d: %w", i, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(queues))
	var wg sync.WaitGroup
	for i := range queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			if err := receiveLoop(ctx, q, conf, fn); err != nil {
				errCh <- err
			}
		}(&queues[i])
	}

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return context.Canceled
	}
}

// stock hands every frame of the queue's umem to the kernel. The grant
// clamps to the fill ring size, so a umem larger than the ring leaves the
// surplus frames for the caller's own use.
func stock(q *Queue) error {
	w := q.DQ.Fill(q.Umem.FrameCount())
	defer w.Close()
	frameSize := uint64(q.Umem.FrameSize())
	for i := uint64(0); i < uint64(w.Capacity()); i++ {
		w.Insert(i * frameSize)
	}
	w.Commit()
	if q.DQ.NeedsWakeup() {
		return q.DQ.Wake()
	}
	return nil
}

func receiveLoop(ctx context.Context, q *Queue, conf Config, fn Handler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	info := q.DQ.Info()
	waitMS := int(conf.WaitTimeout.Milliseconds())
	addrs := make([]uint64, 0, conf.Batch)
	var p Packet

	for ctx.Err() == nil {
		if q.RX.Available() == 0 {
			if q.DQ.NeedsWakeup() {
				if err := q.DQ.Wake(); err != nil {
					return err
				}
			}
			if err := q.RX.Wait(waitMS); err != nil {
				return err
			}
			continue
		}

		r := q.RX.Receive(conf.Batch)
		addrs = addrs[:0]
		for {
			d, ok := r.Read()
			if !ok {
				break
			}
			data, err := q.RX.Bytes(d)
			if err != nil {
				r.Release()
				r.Close()
				return err
			}

			p = Packet{
				Data:    data,
				Addr:    d.Addr,
				Ifindex: info.Ifindex,
				Queue:   info.QueueID,
			}
			if err := fn(&p); err != nil {
				r.Release()
				r.Close()
				return err
			}
			addrs = append(addrs, d.Addr)
		}
		r.Release()
		r.Close()

		// Processed frames go straight back to the kernel.
		w := q.DQ.Fill(uint32(len(addrs)))
		for _, a := range addrs {
			w.Insert(a)
		}
		w.Commit()
		w.Close()
	}
	return nil
}
