//go:build linux

// xskflood transmits a UDP packet stream over one AF_XDP queue as fast as
// allowed, for driving load at a receiver. Packets leave the machine; aim
// it at test interfaces only.
package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/xsknet/xsk"
	"github.com/xsknet/xsk/ratelimit"
)

const (
	frameSize = 2048
	numFrames = 4096
	ringSize  = 2048
	batch     = 128
)

type floodConfig struct {
	Iface    string
	Queue    uint32
	DstMAC   net.HardwareAddr
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Count    uint64
	PktSize  uint32
	RatePPS  uint64
	Zerocopy bool
}

func main() {
	app := &cli.App{
		Name:  "xskflood",
		Usage: "flood UDP packets through an AF_XDP TX ring",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "interface", Aliases: []string{"i"}, Required: true},
			&cli.UintFlag{Name: "queue", Aliases: []string{"q"}},
			&cli.StringFlag{Name: "dst-mac", Aliases: []string{"d"}, Required: true},
			&cli.StringFlag{Name: "src-ip", Aliases: []string{"s"}, Required: true},
			&cli.StringFlag{Name: "dst-ip", Aliases: []string{"D"}, Required: true},
			&cli.UintFlag{Name: "src-port", Value: 31337},
			&cli.UintFlag{Name: "dst-port", Aliases: []string{"p"}, Value: 12345},
			&cli.Uint64Flag{Name: "count", Aliases: []string{"n"}, Value: 1 << 20},
			&cli.UintFlag{Name: "size", Aliases: []string{"l"}, Value: 1360},
			&cli.Uint64Flag{Name: "pps", Usage: "target rate, 0 = unlimited"},
			&cli.BoolFlag{Name: "zerocopy", Aliases: []string{"z"}},
		},
		Action: func(cCtx *cli.Context) error {
			dstMAC, err := net.ParseMAC(cCtx.String("dst-mac"))
			if err != nil {
				return fmt.Errorf("parsing dst-mac: %w", err)
			}
			srcIP := net.ParseIP(cCtx.String("src-ip")).To4()
			dstIP := net.ParseIP(cCtx.String("dst-ip")).To4()
			if srcIP == nil || dstIP == nil {
				return cli.Exit("src-ip and dst-ip must be IPv4", 1)
			}
			return run(&floodConfig{
				Iface:    cCtx.String("interface"),
				Queue:    uint32(cCtx.Uint("queue")),
				DstMAC:   dstMAC,
				SrcIP:    srcIP,
				DstIP:    dstIP,
				SrcPort:  uint16(cCtx.Uint("src-port")),
				DstPort:  uint16(cCtx.Uint("dst-port")),
				Count:    cCtx.Uint64("count"),
				PktSize:  uint32(cCtx.Uint("size")),
				RatePPS:  cCtx.Uint64("pps"),
				Zerocopy: cCtx.Bool("zerocopy"),
			})
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(conf *floodConfig) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	netIf, err := net.InterfaceByName(conf.Iface)
	if err != nil {
		return fmt.Errorf("getting interface: %w", err)
	}
	var srcMAC [6]byte
	copy(srcMAC[:], netIf.HardwareAddr)

	info, err := xsk.NewIfInfo(conf.Iface)
	if err != nil {
		return err
	}
	info.SetQueue(conf.Queue)

	area, err := xsk.AllocBuffer(numFrames, frameSize)
	if err != nil {
		return err
	}
	defer xsk.FreeBuffer(area)

	umem, err := xsk.NewUmem(area, xsk.UmemConfig{
		FrameSize:    frameSize,
		CompleteSize: ringSize,
	})
	if err != nil {
		return err
	}
	defer umem.Close()

	sock, err := xsk.NewSocketShared(info, umem)
	if err != nil {
		return err
	}
	defer sock.Close()

	dq, err := umem.FQCQ(sock)
	if err != nil {
		return err
	}
	defer dq.Close()

	bindFlags := uint16(unix.XDP_USE_NEED_WAKEUP)
	if conf.Zerocopy {
		bindFlags |= unix.XDP_ZEROCOPY
	} else {
		bindFlags |= unix.XDP_COPY
	}
	rt, err := umem.RxTx(sock, xsk.SocketConfig{
		TxSize:    ringSize,
		BindFlags: bindFlags,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	tx, err := rt.MapTx()
	if err != nil {
		return err
	}
	if err := umem.Bind(rt); err != nil {
		return err
	}

	logger.Info("flooding",
		zap.String("interface", conf.Iface),
		zap.Uint32("queue", conf.Queue),
		zap.Uint64("count", conf.Count),
		zap.Uint64("pps", conf.RatePPS),
		zap.Bool("zerocopy", conf.Zerocopy),
	)

	stats, err := flood(conf, umem, dq, tx, sock, srcMAC)
	if err != nil {
		return err
	}
	report(stats)
	return nil
}

type floodStats struct {
	sent      uint64
	completed uint64
	bytes     uint64
	elapsed   time.Duration
}

func flood(
	conf *floodConfig, umem *xsk.Umem, dq *xsk.DeviceQueue,
	tx *xsk.TxRing, sock *xsk.Socket, srcMAC [6]byte,
) (floodStats, error) {
	limiter := ratelimit.New(conf.RatePPS)

	// Every frame starts free; completions recycle them.
	free := make([]uint64, 0, umem.FrameCount())
	for i := uint64(umem.FrameCount()); i > 0; i-- {
		free = append(free, (i-1)*frameSize)
	}

	var s floodStats
	var seq uint32
	start := time.Now()

	reclaim := func() {
		r := dq.Complete(batch)
		for {
			addr, ok := r.Read()
			if !ok {
				break
			}
			free = append(free, addr)
			s.completed++
		}
		r.Release()
		r.Close()
	}

	for s.sent < conf.Count {
		reclaim()
		if len(free) == 0 || tx.FreeSpace() == 0 {
			if tx.NeedsWakeup() {
				if err := tx.Wake(); err != nil {
					return s, err
				}
			}
			if err := sock.Wait(1); err != nil {
				return s, err
			}
			continue
		}

		want := min(uint64(batch), uint64(len(free)), conf.Count-s.sent)
		w := tx.Transmit(uint32(want))
		granted := w.Capacity()
		for i := uint32(0); i < granted; i++ {
			addr := free[len(free)-1]
			free = free[:len(free)-1]

			frame, err := umem.Frame(xsk.BufIdx(addr / frameSize))
			if err != nil {
				w.Close()
				return s, err
			}
			plen := buildUDPPacket(frame.Data, srcMAC, conf, seq)
			w.Insert(xsk.XDPDesc{Addr: addr, Len: plen})

			seq++
			s.sent++
			s.bytes += uint64(plen)
		}
		w.Commit()
		w.Close()

		if tx.NeedsWakeup() {
			if err := tx.Wake(); err != nil {
				return s, err
			}
		}
		limiter.Take(uint64(granted))
	}

	// Wait for the NIC to finish everything in flight.
	for s.completed < s.sent {
		before := s.completed
		reclaim()
		if s.completed == before {
			if err := sock.Wait(1); err != nil {
				return s, err
			}
		}
	}
	s.elapsed = time.Since(start)
	return s, nil
}

func report(s floodStats) {
	pps := float64(s.sent) / s.elapsed.Seconds()
	mbps := float64(s.bytes*8) / 1e6 / s.elapsed.Seconds()

	p := message.NewPrinter(language.English)
	p.Printf("sent:      %d packets\n", s.sent)
	p.Printf("completed: %d packets\n", s.completed)
	p.Printf("bytes:     %s\n", humanize.Bytes(s.bytes))
	p.Printf("elapsed:   %s\n", s.elapsed.Round(time.Millisecond))
	p.Printf("rate:      %d pps, %.1f Mbps\n", uint64(pps), mbps)
}

/*---- Packet construction ----*/

func ipChecksum(b []byte) uint16 {
	var sum uint32
	for len(b) > 1 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) > 0 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// buildUDPPacket writes an Ethernet/IPv4/UDP packet with a 4-byte sequence
// number payload into buf and returns its length.
func buildUDPPacket(buf []byte, srcMAC [6]byte, conf *floodConfig, seq uint32) uint32 {
	const (
		ethLen = 14
		ipLen  = 20
		udpLen = 8
	)

	pktSize := max(conf.PktSize, ethLen+ipLen+udpLen+4)
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], conf.DstMAC)
	copy(buf[6:12], srcMAC[:])
	buf[12], buf[13] = 0x08, 0x00 // IPv4

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen)+uint16(payloadLen))
	ip[8] = 64 // TTL
	ip[9] = 17 // UDP
	copy(ip[12:16], conf.SrcIP.To4())
	copy(ip[16:20], conf.DstIP.To4())
	ip[10], ip[11] = 0, 0 // frames are reused, clear the stale checksum
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:ipLen]))

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], conf.SrcPort)
	binary.BigEndian.PutUint16(udp[2:], conf.DstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen)+uint16(payloadLen))

	binary.BigEndian.PutUint32(udp[udpLen:], seq)

	return pktSize
}
