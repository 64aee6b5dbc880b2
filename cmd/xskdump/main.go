//go:build linux

// xskdump binds AF_XDP sockets to an interface's RX queues and prints
// every redirected packet. It needs a compiled XDP redirect program with
// an XSKMAP (see the xskmap package).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/xsknet/xsk"
	"github.com/xsknet/xsk/ifq"
	"github.com/xsknet/xsk/pump"
	"github.com/xsknet/xsk/xskmap"
)

type config struct {
	Interface string   `yaml:"interface"`
	Queues    []uint32 `yaml:"queues"` // empty = every RX queue
	BPFObject string   `yaml:"bpf-object"`
	Program   string   `yaml:"bpf-program"`
	Zerocopy  bool     `yaml:"zerocopy"`
	FrameSize uint32   `yaml:"frame-size"`
	Frames    uint32   `yaml:"frames"`
	RxSize    uint32   `yaml:"rx-size"`
	Count     uint64   `yaml:"count"` // 0 = run until interrupted
	Snap      int      `yaml:"snap"`  // bytes printed per packet
}

func (c *config) applyDefaults() {
	if c.FrameSize == 0 {
		c.FrameSize = 2048
	}
	if c.Frames == 0 {
		c.Frames = 4096
	}
	if c.RxSize == 0 {
		c.RxSize = 2048
	}
	if c.Snap == 0 {
		c.Snap = 64
	}
}

func main() {
	var conf config
	var confPath string

	app := &cli.App{
		Name:  "xskdump",
		Usage: "dump packets redirected to AF_XDP sockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "YAML config file; CLI flags override it",
				Destination: &confPath,
			},
			&cli.StringFlag{
				Name:    "interface",
				Aliases: []string{"i"},
				Usage:   "network interface to dump",
			},
			&cli.Uint64SliceFlag{
				Name:    "queue",
				Aliases: []string{"q"},
				Usage:   "RX queue IDs to bind (default: all)",
			},
			&cli.StringFlag{
				Name:  "bpf",
				Usage: "compiled XDP redirect object with an xsks_map",
			},
			&cli.BoolFlag{
				Name:    "zerocopy",
				Aliases: []string{"z"},
				Usage:   "request driver-mode XDP and zero-copy binds",
			},
			&cli.Uint64Flag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "stop after this many packets (0 = run forever)",
			},
			&cli.IntFlag{
				Name:  "snap",
				Usage: "bytes printed per packet",
			},
		},
		Action: func(cCtx *cli.Context) error {
			if confPath != "" {
				b, err := os.ReadFile(confPath)
				if err != nil {
					return fmt.Errorf("reading config: %w", err)
				}
				if err := yaml.Unmarshal(b, &conf); err != nil {
					return fmt.Errorf("parsing config: %w", err)
				}
			}
			if s := cCtx.String("interface"); s != "" {
				conf.Interface = s
			}
			if qs := cCtx.Uint64Slice("queue"); len(qs) > 0 {
				conf.Queues = conf.Queues[:0]
				for _, q := range qs {
					conf.Queues = append(conf.Queues, uint32(q))
				}
			}
			if s := cCtx.String("bpf"); s != "" {
				conf.BPFObject = s
			}
			if cCtx.IsSet("zerocopy") {
				conf.Zerocopy = cCtx.Bool("zerocopy")
			}
			if cCtx.IsSet("count") {
				conf.Count = cCtx.Uint64("count")
			}
			if cCtx.IsSet("snap") {
				conf.Snap = cCtx.Int("snap")
			}
			conf.applyDefaults()

			if conf.Interface == "" {
				return cli.Exit("missing --interface", 1)
			}
			if conf.BPFObject == "" {
				return cli.Exit("missing --bpf redirect object", 1)
			}
			return run(&conf)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(conf *config) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ifc, err := ifq.ByName(conf.Interface)
	if err != nil {
		return err
	}
	if err := ifc.EnsureUp(); err != nil {
		return err
	}

	queues := conf.Queues
	if len(queues) == 0 {
		if queues, err = ifc.RxQueues(); err != nil {
			return err
		}
	}
	logger.Info("binding",
		zap.String("interface", ifc.Name),
		zap.Uint32s("queues", queues),
		zap.Bool("zerocopy", conf.Zerocopy),
	)

	redirect, err := xskmap.Attach(ifc.Index, xskmap.Config{
		Object:     conf.BPFObject,
		Program:    conf.Program,
		DriverMode: conf.Zerocopy,
	})
	if err != nil {
		return err
	}
	defer redirect.Close()

	bindFlags := uint16(unix.XDP_USE_NEED_WAKEUP)
	if conf.Zerocopy {
		bindFlags |= unix.XDP_ZEROCOPY
	} else {
		bindFlags |= unix.XDP_COPY
	}

	registry := xsk.NewBindRegistry()
	pumpQueues := make([]pump.Queue, 0, len(queues))
	var cleanup []func() error
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			if err := cleanup[i](); err != nil {
				logger.Warn("cleanup", zap.Error(err))
			}
		}
	}()

	for _, qid := range queues {
		q, closers, err := openQueue(ifc.Name, qid, conf, bindFlags, registry, redirect)
		if err != nil {
			return fmt.Errorf("queue %d: %w", qid, err)
		}
		cleanup = append(cleanup, closers...)
		pumpQueues = append(pumpQueues, q)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	var seen atomic.Uint64
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = pump.Run(ctx, pumpQueues, pump.Config{}, func(p *pump.Packet) error {
		n := seen.Add(1)
		snap := p.Data
		if len(snap) > conf.Snap {
			snap = snap[:conf.Snap]
		}
		logger.Info("packet",
			zap.Uint32("queue", p.Queue),
			zap.Int("len", len(p.Data)),
			zap.String("data", hex.EncodeToString(snap)),
		)
		if conf.Count != 0 && n >= conf.Count {
			cancel()
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("done", zap.Uint64("packets", seen.Load()))
	return err
}

// openQueue builds the per-queue socket stack: a private umem, its
// fill/completion owner, a mapped RX ring and the bound socket, then
// points the redirect map's slot at it.
func openQueue(
	ifname string, qid uint32, conf *config, bindFlags uint16,
	registry *xsk.BindRegistry, redirect *xskmap.Map,
) (pump.Queue, []func() error, error) {
	var cleanup []func() error
	fail := func(err error) (pump.Queue, []func() error, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
		return pump.Queue{}, nil, err
	}

	area, err := xsk.AllocBuffer(conf.Frames, conf.FrameSize)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() error { return xsk.FreeBuffer(area) })

	umem, err := xsk.NewUmem(area, xsk.UmemConfig{
		FrameSize: conf.FrameSize,
		FillSize:  conf.RxSize,
		Registry:  registry,
	})
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, umem.Close)

	info, err := xsk.NewIfInfo(ifname)
	if err != nil {
		return fail(err)
	}
	info.SetQueue(qid)

	sock, err := xsk.NewSocketShared(info, umem)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, sock.Close)

	dq, err := umem.FQCQ(sock)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, dq.Close)

	rt, err := umem.RxTx(sock, xsk.SocketConfig{
		RxSize:    conf.RxSize,
		BindFlags: bindFlags,
	})
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, rt.Close)

	rx, err := rt.MapRx()
	if err != nil {
		return fail(err)
	}
	if err := umem.Bind(rt); err != nil {
		return fail(err)
	}
	if err := redirect.Register(qid, dq.FD()); err != nil {
		return fail(err)
	}

	return pump.Queue{Umem: umem, DQ: dq, RX: rx}, cleanup, nil
}
