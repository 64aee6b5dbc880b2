//go:build linux

// Package xskmap attaches an XDP redirect program to an interface and
// registers AF_XDP socket descriptors in its XSKMAP, keyed by queue ID.
//
// The library core stays out of BPF entirely; this package is the bridge
// for callers that bring a compiled redirect program (typically the stock
// one-liner calling bpf_redirect_map into an xsks_map).
package xskmap

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

var (
	ErrProgramNotFound = errors.New("no XDP program in object")
	ErrMapNotFound     = errors.New("redirect map not found in object")
	ErrNotXSKMap       = errors.New("redirect map is not of type XSKMAP")
)

// DefaultMapName is the map name the stock redirect programs use.
const DefaultMapName = "xsks_map"

// Config selects the program and map inside a compiled BPF object.
type Config struct {
	// Object is the path of the compiled BPF ELF.
	Object string
	// Program names the XDP program to attach. Empty selects the only XDP
	// program in the object and fails if that is ambiguous.
	Program string
	// Map names the XSKMAP. Empty means DefaultMapName.
	Map string
	// DriverMode requests native driver-mode XDP, required for zero-copy.
	// The default lets the kernel pick (generic mode on drivers without
	// native support).
	DriverMode bool
}

// Map is an attached XDP redirect program plus its XSKMAP.
type Map struct {
	coll *ebpf.Collection
	link link.Link
	xsks *ebpf.Map
}

// Attach loads the object, attaches its XDP program to the interface and
// returns the handle used to register sockets.
func Attach(ifindex int, conf Config) (*Map, error) {
	coll, err := ebpf.LoadCollection(conf.Object)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %q: %w", conf.Object, err)
	}

	prog, err := findProgram(coll, conf.Program)
	if err != nil {
		coll.Close()
		return nil, err
	}
	xsks, err := findXSKMap(coll, conf.Map)
	if err != nil {
		coll.Close()
		return nil, err
	}

	opts := link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
	}
	if conf.DriverMode {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attaching XDP to ifindex %d: %w", ifindex, err)
	}

	return &Map{coll: coll, link: l, xsks: xsks}, nil
}

func findProgram(coll *ebpf.Collection, name string) (*ebpf.Program, error) {
	if name != "" {
		prog := coll.Programs[name]
		if prog == nil {
			return nil, fmt.Errorf("%w: %q", ErrProgramNotFound, name)
		}
		return prog, nil
	}
	var found *ebpf.Program
	for progName, prog := range coll.Programs {
		if prog.Type() != ebpf.XDP {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("multiple XDP programs in object, name one explicitly (%q)", progName)
		}
		found = prog
	}
	if found == nil {
		return nil, ErrProgramNotFound
	}
	return found, nil
}

func findXSKMap(coll *ebpf.Collection, name string) (*ebpf.Map, error) {
	if name == "" {
		name = DefaultMapName
	}
	m := coll.Maps[name]
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMapNotFound, name)
	}
	if m.Type() != ebpf.XSKMap {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotXSKMap, name, m.Type())
	}
	return m, nil
}

// Register points the given queue's map slot at an AF_XDP socket. The
// program's redirect for packets on that queue lands on the socket's RX
// ring from then on.
func (m *Map) Register(queueID uint32, fd int) error {
	if err := m.xsks.Update(queueID, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating xskmap slot %d: %w", queueID, err)
	}
	return nil
}

// Unregister clears a queue's map slot. Packets on that queue fall through
// to the program's non-redirect verdict.
func (m *Map) Unregister(queueID uint32) error {
	if err := m.xsks.Delete(queueID); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("deleting xskmap slot %d: %w", queueID, err)
	}
	return nil
}

// Close detaches the program and frees the BPF objects. Registered sockets
// are unaffected; they simply stop receiving redirected packets.
func (m *Map) Close() error {
	var errs []error
	if m.link != nil {
		if err := m.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		m.link = nil
	}
	if m.coll != nil {
		m.coll.Close()
		m.coll = nil
	}
	return errors.Join(errs...)
}
