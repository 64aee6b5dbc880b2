//go:build linux

// Package ifq discovers the hardware queues of a network interface.
//
// Queue counts come from the driver's channel configuration (ethtool) when
// the driver reports one, falling back to counting the rx-N/tx-N entries
// under /sys/class/net/<iface>/queues. Virtual drivers (veth, loopback)
// typically lack channels but always expose the sysfs entries.
package ifq

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
)

const sysfsNetDir = "/sys/class/net"

// Shared ethtool instance, created once on first use so concurrent queue
// discovery from several goroutines does not race the constructor. The
// instance lives for the process; it backs a single netlink socket.
var (
	ethtOnce sync.Once
	etht     *ethtool.Ethtool
)

// ethtoolHandle returns the shared ethtool instance, or nil when the
// netlink socket could not be opened; callers fall back to sysfs.
func ethtoolHandle() *ethtool.Ethtool {
	ethtOnce.Do(func() {
		if e, err := ethtool.NewEthtool(); err == nil {
			etht = e
		}
	})
	return etht
}

// Interface is a network interface resolved via netlink.
type Interface struct {
	Name  string
	Index int

	link netlink.Link
}

// ByName resolves an interface by name, e.g. "enp8s0".
func ByName(name string) (*Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("netlink.LinkByName(%s): %w", name, err)
	}
	attrs := link.Attrs()
	return &Interface{Name: attrs.Name, Index: attrs.Index, link: link}, nil
}

// EnsureUp brings the link up if it is down. AF_XDP binds on a downed
// interface succeed but never see traffic, which is a confusing way to
// fail.
func (i *Interface) EnsureUp() error {
	if i.link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(i.link); err != nil {
		return fmt.Errorf("netlink.LinkSetUp(%s): %w", i.Name, err)
	}
	link, err := netlink.LinkByIndex(i.Index)
	if err != nil {
		return fmt.Errorf("netlink.LinkByIndex(%d): %w", i.Index, err)
	}
	i.link = link
	return nil
}

// RxQueues returns the RX queue IDs available for binding, in ascending
// order. Combined channels count as RX queues.
func (i *Interface) RxQueues() ([]uint32, error) {
	if n, ok := channelQueues(i.Name, func(c ethtool.Channels) uint32 {
		return c.RxCount + c.CombinedCount
	}); ok {
		return sequentialIDs(n), nil
	}
	return sysfsQueueIDs(sysfsNetDir, i.Name, "rx-")
}

// TxQueues returns the TX queue IDs, in ascending order.
func (i *Interface) TxQueues() ([]uint32, error) {
	if n, ok := channelQueues(i.Name, func(c ethtool.Channels) uint32 {
		return c.TxCount + c.CombinedCount
	}); ok {
		return sequentialIDs(n), nil
	}
	return sysfsQueueIDs(sysfsNetDir, i.Name, "tx-")
}

// channelQueues queries the driver channel configuration. ok is false when
// the driver does not implement the ethtool channels op or reports zero
// queues; the caller then falls back to sysfs.
func channelQueues(name string, count func(ethtool.Channels) uint32) (uint32, bool) {
	e := ethtoolHandle()
	if e == nil {
		return 0, false
	}
	channels, err := e.GetChannels(name)
	if err != nil {
		return 0, false
	}
	n := count(channels)
	return n, n > 0
}

func sequentialIDs(n uint32) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids
}

// sysfsQueueIDs scans dir/<name>/queues for entries with the given prefix
// ("rx-" or "tx-") and returns the parsed IDs sorted ascending.
func sysfsQueueIDs(dir, name, prefix string) ([]uint32, error) {
	path := filepath.Join(dir, name, "queues")
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	var ids []uint32
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		idStr := e.Name()[len(prefix):]
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}
