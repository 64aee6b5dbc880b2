//go:build linux

package xsk

import (
	"fmt"
	"net"
)

// IfInfo identifies the hardware queue a socket binds to: a network
// interface plus one of its RX/TX queue IDs.
type IfInfo struct {
	// Ifindex is the kernel's numeric interface ID.
	Ifindex uint32
	// QueueID selects the hardware queue. Validity is only established by
	// the bind call itself; checking earlier would be racy anyway.
	QueueID uint32

	name string
}

// NewIfInfo resolves an interface by name, e.g. "enp8s0" or "lo".
// The queue defaults to 0; adjust with SetQueue.
func NewIfInfo(name string) (IfInfo, error) {
	netIf, err := net.InterfaceByName(name)
	if err != nil {
		return IfInfo{}, fmt.Errorf("getting interface: %w", err)
	}
	return IfInfo{Ifindex: uint32(netIf.Index), name: netIf.Name}, nil
}

// NewIfInfoIndex resolves an interface by its kernel index.
func NewIfInfoIndex(index int) (IfInfo, error) {
	netIf, err := net.InterfaceByIndex(index)
	if err != nil {
		return IfInfo{}, fmt.Errorf("getting interface: %w", err)
	}
	return IfInfo{Ifindex: uint32(netIf.Index), name: netIf.Name}, nil
}

// SetQueue selects the hardware queue to bind.
func (i *IfInfo) SetQueue(queueID uint32) { i.QueueID = queueID }

// Name returns the interface name the info was resolved from.
func (i IfInfo) Name() string { return i.name }
