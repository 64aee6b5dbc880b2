// Package xsk provides direct user-space access to AF_XDP sockets without
// a BPF-loading library in between. It covers the umem registration, the
// four kernel-shared descriptor rings and the queue binding protocol.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - Fill ring: umem addresses userspace provides to the kernel for RX.
//   - TX ring: descriptors userspace sends to the NIC.
//   - Completion ring: transmitted umem addresses returned by the kernel.
//
// The package does not load or attach XDP programs (see the sibling xskmap
// package), does not decide frame allocation strategy, and never blocks:
// waiting for ring readiness is the caller's job via poll on the socket FD.
//
// Every ring has exactly one producer and one consumer side owned by user
// space or the kernel. Using the same user-space ring side from two
// goroutines concurrently without external synchronization is undefined.
package xsk
