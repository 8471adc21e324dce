// Package oob implements the out-of-band connection setup described in the
// spec's §4.3: a TCP-socket exchange and an RDMA-CM-shaped exchange, both
// behind one Backend interface so the protocol engine and completion
// poller never know which is in use (Design Note 9.2).
package oob

import (
	"net"

	"github.com/m-lab/bmi-rdma/addr"
)

// Frame kinds distinguish a tagged control message (one of the common-header
// message types in wire.Type) from a raw RDMA-WRITE-equivalent data blob.
type FrameKind uint8

const (
	// FrameControl carries a common-header message (EAGER_SEND, RTS, CTS, ...).
	FrameControl FrameKind = iota
	// FrameData carries one segment of an RDMA-WRITE payload, addressed by
	// the receiver's own (addr, rkey) as published in its CTS.
	FrameData
)

// DataHeader prefixes a FrameData frame: the destination the receiver
// itself published in its CTS segment table.
type DataHeader struct {
	Addr uint64
	Rkey uint32
}

// Link is a single established OOB connection's transport-level handle.
type Link interface {
	// SendControl writes a tagged control message frame.
	SendControl(payload []byte) error
	// SendData writes one RDMA-WRITE-equivalent data frame.
	SendData(hdr DataHeader, payload []byte) error
	// Recv blocks until the next frame arrives, returning its kind and body.
	// For FrameControl, body is the raw control message bytes. For
	// FrameData, body is prefixed by the encoded DataHeader followed by the
	// payload — callers use ParseDataFrame to split it.
	Recv() (FrameKind, []byte, error)
	// Fd returns the underlying file descriptor, for diagnostics.
	Fd() (int, error)
	// OOBConn returns the underlying net.Conn, for health diagnostics.
	OOBConn() net.Conn
	// Close tears down the link.
	Close() error
}

// Backend is the verbs-backend abstraction of Design Note 9.2: one
// interface covering both OOB variants (TCP, RDMA-CM), chosen statically at
// init. Both variants must, before returning from Accept/Connect, have
// allocated the protection domain analog, registered the eager pools, and
// pre-posted the entire recv pool — modeled here simply as "the Link is
// usable for both control and data frames the moment it is returned."
type Backend interface {
	// Listen brings up the OOB listening endpoint at a.
	Listen(a addr.Addr) error
	// Accept blocks until a peer connects, returning the established Link
	// and the peer's resolved address.
	Accept() (Link, addr.Addr, error)
	// Connect performs client-side setup to peer, blocking until
	// established or failed (§4.3 "Connect-on-demand").
	Connect(peer addr.Addr) (Link, error)
	// ListenFd returns the OOB listener's fd, for diagnostics.
	ListenFd() (int, error)
	// Close tears down the listening endpoint.
	Close() error
}
