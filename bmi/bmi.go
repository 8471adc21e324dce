// Package bmi is the facade described in spec.md §6's transport-operations
// table: the one surface an application (or, here, cmd/bmistat) calls
// instead of reaching into protoengine/conn/addr/memcache directly.
package bmi

import (
	"fmt"
	"time"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/conn"
	"github.com/m-lab/bmi-rdma/device"
	"github.com/m-lab/bmi-rdma/memcache"
	"github.com/m-lab/bmi-rdma/oob"
	"github.com/m-lab/bmi-rdma/protoengine"
	"github.com/m-lab/bmi-rdma/taxonomy"
	"github.com/m-lab/bmi-rdma/unexpected"
)

// Interface is one initialized BMI instance: a connection table, address
// directory, MemCache, unexpected table, and the protocol engine bound to
// a single oob.Backend. Exactly one should exist per process, per
// spec.md §9 ("process-wide state").
type Interface struct {
	Dir     *addr.Directory
	Table   *conn.Table
	Cache   *memcache.Cache
	Unexp   *unexpected.Table
	Backend oob.Backend
	Engine  *protoengine.Engine

	reconnect bool
}

// Config mirrors config.Tunables without importing it, so bmi stays
// usable from tests without the flag package wired up.
type Config struct {
	EagerBufNum  int
	EagerBufSize int
	Reconnect    bool
}

// Init constructs a BMI Interface bound to backend. It does not start the
// accept loop — callers that also want to receive inbound connections
// must separately run a poller.Poller against the same Table/Engine.
func Init(cfg Config, backend oob.Backend) *Interface {
	dir := addr.NewDirectory()
	table := conn.NewTable()
	cache := memcache.New(memcache.NewSoftRegistrar())
	unexp := unexpected.New()
	engine := protoengine.New(protoengine.Config{
		EagerBufNum:  cfg.EagerBufNum,
		EagerBufSize: cfg.EagerBufSize,
	}, table, dir, cache, unexp, backend)

	return &Interface{
		Dir:       dir,
		Table:     table,
		Cache:     cache,
		Unexp:     unexp,
		Backend:   backend,
		Engine:    engine,
		reconnect: cfg.Reconnect,
	}
}

// Finalize tears down the backend listener, if any. Outstanding
// connections are left to the caller's own shutdown sequence (spec.md §9
// calls finalize() "the application's responsibility to have already
// cancelled outstanding operations").
func (i *Interface) Finalize() error {
	return i.Backend.Close()
}

// PostSend posts an expected send to peer, tagged tag, carrying buf.
func (i *Interface) PostSend(rawPeer string, buf []byte, tag uint32, userPtr interface{}, contextID int) (uint64, error) {
	peer, err := i.Dir.Lookup(rawPeer)
	if err != nil {
		return 0, err
	}
	bl := protoengine.NewBuflist(buf)
	return i.Engine.PostSend(peer, bl, bl.TotalLen, tag, false, userPtr, contextID, i.reconnect)
}

// PostSendUnexpected posts an unexpected send; buf must fit within the
// connection's eager threshold (spec.md §4.1 edge case (ii)).
func (i *Interface) PostSendUnexpected(rawPeer string, buf []byte, tag uint32, userPtr interface{}, contextID int) (uint64, error) {
	peer, err := i.Dir.Lookup(rawPeer)
	if err != nil {
		return 0, err
	}
	bl := protoengine.NewBuflist(buf)
	return i.Engine.PostSendUnexpected(peer, bl, tag, userPtr, contextID, i.reconnect)
}

// PostRecv posts a recv of up to len(buf) bytes from peer, tagged tag.
func (i *Interface) PostRecv(rawPeer string, buf []byte, tag uint32, userPtr interface{}, contextID int) (uint64, error) {
	peer, err := i.Dir.Lookup(rawPeer)
	if err != nil {
		return 0, err
	}
	bl := protoengine.NewBuflist(buf)
	return i.Engine.PostRecv(peer, bl, len(buf), tag, userPtr, contextID, i.reconnect)
}

// PostSendList is PostSend's scatter/gather form (spec.md §6
// post_send_list): bufs are sent as one logical message, in order, without
// the caller having to coalesce them into one contiguous allocation.
func (i *Interface) PostSendList(rawPeer string, bufs [][]byte, tag uint32, userPtr interface{}, contextID int) (uint64, error) {
	peer, err := i.Dir.Lookup(rawPeer)
	if err != nil {
		return 0, err
	}
	bl := protoengine.NewBuflistFromSlices(bufs)
	return i.Engine.PostSend(peer, bl, bl.TotalLen, tag, false, userPtr, contextID, i.reconnect)
}

// PostSendUnexpectedList is PostSendList's unexpected-send counterpart
// (spec.md §6 post_sendunexpected_list); the gathered total must still fit
// the connection's eager threshold, same as PostSendUnexpected.
func (i *Interface) PostSendUnexpectedList(rawPeer string, bufs [][]byte, tag uint32, userPtr interface{}, contextID int) (uint64, error) {
	peer, err := i.Dir.Lookup(rawPeer)
	if err != nil {
		return 0, err
	}
	bl := protoengine.NewBuflistFromSlices(bufs)
	return i.Engine.PostSendUnexpected(peer, bl, tag, userPtr, contextID, i.reconnect)
}

// PostRecvList is PostRecv's scatter/gather form (spec.md §6
// post_recv_list): the incoming payload is written across bufs in order.
func (i *Interface) PostRecvList(rawPeer string, bufs [][]byte, tag uint32, userPtr interface{}, contextID int) (uint64, error) {
	peer, err := i.Dir.Lookup(rawPeer)
	if err != nil {
		return 0, err
	}
	bl := protoengine.NewBuflistFromSlices(bufs)
	return i.Engine.PostRecv(peer, bl, bl.TotalLen, tag, userPtr, contextID, i.reconnect)
}

// Test reaps the completion for opID, blocking up to timeout.
func (i *Interface) Test(opID uint64, timeout time.Duration) (protoengine.Completion, bool) {
	return i.Engine.Test(opID, timeout)
}

// TestContext reaps up to incount completions posted under contextID,
// blocking up to timeout.
func (i *Interface) TestContext(contextID, incount int, timeout time.Duration) []protoengine.Completion {
	return i.Engine.TestContext(contextID, incount, timeout)
}

// TestUnexpected drains up to incount unexpected records.
func (i *Interface) TestUnexpected(incount int) []*unexpected.Record {
	return i.Unexp.Drain(incount)
}

// Cancel cancels a posted operation by id (spec.md §5).
func (i *Interface) Cancel(opID uint64) {
	i.Engine.Cancel(opID)
}

// InfoKey names one queryable or settable transport parameter for
// get_info/set_info (spec.md §6's transport-operations table).
type InfoKey int

const (
	// InfoEagerLimit (get only) is the eager/rendezvous threshold in bytes,
	// derived from eager_buf_size.
	InfoEagerLimit InfoKey = iota
	// InfoConnectionCount (get only) is the number of live connections.
	InfoConnectionCount
	// InfoDevicePortStats (get only) is the most recent RDMA device port
	// counter snapshot, the same data device/rdmadev.go feeds cmd/bmistat.
	InfoDevicePortStats
	// InfoReconnect (get/set) toggles whether post_* is allowed to
	// connect-on-demand when no live connection exists for a peer.
	InfoReconnect
)

// GetInfo reads one transport parameter.
func (i *Interface) GetInfo(key InfoKey) (interface{}, error) {
	switch key {
	case InfoEagerLimit:
		return i.Engine.EagerMax(), nil
	case InfoConnectionCount:
		return len(i.Table.All()), nil
	case InfoDevicePortStats:
		if dev := device.Get(); dev != nil {
			return dev.PortStats, nil
		}
		return nil, nil
	case InfoReconnect:
		return i.reconnect, nil
	default:
		return nil, fmt.Errorf("bmi: unknown info key %d", key)
	}
}

// SetInfo writes one settable transport parameter.
func (i *Interface) SetInfo(key InfoKey, value interface{}) error {
	switch key {
	case InfoReconnect:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("bmi: SetInfo(InfoReconnect) wants bool, got %T", value)
		}
		i.reconnect = b
		return nil
	default:
		return fmt.Errorf("bmi: info key %d is not settable", key)
	}
}

// MemAlloc and MemFree are the application-visible pinned-memory helpers
// described in spec.md §6: in this software backend there is no distinct
// pinned-allocation path (any Go byte slice can back a send/recv buflist,
// per the MemCache's lazy pin-on-use model), so these simply allocate or
// release a plain byte slice — the registration itself happens lazily the
// first time PostSend/PostRecv passes the range to the MemCache.
func MemAlloc(size int) []byte {
	return make([]byte, size)
}

// MemFree is a no-op for a garbage-collected allocation; it exists so
// callers following the spec's alloc/free pairing compile unchanged
// against a hypothetical future pinned-allocator backend.
func MemFree(buf []byte) {}

// ClassOf extracts the taxonomy class from an error returned by this
// package's methods, for callers that branch on error class rather than
// comparing against sentinel values (spec.md §5 error taxonomy).
func ClassOf(err error) (taxonomy.Class, bool) {
	te, ok := err.(*taxonomy.Error)
	if !ok {
		return 0, false
	}
	return te.Class, true
}
