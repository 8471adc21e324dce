// Package conn implements the Connection and ConnectionTable described in
// the spec's data model: a directory of peers to queue pairs, a listening
// endpoint, and the per-connection send/recv credit and BufHead pools.
//
// Grounded on the teacher's saver.Connection (one struct per live flow,
// looked up by a stable key, lazily rotated/retired) generalized from "one
// output file per TCP flow" to "one queue pair per peer".
package conn

import (
	"sync"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/bufpool"
	"github.com/m-lab/bmi-rdma/memcache"
	"github.com/m-lab/bmi-rdma/metrics"
	"github.com/rs/xid"
)

// Connection wraps one reliable queue pair to a peer.
type Connection struct {
	mu sync.Mutex

	// ID is an opaque, globally-unique, roughly-sortable display id for
	// this connection's lifetime, used in logs and cmd/bmistat — not to be
	// confused with the 64-bit mop_id assigned per posted operation
	// (protoengine.Engine.allocID uses a plain monotonic counter for those, since the
	// wire format fixes mop_id at exactly 8 bytes).
	ID xid.ID

	Peer     addr.Addr // back-ref, non-owning
	PeerName string    // display string

	SendCredit   int
	ReturnCredit int

	refcount  int
	cancelled bool
	closed    bool

	SendPool *bufpool.Pool
	RecvPool *bufpool.Pool

	// SendMR/RecvMR are the handles for the registered pool regions.
	SendMR memcache.Handle
	RecvMR memcache.Handle

	// Backend is an opaque per-backend connection context (e.g. a TCP
	// net.Conn wrapper or an RDMA-CM id); owned by oob.Backend.
	Backend interface{}
}

// New creates a Connection for peer, with pools sized per the tunables.
func New(peer addr.Addr, peerName string, eagerBufNum, eagerBufSize int) *Connection {
	c := &Connection{
		ID:           xid.New(),
		Peer:         peer,
		PeerName:     peerName,
		SendCredit:   eagerBufNum,
		ReturnCredit: 0,
		SendPool:     bufpool.New(eagerBufNum, eagerBufSize),
		RecvPool:     bufpool.New(eagerBufNum, eagerBufSize),
	}
	metrics.ConnectionsOpen.Inc()
	return c
}

// Ref increments the work-item refcount that keeps this connection alive.
func (c *Connection) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refcount++
}

// Unref decrements the refcount. It returns true if this call brought the
// connection to refcount==0 while already marked closed or cancelled —
// i.e. the caller is responsible for freeing it, exactly once (invariant 4
// in spec.md §8).
func (c *Connection) Unref() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refcount > 0 {
		c.refcount--
	}
	return c.refcount == 0 && (c.closed || c.cancelled)
}

// Refcount reports the current refcount.
func (c *Connection) Refcount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refcount
}

// MarkCancelled marks the connection cancelled; the caller (poller or
// cancel path) is responsible for draining and tearing down the QP.
func (c *Connection) MarkCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// MarkClosed marks the connection closed (e.g. after a clean BYE exchange).
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Cancelled reports whether the connection has been marked cancelled.
func (c *Connection) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Closed reports whether the connection has been marked closed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ConsumeSendCredit takes one send credit, returning false if none are
// available (the caller must then queue the send in WaitingBuffer).
func (c *Connection) ConsumeSendCredit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendCredit <= 0 {
		return false
	}
	c.SendCredit--
	return true
}

// RefillSendCredit restores n send credits, e.g. when a peer's CREDIT
// message or piggybacked credit_return arrives.
func (c *Connection) RefillSendCredit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendCredit += n
}

// IncReturnCredit records that a recv buffer was consumed and is owed back
// to the peer; returns the new value.
func (c *Connection) IncReturnCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReturnCredit++
	return c.ReturnCredit
}

// TakeReturnCredit atomically reads and resets ReturnCredit to zero, for
// piggybacking onto an outgoing message header.
func (c *Connection) TakeReturnCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.ReturnCredit
	c.ReturnCredit = 0
	return v
}

// Table is the directory of peers to Connections (ConnectionTable).
type Table struct {
	mu    sync.Mutex
	byKey map[string]*Connection
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{byKey: make(map[string]*Connection)}
}

func key(a addr.Addr) string { return a.String() }

// Get returns the connection for a, if any.
func (t *Table) Get(a addr.Addr) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byKey[key(a)]
	return c, ok
}

// Put installs c as the connection for its peer.
func (t *Table) Put(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[key(c.Peer)] = c
}

// Remove deletes the entry for a, and reports the number of live
// connections remaining, for metrics.
func (t *Table) Remove(a addr.Addr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byKey, key(a))
	n := len(t.byKey)
	metrics.ConnectionsOpen.Set(float64(n))
	return n
}

// All returns a snapshot slice of all live connections, for introspection
// (bmi.Interface.GetInfo, poller.IdleSweep).
func (t *Table) All() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Connection, 0, len(t.byKey))
	for _, c := range t.byKey {
		out = append(out, c)
	}
	return out
}
