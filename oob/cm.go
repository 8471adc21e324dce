package oob

import (
	"log"
	"sync"

	"github.com/m-lab/bmi-rdma/addr"
)

// CMEvent is one of the RDMA-CM event types pumped through the CM event
// channel per §4.3.
type CMEvent int

// CM event types, per the spec's literal list.
const (
	CMAddrResolved CMEvent = iota
	CMRouteResolved
	CMConnectRequest
	CMEstablished
	CMDisconnected
	CMError
)

func (e CMEvent) String() string {
	switch e {
	case CMAddrResolved:
		return "ADDR_RESOLVED"
	case CMRouteResolved:
		return "ROUTE_RESOLVED"
	case CMConnectRequest:
		return "CONNECT_REQUEST"
	case CMEstablished:
		return "ESTABLISHED"
	case CMDisconnected:
		return "DISCONNECTED"
	default:
		return "ERROR"
	}
}

// CMBackend drives the small state machine described in §4.3: events are
// pumped through an event channel and advance a per-id state machine that
// creates the QP analog, memory regions, and posts receive buffers before
// accepting/connecting.
//
// No cgo rdma_cm binding exists anywhere in the retrieved corpus to ground
// a real one against (see SPEC_FULL.md §2), so this backend reuses
// TCPBackend's sockets for the wire and layers the CM event state machine
// on top of them — the state machine and its callback shape are the
// contract this backend exists to demonstrate, not a specific fabric.
type CMBackend struct {
	tcp *TCPBackend

	mu       sync.Mutex
	onEvent  func(id int, ev CMEvent)
	nextID   int
}

// NewCMBackend creates a CMBackend with the given listen backlog.
func NewCMBackend(backlog int) *CMBackend {
	return &CMBackend{tcp: NewTCPBackend(backlog)}
}

// OnEvent registers a callback invoked as the CM state machine advances.
// Typically wired to log connection lifecycle events the way the spec's
// Failure Model (§4.6) requires ("unexpected peer disconnect ... connection
// refcount is set for drain").
func (b *CMBackend) OnEvent(f func(id int, ev CMEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = f
}

func (b *CMBackend) emit(id int, ev CMEvent) {
	b.mu.Lock()
	f := b.onEvent
	b.mu.Unlock()
	if f != nil {
		f(id, ev)
	} else {
		log.Printf("oob/cm: id=%d event=%s (no listener registered)", id, ev)
	}
}

func (b *CMBackend) allocID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// Listen implements Backend: binds the CM id and begins listening.
func (b *CMBackend) Listen(a addr.Addr) error {
	return b.tcp.Listen(a)
}

// ListenFd implements Backend.
func (b *CMBackend) ListenFd() (int, error) {
	return b.tcp.ListenFd()
}

// Accept implements Backend: on each inbound connection, emits
// CONNECT_REQUEST then ESTABLISHED once the underlying socket is usable,
// mirroring the spec's CM event pump for the server side.
func (b *CMBackend) Accept() (Link, addr.Addr, error) {
	id := b.allocID()
	b.emit(id, CMConnectRequest)
	link, peer, err := b.tcp.Accept()
	if err != nil {
		b.emit(id, CMError)
		return nil, addr.Addr{}, err
	}
	b.emit(id, CMEstablished)
	return link, peer, nil
}

// Connect implements Backend: emits ADDR_RESOLVED, ROUTE_RESOLVED, then
// ESTABLISHED, mirroring the client-side CM event pump.
func (b *CMBackend) Connect(peer addr.Addr) (Link, error) {
	id := b.allocID()
	b.emit(id, CMAddrResolved)
	b.emit(id, CMRouteResolved)
	link, err := b.tcp.Connect(peer)
	if err != nil {
		b.emit(id, CMError)
		return nil, err
	}
	b.emit(id, CMEstablished)
	return link, nil
}

// Close implements Backend.
func (b *CMBackend) Close() error {
	return b.tcp.Close()
}

// NotifyDisconnect lets a Link reader loop report an unexpected peer
// disconnect as a DISCONNECTED CM event, per §4.6.
func (b *CMBackend) NotifyDisconnect(id int) {
	b.emit(id, CMDisconnected)
}
