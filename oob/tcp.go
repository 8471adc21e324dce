package oob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/higebu/netfd"
	"github.com/m-lab/bmi-rdma/addr"
)

// TCPBackend is the legacy TCP-based exchange (§4.3): a listen socket, an
// accept loop, and a client Connect that dials and mirrors the exchange.
// Unlike the original source (which hands off to a short-lived handler
// thread that does verbs QP creation), this backend carries both the OOB
// handshake and the protocol's data plane over the same socket, since no
// verbs binding exists in the retrieved corpus to hand off to (see
// SPEC_FULL.md §2 "Verbs backend boundary").
type TCPBackend struct {
	mu       sync.Mutex
	listener net.Listener
	backlog  int
}

// NewTCPBackend creates a TCPBackend with the given listen backlog
// (spec.md §6 tunable listen_backlog, default 16384 — Go's net package has
// no direct backlog knob, so this is recorded for parity/introspection and
// enforced at the OS level via the platform's SOMAXCONN).
func NewTCPBackend(backlog int) *TCPBackend {
	return &TCPBackend{backlog: backlog}
}

// Listen implements Backend.
func (b *TCPBackend) Listen(a addr.Addr) error {
	l, err := net.Listen("tcp", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
	log.Printf("oob: listening on %s (backlog hint %d)", l.Addr(), b.backlog)
	return nil
}

// Addr returns the listener's actual bound address, useful when Listen was
// given port 0 and the OS chose an ephemeral port.
func (b *TCPBackend) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// ListenFd implements Backend.
func (b *TCPBackend) ListenFd() (int, error) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l == nil {
		return -1, errors.New("oob: not listening")
	}
	tl, ok := l.(*net.TCPListener)
	if !ok {
		return -1, errors.New("oob: listener is not TCP")
	}
	// net.TCPListener has no raw-fd accessor that doesn't dup and switch to
	// blocking mode; File() is the standard-library way to get there. We
	// reserve netfd.GetFd (below, in Fd()) for the per-connection case it
	// is actually grounded on: pulling the live data-socket fd for TCP_INFO
	// diagnostics, the same use runZeroInc's sockstats/conniver make of it.
	f, err := tl.File()
	if err != nil {
		return -1, err
	}
	return int(f.Fd()), nil
}

// Accept implements Backend.
func (b *TCPBackend) Accept() (Link, addr.Addr, error) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l == nil {
		return nil, addr.Addr{}, errors.New("oob: not listening")
	}
	c, err := l.Accept()
	if err != nil {
		return nil, addr.Addr{}, err
	}
	host, portStr, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		c.Close()
		return nil, addr.Addr{}, err
	}
	port, _ := strconv.Atoi(portStr)
	peer := addr.Addr{Scheme: addr.SchemeRDMA, Host: host, Port: port}
	return newTCPLink(c), peer, nil
}

// Connect implements Backend. Per §4.3 "Connect-on-demand", this blocks the
// caller until the socket is established or errors.
func (b *TCPBackend) Connect(peer addr.Addr) (Link, error) {
	c, err := net.Dial("tcp", net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port)))
	if err != nil {
		return nil, fmt.Errorf("oob: connect to %s: %w", peer, err)
	}
	return newTCPLink(c), nil
}

// Close implements Backend.
func (b *TCPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

// tcpLink is a Link backed by one net.Conn, framed as:
//
//	[u8 kind][u32 length][payload]
//
// For FrameData, payload is itself [u64 addr][u32 rkey][bytes...].
type tcpLink struct {
	mu sync.Mutex
	c  net.Conn
}

func newTCPLink(c net.Conn) *tcpLink { return &tcpLink{c: c} }

func (l *tcpLink) writeFrame(kind FrameKind, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hdr := make([]byte, 5)
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := l.c.Write(hdr); err != nil {
		return err
	}
	_, err := l.c.Write(payload)
	return err
}

func (l *tcpLink) SendControl(payload []byte) error {
	return l.writeFrame(FrameControl, payload)
}

func (l *tcpLink) SendData(hdr DataHeader, payload []byte) error {
	buf := make([]byte, 12+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], hdr.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Rkey)
	copy(buf[12:], payload)
	return l.writeFrame(FrameData, buf)
}

// ParseDataFrame splits a FrameData body into its header and payload.
func ParseDataFrame(body []byte) (DataHeader, []byte, error) {
	if len(body) < 12 {
		return DataHeader{}, nil, errors.New("oob: short data frame")
	}
	h := DataHeader{
		Addr: binary.LittleEndian.Uint64(body[0:8]),
		Rkey: binary.LittleEndian.Uint32(body[8:12]),
	}
	return h, body[12:], nil
}

func (l *tcpLink) Recv() (FrameKind, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(l.c, hdr); err != nil {
		return 0, nil, err
	}
	kind := FrameKind(hdr[0])
	n := binary.LittleEndian.Uint32(hdr[1:])
	body := make([]byte, n)
	if _, err := io.ReadFull(l.c, body); err != nil {
		return 0, nil, err
	}
	return kind, body, nil
}

func (l *tcpLink) Fd() (int, error) {
	tc, ok := l.c.(*net.TCPConn)
	if !ok {
		return -1, errors.New("oob: not a TCP connection")
	}
	return netfd.GetFd(tc)
}

func (l *tcpLink) OOBConn() net.Conn { return l.c }

func (l *tcpLink) Close() error { return l.c.Close() }
