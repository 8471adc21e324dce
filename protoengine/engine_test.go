package protoengine

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/conn"
	"github.com/m-lab/bmi-rdma/memcache"
	"github.com/m-lab/bmi-rdma/oob"
	"github.com/m-lab/bmi-rdma/unexpected"
)

// testPair wires two Engines together over a loopback TCPBackend: server
// listens, client connects on demand. It mirrors how cmd/bmid wires one
// Engine per process, just with both ends in one test binary.
type testPair struct {
	serverEngine *Engine
	clientEngine *Engine
	serverAddr   addr.Addr
	acceptedPeer chan addr.Addr
}

func newTestPair(t *testing.T, eagerBufNum, eagerBufSize int) *testPair {
	t.Helper()

	serverBackend := oob.NewTCPBackend(16)
	if err := serverBackend.Listen(addr.Addr{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("server Listen: %v", err)
	}
	host, portStr, err := net.SplitHostPort(serverBackend.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	serverAddr := addr.Addr{Scheme: addr.SchemeRDMA, Host: host, Port: port}

	serverTable := conn.NewTable()
	serverEngine := New(Config{EagerBufNum: eagerBufNum, EagerBufSize: eagerBufSize},
		serverTable, addr.NewDirectory(), memcache.New(memcache.NewSoftRegistrar()), unexpected.New(), serverBackend)

	tp := &testPair{
		serverEngine: serverEngine,
		serverAddr:   serverAddr,
		acceptedPeer: make(chan addr.Addr, 1),
	}

	go func() {
		link, peer, err := serverBackend.Accept()
		if err != nil {
			return
		}
		c := conn.New(peer, peer.String(), eagerBufNum, eagerBufSize)
		serverEngine.AdoptAccepted(c, link)
		tp.acceptedPeer <- peer
	}()

	clientBackend := oob.NewTCPBackend(16)
	clientTable := conn.NewTable()
	tp.clientEngine = New(Config{EagerBufNum: eagerBufNum, EagerBufSize: eagerBufSize},
		clientTable, addr.NewDirectory(), memcache.New(memcache.NewSoftRegistrar()), unexpected.New(), clientBackend)

	return tp
}

func TestEagerSendRecvRoundTrip(t *testing.T) {
	tp := newTestPair(t, 8, 256)

	payload := []byte("hello over bmi-rdma")
	sendOpID, err := tp.clientEngine.PostSend(tp.serverAddr, NewBuflist(payload), len(payload), 11, false, "send-ptr", 1, true)
	if err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	peer := <-tp.acceptedPeer
	recvBuf := make([]byte, 64)
	recvOpID, err := tp.serverEngine.PostRecv(peer, NewBuflist(recvBuf), len(recvBuf), 11, "recv-ptr", 1, false)
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	sendComp, ok := tp.clientEngine.Test(sendOpID, 2*time.Second)
	if !ok {
		t.Fatal("send did not complete in time")
	}
	if sendComp.Err != nil {
		t.Fatalf("send completion error: %v", sendComp.Err)
	}
	if sendComp.Size != len(payload) {
		t.Errorf("send completion size = %d, want %d", sendComp.Size, len(payload))
	}

	recvComp, ok := tp.serverEngine.Test(recvOpID, 2*time.Second)
	if !ok {
		t.Fatal("recv did not complete in time")
	}
	if recvComp.Err != nil {
		t.Fatalf("recv completion error: %v", recvComp.Err)
	}
	if recvComp.Size != len(payload) {
		t.Errorf("recv completion size = %d, want %d", recvComp.Size, len(payload))
	}
	if !bytes.Equal(recvBuf[:recvComp.Size], payload) {
		t.Errorf("recv buffer = %q, want %q", recvBuf[:recvComp.Size], payload)
	}
}

func TestEagerArrivesBeforePost(t *testing.T) {
	tp := newTestPair(t, 8, 256)

	payload := []byte("early bird")
	sendOpID, err := tp.clientEngine.PostSend(tp.serverAddr, NewBuflist(payload), len(payload), 22, false, nil, 2, true)
	if err != nil {
		t.Fatalf("PostSend: %v", err)
	}
	peer := <-tp.acceptedPeer

	// Give the eager message time to land in the server's pendingEager
	// table before PostRecv is ever called.
	time.Sleep(100 * time.Millisecond)

	recvBuf := make([]byte, 64)
	recvOpID, err := tp.serverEngine.PostRecv(peer, NewBuflist(recvBuf), len(recvBuf), 22, nil, 2, false)
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	if _, ok := tp.clientEngine.Test(sendOpID, 2*time.Second); !ok {
		t.Fatal("send did not complete in time")
	}
	recvComp, ok := tp.serverEngine.Test(recvOpID, 2*time.Second)
	if !ok {
		t.Fatal("recv did not complete in time")
	}
	if !bytes.Equal(recvBuf[:recvComp.Size], payload) {
		t.Errorf("recv buffer = %q, want %q", recvBuf[:recvComp.Size], payload)
	}
}

func TestRendezvousSendRecvRoundTrip(t *testing.T) {
	tp := newTestPair(t, 4, 64) // eagerMax = 64 - 12 = 52

	payload := bytes.Repeat([]byte{0x5a}, 4096)
	sendOpID, err := tp.clientEngine.PostSend(tp.serverAddr, NewBuflist(payload), len(payload), 33, false, nil, 3, true)
	if err != nil {
		t.Fatalf("PostSend: %v", err)
	}
	peer := <-tp.acceptedPeer

	recvBuf := make([]byte, len(payload))
	recvOpID, err := tp.serverEngine.PostRecv(peer, NewBuflist(recvBuf), len(recvBuf), 33, nil, 3, false)
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	sendComp, ok := tp.clientEngine.Test(sendOpID, 3*time.Second)
	if !ok {
		t.Fatal("rendezvous send did not complete in time")
	}
	if sendComp.Err != nil {
		t.Fatalf("send completion error: %v", sendComp.Err)
	}

	recvComp, ok := tp.serverEngine.Test(recvOpID, 3*time.Second)
	if !ok {
		t.Fatal("rendezvous recv did not complete in time")
	}
	if recvComp.Err != nil {
		t.Fatalf("recv completion error: %v", recvComp.Err)
	}
	if !bytes.Equal(recvBuf, payload) {
		t.Error("received payload does not match sent payload")
	}
}

func TestUnexpectedSendDelivery(t *testing.T) {
	tp := newTestPair(t, 8, 256)

	payload := []byte("nobody posted a recv for this")
	sendOpID, err := tp.clientEngine.PostSendUnexpected(tp.serverAddr, NewBuflist(payload), 44, nil, 4, true)
	if err != nil {
		t.Fatalf("PostSendUnexpected: %v", err)
	}
	<-tp.acceptedPeer

	if _, ok := tp.clientEngine.Test(sendOpID, 2*time.Second); !ok {
		t.Fatal("unexpected send did not complete in time")
	}

	var records []*unexpected.Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records = tp.serverEngine.unexp.Drain(10)
		if len(records) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(records) != 1 {
		t.Fatalf("unexpected table has %d records, want 1", len(records))
	}
	if !bytes.Equal(records[0].Payload, payload) {
		t.Errorf("unexpected record payload = %q, want %q", records[0].Payload, payload)
	}
}

func TestCancelFailsOutstandingSend(t *testing.T) {
	tp := newTestPair(t, 1, 256)

	// Consume the connection's only send credit with a large rendezvous
	// send that will stall waiting on a CTS that never arrives (no peer
	// posts a matching recv), so the second send queues in WaitingBuffer
	// and is the one actually exercised by Cancel.
	big := bytes.Repeat([]byte{1}, 1024)
	_, err := tp.clientEngine.PostSend(tp.serverAddr, NewBuflist(big), len(big), 55, false, nil, 5, true)
	if err != nil {
		t.Fatalf("PostSend (first): %v", err)
	}
	<-tp.acceptedPeer

	small := []byte("queued behind the stalled send")
	queuedOpID, err := tp.clientEngine.PostSend(tp.serverAddr, NewBuflist(small), len(small), 55, false, nil, 5, true)
	if err != nil {
		t.Fatalf("PostSend (second): %v", err)
	}

	tp.clientEngine.Cancel(queuedOpID)
	comp, ok := tp.clientEngine.Test(queuedOpID, 2*time.Second)
	if !ok {
		t.Fatal("cancelled send should still surface a terminal completion")
	}
	if comp.Err == nil {
		t.Fatal("cancelled send completion should carry an error")
	}
}
