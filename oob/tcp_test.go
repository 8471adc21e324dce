package oob

import (
	"bytes"
	"net"
	"strconv"
	"testing"

	"github.com/m-lab/bmi-rdma/addr"
)

func TestTCPBackendRoundTrip(t *testing.T) {
	b := NewTCPBackend(128)
	if err := b.Listen(addr.Addr{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Close()

	fd, err := b.ListenFd()
	if err != nil {
		t.Fatalf("ListenFd: %v", err)
	}
	if fd < 0 {
		t.Error("ListenFd returned a negative fd")
	}

	acceptedCh := make(chan Link, 1)
	errCh := make(chan error, 1)
	go func() {
		l, _, err := b.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- l
	}()

	// Dial the ephemeral port the listener actually bound.
	host, portStr, err := net.SplitHostPort(b.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	peer := addr.Addr{Scheme: addr.SchemeRDMA, Host: host, Port: port}

	client, err := NewTCPBackend(1).Connect(peer)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	var server Link
	select {
	case server = <-acceptedCh:
		defer server.Close()
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	}

	payload := []byte("eager payload")
	if err := client.SendControl(payload); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	kind, body, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if kind != FrameControl {
		t.Errorf("Recv kind = %v, want FrameControl", kind)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("Recv body = %q, want %q", body, payload)
	}

	dataHdr := DataHeader{Addr: 0xdead, Rkey: 7}
	if err := server.SendData(dataHdr, []byte("chunk")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	kind, body, err = client.Recv()
	if err != nil {
		t.Fatalf("Recv (data): %v", err)
	}
	if kind != FrameData {
		t.Errorf("Recv kind = %v, want FrameData", kind)
	}
	gotHdr, gotPayload, err := ParseDataFrame(body)
	if err != nil {
		t.Fatalf("ParseDataFrame: %v", err)
	}
	if gotHdr != dataHdr || !bytes.Equal(gotPayload, []byte("chunk")) {
		t.Errorf("ParseDataFrame = (%+v, %q), want (%+v, %q)", gotHdr, gotPayload, dataHdr, "chunk")
	}
}
