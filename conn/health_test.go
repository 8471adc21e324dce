package conn

import (
	"net"
	"testing"
)

// fakeLink adapts a plain net.Conn to the subset of oob.Link that
// Connection.Health needs, without importing the oob package.
type fakeLink struct{ net.Conn }

func (f fakeLink) OOBConn() net.Conn { return f.Conn }

func TestHealthRequiresBackendWithOOBConn(t *testing.T) {
	c := New(testAddr(7179), "peer", 4, 1024)
	if _, ok := c.Health(); ok {
		t.Error("Health should report false when Backend is nil")
	}
}

func TestHealthOverRealTCPLoopback(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		sc, err := l.Accept()
		if err == nil {
			defer sc.Close()
		}
	}()

	cc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cc.Close()
	<-serverDone

	c := New(testAddr(7180), "peer", 4, 1024)
	c.Backend = fakeLink{cc}

	if _, ok := c.Health(); !ok {
		t.Log("Health() reported unavailable on this platform/kernel; HealthFromTCP is best-effort diagnostics only")
	}
}
