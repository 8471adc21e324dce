package oob

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/m-lab/bmi-rdma/addr"
)

func TestCMBackendEmitsExpectedEventSequence(t *testing.T) {
	b := NewCMBackend(16)
	if err := b.Listen(addr.Addr{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var serverEvents []CMEvent
	b.OnEvent(func(id int, ev CMEvent) {
		mu.Lock()
		serverEvents = append(serverEvents, ev)
		mu.Unlock()
	})

	acceptErr := make(chan error, 1)
	go func() {
		_, _, err := b.Accept()
		acceptErr <- err
	}()

	host, portStr, _ := net.SplitHostPort(b.tcp.Addr().String())
	port, _ := strconv.Atoi(portStr)

	client := NewCMBackend(1)
	var clientEvents []CMEvent
	client.OnEvent(func(id int, ev CMEvent) {
		mu.Lock()
		clientEvents = append(clientEvents, ev)
		mu.Unlock()
	})
	link, err := client.Connect(addr.Addr{Scheme: addr.SchemeRDMA, Host: host, Port: port})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer link.Close()

	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(serverEvents) != 2 || serverEvents[0] != CMConnectRequest || serverEvents[1] != CMEstablished {
		t.Errorf("server events = %v, want [CONNECT_REQUEST ESTABLISHED]", serverEvents)
	}
	if len(clientEvents) != 3 || clientEvents[0] != CMAddrResolved || clientEvents[1] != CMRouteResolved || clientEvents[2] != CMEstablished {
		t.Errorf("client events = %v, want [ADDR_RESOLVED ROUTE_RESOLVED ESTABLISHED]", clientEvents)
	}
}
