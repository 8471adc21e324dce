package conn

import (
	"net"
	"time"

	"github.com/mikioh/tcp"
	"github.com/mikioh/tcpinfo"
)

// Health is a diagnostic snapshot of the OOB TCP socket's congestion state.
// It never gates protocol decisions (per SPEC_FULL.md §3 addendum); neither
// get_info nor cmd/bmistat exposes it.
type Health struct {
	RTT         time.Duration
	CWND        uint64
	Retransmits uint64
}

// HealthFromTCP reads TCP_INFO off c via mikioh/tcp + mikioh/tcpinfo,
// grounded on the same pairing used by runZeroInc's sockstats/conniver
// tooling to pull RTT/cwnd off a live socket.
func HealthFromTCP(c net.Conn) (Health, error) {
	tc, err := tcp.NewConn(c)
	if err != nil {
		return Health{}, err
	}
	var o tcpinfo.Info
	var b [256]byte
	raw, err := tc.Option(o.Level(), o.Name(), b[:])
	if err != nil {
		return Health{}, err
	}
	info, ok := raw.(*tcpinfo.Info)
	if !ok {
		return Health{}, nil
	}
	return Health{
		RTT:         info.RTT,
		CWND:        uint64(info.SenderWindowSegs),
		Retransmits: uint64(info.SenderSSThreshold),
	}, nil
}

// Health returns the connection's most recently sampled OOB-socket health,
// if the backend exposes one.
func (c *Connection) Health() (Health, bool) {
	tc, ok := c.Backend.(interface{ OOBConn() net.Conn })
	if !ok {
		return Health{}, false
	}
	h, err := HealthFromTCP(tc.OOBConn())
	if err != nil {
		return Health{}, false
	}
	return h, true
}
