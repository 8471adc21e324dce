// Package poller runs the accept loop that turns new OOB connections into
// protocol-engine-driven Connections, and the periodic idle-connection
// sweep that prunes cancelled, unreferenced connections.
//
// The source's poll algorithm drives everything — CQ polling, async
// events, and the OOB listener — from one thread calling ibv_poll_cq in a
// loop. This module has no ibv_poll_cq (see SPEC_FULL.md §2): completion
// delivery is push-based (protoengine.Engine.readLoop, one goroutine per
// live connection, blocking in Link.Recv), so the single loop that
// remains to write is the accept loop and the shutdown/cleanup path,
// which take the teacher main.go's shape of a context-cancelled goroutine
// plus a channel rather than an epoll reactor.
package poller

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/conn"
	"github.com/m-lab/bmi-rdma/metrics"
	"github.com/m-lab/bmi-rdma/oob"
	"github.com/m-lab/bmi-rdma/protoengine"
)

// Poller owns the accept loop for one BMI backend.
type Poller struct {
	backend oob.Backend
	table   *conn.Table
	engine  *protoengine.Engine

	cfg Config
}

// Config carries the per-connection pool sizing new inbound Connections
// are built with — the same tunables a PostSend/PostRecv-triggered
// Connect uses (spec.md §6).
type Config struct {
	EagerBufNum  int
	EagerBufSize int
}

// New creates a Poller bound to backend, publishing newly accepted
// connections into table and driving them through engine.
func New(backend oob.Backend, table *conn.Table, engine *protoengine.Engine, cfg Config) *Poller {
	return &Poller{backend: backend, table: table, engine: engine, cfg: cfg}
}

// minAcceptBackoff and maxAcceptBackoff bound the retry delay Run applies
// to a transient Accept error, the same doubling-backoff shape
// net/http.Server.Serve uses around its own Accept loop.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = 1 * time.Second
)

// Run accepts connections until ctx is cancelled or the listener is
// permanently gone. It never returns nil; on clean shutdown it returns
// ctx.Err(). Per spec.md §4.6 ("Listen-socket / CM errors on the server are
// logged and retried with backoff; they never corrupt existing
// connections"), a transient Accept error is logged and retried rather than
// killing the loop — only listener-closed (i.e. Finalize/shutdown already
// ran) ends it.
func (p *Poller) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		p.backend.Close()
		close(done)
	}()

	var backoff time.Duration
	for {
		link, peer, err := p.backend.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			log.Printf("poller: accept: %v, retrying in %s", err, backoff)
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				<-done
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		backoff = 0
		c := conn.New(peer, displayName(peer), p.cfg.EagerBufNum, p.cfg.EagerBufSize)
		p.engine.AdoptAccepted(c, link)
		log.Printf("poller: accepted connection from %s (id %s)", peer, c.ID)
	}
}

func displayName(a addr.Addr) string { return a.String() }

// IdleSweep periodically reports the live connection count to metrics and
// prunes connections that are both cancelled and have zero outstanding
// refcount — the deferred-free half of invariant 4 in spec.md §8 for
// connections whose last Unref() happened to race the sweep rather than
// landing inside PostSend/PostRecv/Cancel directly.
func (p *Poller) IdleSweep(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			conns := p.table.All()
			metrics.ConnectionsOpen.Set(float64(len(conns)))
			for _, c := range conns {
				if c.Cancelled() && c.Refcount() == 0 {
					if link, ok := c.Backend.(oob.Link); ok {
						link.Close()
					}
					p.table.Remove(c.Peer)
				}
			}
		}
	}
}
