package protoengine

import (
	"io"
	"log"

	"github.com/m-lab/bmi-rdma/conn"
	"github.com/m-lab/bmi-rdma/oob"
	"github.com/m-lab/bmi-rdma/unexpected"
	"github.com/m-lab/bmi-rdma/wire"
)

// readLoop is the per-connection arrival pump: one goroutine per live
// connection owns the blocking link.Recv() call and dispatches whatever
// arrives, so poller.Poller itself only ever has to run the accept loop
// (see SPEC_FULL.md §5.1).
func (e *Engine) readLoop(c *conn.Connection, link oob.Link) {
	for {
		kind, body, err := link.Recv()
		if err != nil {
			if err != io.EOF {
				log.Printf("protoengine: read loop for %s: %v", c.PeerName, err)
			}
			e.onDisconnect(c)
			return
		}
		switch kind {
		case oob.FrameControl:
			e.dispatchControl(c, link, body)
		case oob.FrameData:
			e.onDataArrive(c, body)
		default:
			log.Printf("protoengine: unknown frame kind %d from %s", kind, c.PeerName)
		}
	}
}

func (e *Engine) dispatchControl(c *conn.Connection, link oob.Link, body []byte) {
	hdr, err := wire.ParseHeader(body)
	if err != nil {
		log.Printf("protoengine: short control frame from %s: %v", c.PeerName, err)
		return
	}
	if hdr.CreditReturn > 0 {
		c.RefillSendCredit(int(hdr.CreditReturn))
		e.drainSendWaitQ(c, link)
	}

	switch hdr.Type {
	case wire.EagerSend, wire.EagerSendUnexpected:
		msg, err := wire.ParseEager(body)
		if err != nil {
			log.Printf("protoengine: bad EAGER_SEND from %s: %v", c.PeerName, err)
			return
		}
		e.onEagerArrive(c, msg)
	case wire.RTS:
		msg, err := wire.ParseRTS(body)
		if err != nil {
			log.Printf("protoengine: bad RTS from %s: %v", c.PeerName, err)
			return
		}
		e.onRTSArrive(c, msg)
	case wire.CTS:
		msg, err := wire.ParseCTS(body)
		if err != nil {
			log.Printf("protoengine: bad CTS from %s: %v", c.PeerName, err)
			return
		}
		e.onCTS(c, link, msg)
	case wire.RTSDone:
		msg, err := wire.ParseRTSDone(body)
		if err != nil {
			log.Printf("protoengine: bad RTS_DONE from %s: %v", c.PeerName, err)
			return
		}
		e.mu.Lock()
		q := e.queuesFor(c)
		e.mu.Unlock()
		e.onRTSDone(c, q, msg)
	case wire.BYE:
		c.MarkClosed()
		link.Close()
	case wire.Credit:
		// credit_return already applied above; CREDIT carries no body.
	default:
		log.Printf("protoengine: unknown control type %s from %s", hdr.Type, c.PeerName)
	}
}

// onEagerArrive implements spec.md §4.1's eager arrival rule: an
// EAGER_SEND_UNEXPECTED always lands in the unexpected table (scenario 4);
// a plain EAGER_SEND first tries to match a posted recv (oldest same-tag
// post wins), and failing that becomes a pending record a later PostRecv
// will pick up (scenario 3).
func (e *Engine) onEagerArrive(c *conn.Connection, msg wire.Eager) {
	payload := append([]byte(nil), msg.Payload...)

	if msg.Header.Type == wire.EagerSendUnexpected {
		e.unexp.Add(&unexpected.Record{Peer: c.Peer, Tag: msg.Tag, Payload: payload, Size: len(payload)})
		return
	}

	e.mu.Lock()
	q := e.queuesFor(c)
	waiters := q.recvWaitQ[msg.Tag]
	if len(waiters) > 0 {
		op := waiters[0]
		q.recvWaitQ[msg.Tag] = waiters[1:]
		e.mu.Unlock()
		e.completeEagerRecv(op, payload)
		return
	}
	q.pendingEager[msg.Tag] = append(q.pendingEager[msg.Tag], &pendingEager{payload: payload})
	e.mu.Unlock()
}

// onRTSArrive implements spec.md §4.1's RTS arrival rule: match an
// existing WaitingIncoming recv of the same tag if one exists, else create
// a RtsWaitingUserPost placeholder a later PostRecv will complete (per the
// literal "if the application hasn't posted a matching receive yet" text).
func (e *Engine) onRTSArrive(c *conn.Connection, msg wire.RTSMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queuesFor(c)

	waiters := q.recvWaitQ[msg.Tag]
	if len(waiters) > 0 {
		op := waiters[0]
		q.recvWaitQ[msg.Tag] = waiters[1:]
		op.RTSMopID = msg.MopID
		op.rtsTotal = int(msg.TotalLen)
		e.proceedToCTS(c, q, op)
		return
	}

	placeholder := &RecvOp{
		MopID:    e.allocID(),
		Conn:     c,
		Peer:     c.Peer,
		Tag:      msg.Tag,
		RTSMopID: msg.MopID,
		rtsTotal: int(msg.TotalLen),
		State:    RecvRtsWaitingUserPost,
	}
	// The placeholder is a real work item referencing c from the moment it
	// arrives, not just from whenever PostRecv eventually adopts it; ref'd
	// here, released once in completeRecv.
	c.Ref()
	e.recvOps[placeholder.MopID] = placeholder
	q.pendingRTS[msg.Tag] = append(q.pendingRTS[msg.Tag], placeholder)
}

// onDataArrive routes an RDMA-WRITE-emulating DATA frame to the recv
// segment it was addressed to, by the (addr, rkey) pair the receiver
// itself published in its CTS.
func (e *Engine) onDataArrive(c *conn.Connection, body []byte) {
	hdr, payload, err := oob.ParseDataFrame(body)
	if err != nil {
		log.Printf("protoengine: bad DATA frame from %s: %v", c.PeerName, err)
		return
	}

	e.mu.Lock()
	q := e.queuesFor(c)
	ref, ok := q.segByAddr[hdr.Addr]
	if !ok {
		e.mu.Unlock()
		log.Printf("protoengine: DATA frame for unknown addr %x from %s (stale or cancelled)", hdr.Addr, c.PeerName)
		return
	}
	delete(q.segByAddr, hdr.Addr)
	e.mu.Unlock()

	seg := &ref.op.Buflist.Segments[ref.segIndex]
	n := copy(seg.Buf, payload)

	e.mu.Lock()
	ref.op.ActualSize += n
	e.mu.Unlock()
}

// drainSendWaitQ pops as many WaitingBuffer sends as send credits allow,
// FIFO, per spec.md §4.1's ordering guarantee.
func (e *Engine) drainSendWaitQ(c *conn.Connection, link oob.Link) {
	for {
		e.mu.Lock()
		q := e.queuesFor(c)
		if len(q.sendWaitQ) == 0 || !c.ConsumeSendCredit() {
			e.mu.Unlock()
			return
		}
		op := q.sendWaitQ[0]
		q.sendWaitQ = q.sendWaitQ[1:]
		bh, err := c.SendPool.Get()
		if err != nil {
			c.RefillSendCredit(1)
			q.sendWaitQ = append([]*SendOp{op}, q.sendWaitQ...)
			e.mu.Unlock()
			return
		}
		op.BH = bh
		e.mu.Unlock()

		if op.Buflist.TotalLen <= e.eagerMax {
			e.sendEager(c, link, op)
		} else {
			e.sendRTS(c, link, op)
		}
	}
}

// onDisconnect handles an unexpected link closure (spec.md §4.4): every
// outstanding op on this connection completes with a Peer-class error.
func (e *Engine) onDisconnect(c *conn.Connection) {
	e.mu.Lock()
	c.MarkCancelled()
	var toFail []*SendOp
	var toFailRecv []*RecvOp
	for _, op := range e.sendOps {
		if op.Conn == c && !op.State.Terminal() {
			toFail = append(toFail, op)
		}
	}
	for _, op := range e.recvOps {
		if op.Conn == c && !op.State.Terminal() {
			toFailRecv = append(toFailRecv, op)
		}
	}
	e.mu.Unlock()

	for _, op := range toFail {
		e.failSend(op, newPeerErr())
	}
	for _, op := range toFailRecv {
		op.Err = newPeerErr()
		op.State = RecvError
		e.completeRecv(op)
	}
	e.table.Remove(c.Peer)
}
