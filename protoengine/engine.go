package protoengine

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/bufpool"
	"github.com/m-lab/bmi-rdma/conn"
	"github.com/m-lab/bmi-rdma/memcache"
	"github.com/m-lab/bmi-rdma/metrics"
	"github.com/m-lab/bmi-rdma/oob"
	"github.com/m-lab/bmi-rdma/taxonomy"
	"github.com/m-lab/bmi-rdma/unexpected"
	"github.com/m-lab/bmi-rdma/wire"
)

// Config carries the tunables from spec.md §6 that shape the engine's
// eager/rendezvous threshold and pool sizing.
type Config struct {
	EagerBufNum  int
	EagerBufSize int
	Reconnect    bool // default policy for posts that don't specify otherwise
}

// Completion is the (op_id, status, actual_size, user_ptr) tuple surfaced
// by test/testcontext, per spec.md §7.
type Completion struct {
	OpID    uint64
	Err     *taxonomy.Error // nil on success
	Size    int
	UserPtr interface{}
}

type connQueues struct {
	sendWaitQ    []*SendOp             // WaitingBuffer, FIFO
	recvWaitQ    map[uint32][]*RecvOp  // posted, WaitingIncoming, by tag FIFO
	pendingEager map[uint32][]*pendingEager
	pendingRTS   map[uint32][]*RecvOp // RtsWaitingUserPost placeholders, by tag FIFO
	rtsBufWaitQ  []*RecvOp            // RtsWaitingCtsBuffer
	doneBufWaitQ []*SendOp            // WaitingRtsDoneBuffer
	segByAddr    map[uint64]*segRef   // DATA-frame routing table
}

type pendingEager struct {
	payload []byte
	bh      interface{} // reserved for a real hardware BufHead; unused by the software backend
}

type segRef struct {
	op       *RecvOp
	segIndex int
}

func newConnQueues() *connQueues {
	return &connQueues{
		recvWaitQ:    make(map[uint32][]*RecvOp),
		pendingEager: make(map[uint32][]*pendingEager),
		pendingRTS:   make(map[uint32][]*RecvOp),
		segByAddr:    make(map[uint64]*segRef),
	}
}

// Engine is the protocol engine: it owns the interface mutex (guarding the
// sendq/recvq/op-id directory, per spec.md §5), the MemCache, the
// connection table, and the per-connection wait queues that implement the
// eager/rendezvous state machines.
type Engine struct {
	cfg Config

	mu       sync.Mutex // "interface mutex"
	table    *conn.Table
	dir      *addr.Directory
	cache    *memcache.Cache
	unexp    *unexpected.Table
	backend  oob.Backend
	eagerMax int

	nextID    uint64
	sendOps   map[uint64]*SendOp
	recvOps   map[uint64]*RecvOp
	connQ     map[*conn.Connection]*connQueues

	completedMu sync.Mutex
	completedCv *sync.Cond
	completed   map[int][]Completion // by ContextID
}

// New creates an Engine bound to the given connection table, peer
// directory, MemCache, unexpected table, and verbs backend.
func New(cfg Config, table *conn.Table, dir *addr.Directory, cache *memcache.Cache, unexp *unexpected.Table, backend oob.Backend) *Engine {
	e := &Engine{
		cfg:       cfg,
		table:     table,
		dir:       dir,
		cache:     cache,
		unexp:     unexp,
		backend:   backend,
		eagerMax:  cfg.EagerBufSize - wire.CommonHeaderSize - wire.TypeHeaderSize(wire.EagerSend),
		sendOps:   make(map[uint64]*SendOp),
		recvOps:   make(map[uint64]*RecvOp),
		connQ:     make(map[*conn.Connection]*connQueues),
		completed: make(map[int][]Completion),
	}
	e.completedCv = sync.NewCond(&e.completedMu)
	return e
}

// EagerMax returns the eager payload threshold derived from the
// configured eager_buf_size (spec.md §6).
func (e *Engine) EagerMax() int { return e.eagerMax }

func (e *Engine) allocID() uint64 {
	return atomic.AddUint64(&e.nextID, 1)
}

func (e *Engine) queuesFor(c *conn.Connection) *connQueues {
	q, ok := e.connQ[c]
	if !ok {
		q = newConnQueues()
		e.connQ[c] = q
	}
	return q
}

// resolveConnection implements connect-on-demand (spec.md §4.3): if peer
// has no live connection, and reconnect is true, Connect blocks the
// caller until established or errors; if reconnect is false, it fails
// fast with NotConnected.
func (e *Engine) resolveConnection(peer addr.Addr, reconnect bool) (*conn.Connection, error) {
	if c, ok := e.table.Get(peer); ok && !c.Cancelled() && !c.Closed() {
		return c, nil
	}
	if !reconnect {
		return nil, taxonomy.New(taxonomy.NotConnected, "post", nil)
	}
	link, err := e.backend.Connect(peer)
	if err != nil {
		return nil, taxonomy.New(taxonomy.Peer, "connect", err)
	}
	c := conn.New(peer, peer.String(), e.cfg.EagerBufNum, e.cfg.EagerBufSize)
	c.Backend = link
	e.table.Put(c)
	go e.readLoop(c, link)
	return c, nil
}

// AdoptAccepted registers a Connection established by the OOB accept loop
// and starts its read loop. Called by the server-side accept goroutine,
// never by a post_* caller.
func (e *Engine) AdoptAccepted(c *conn.Connection, link oob.Link) {
	c.Backend = link
	e.table.Put(c)
	go e.readLoop(c, link)
}

// PostSend posts a send, per spec.md §4.5. It validates synchronously and
// returns immediately; the engine advances the send's state machine in the
// background (on this call, for anything that can complete without
// waiting on the peer, and later from readLoop for CTS/RTS_DONE arrivals).
func (e *Engine) PostSend(peer addr.Addr, buflist Buflist, totalLen int, tag uint32, unexpectedFlag bool, userPtr interface{}, contextID int, reconnect bool) (uint64, error) {
	if totalLen != buflist.TotalLen {
		return 0, taxonomy.New(taxonomy.Protocol, "post_send", errMismatchedLength)
	}
	if unexpectedFlag && totalLen > e.eagerMax {
		return 0, taxonomy.New(taxonomy.Oversize, "post_send", errUnexpectedTooLarge)
	}

	e.mu.Lock()
	c, err := e.resolveConnection(peer, reconnect)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	op := &SendOp{
		MopID:        e.allocID(),
		Conn:         c,
		Peer:         peer,
		Tag:          tag,
		Buflist:      buflist,
		IsUnexpected: unexpectedFlag,
		UserPtr:      userPtr,
		ContextID:    contextID,
		State:        SendWaitingBuffer,
	}
	// Ref/Unref bracket a work item's reference to its connection (spec.md
	// §8 invariant 4): taken here at creation, released exactly once in
	// completeSend so IdleSweep never frees a connection an in-flight send
	// still points at.
	c.Ref()
	e.sendOps[op.MopID] = op
	e.mu.Unlock()

	e.advanceSend(c, op)
	return op.MopID, nil
}

// PostSendUnexpected posts an unexpected send (spec.md §4.5).
func (e *Engine) PostSendUnexpected(peer addr.Addr, buflist Buflist, tag uint32, userPtr interface{}, contextID int, reconnect bool) (uint64, error) {
	return e.PostSend(peer, buflist, buflist.TotalLen, tag, true, userPtr, contextID, reconnect)
}

// PostRecv posts a recv, per spec.md §4.5. It first checks for a
// matching arrived-before-posted eager or RTS record (spec.md §4.1
// tie-breaks: oldest match wins), then falls back to queueing in
// WaitingIncoming.
func (e *Engine) PostRecv(peer addr.Addr, buflist Buflist, expectLen int, tag uint32, userPtr interface{}, contextID int, reconnect bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.resolveConnection(peer, reconnect)
	if err != nil {
		return 0, err
	}
	q := e.queuesFor(c)

	op := &RecvOp{
		MopID:     e.allocID(),
		Conn:      c,
		Peer:      peer,
		Tag:       tag,
		Buflist:   buflist,
		ExpectLen: expectLen,
		UserPtr:   userPtr,
		ContextID: contextID,
		posted:    true,
	}
	// Taken for op; released exactly once, either here (if op is discarded
	// below in favor of an already-Ref'd placeholder) or in completeRecv.
	c.Ref()
	e.recvOps[op.MopID] = op

	if pend := q.pendingEager[tag]; len(pend) > 0 {
		msg := pend[0]
		q.pendingEager[tag] = pend[1:]
		e.completeEagerRecv(op, msg.payload)
		return op.MopID, nil
	}

	if placeholders := q.pendingRTS[tag]; len(placeholders) > 0 {
		placeholder := placeholders[0]
		q.pendingRTS[tag] = placeholders[1:]
		placeholder.Buflist = buflist
		placeholder.ExpectLen = expectLen
		placeholder.UserPtr = userPtr
		placeholder.ContextID = contextID
		placeholder.MopID = op.MopID
		placeholder.posted = true
		delete(e.recvOps, op.MopID)
		e.recvOps[placeholder.MopID] = placeholder
		// placeholder already holds the ref onRTSArrive took when the early
		// RTS created it; op itself never completes, so release its ref.
		c.Unref()
		e.proceedToCTS(c, q, placeholder)
		return placeholder.MopID, nil
	}

	op.State = RecvWaitingIncoming
	q.recvWaitQ[tag] = append(q.recvWaitQ[tag], op)
	return op.MopID, nil
}

// advanceSend drives a send from WaitingBuffer through whatever states can
// progress without waiting on the peer: credit/BufHead acquisition, then
// either the eager path (which completes synchronously on this software
// backend) or the RTS half of rendezvous.
func (e *Engine) advanceSend(c *conn.Connection, op *SendOp) {
	e.mu.Lock()
	q := e.queuesFor(c)
	if !c.ConsumeSendCredit() {
		metrics.CreditStalls.Inc()
		q.sendWaitQ = append(q.sendWaitQ, op)
		e.mu.Unlock()
		return
	}
	bh, err := c.SendPool.Get()
	if err != nil {
		c.RefillSendCredit(1)
		q.sendWaitQ = append(q.sendWaitQ, op)
		e.mu.Unlock()
		return
	}
	op.BH = bh
	e.mu.Unlock()

	link, _ := c.Backend.(oob.Link)
	if link == nil {
		e.failSend(op, taxonomy.New(taxonomy.Peer, "post_send", errNoBackend))
		return
	}

	if op.Buflist.TotalLen <= e.eagerMax {
		e.sendEager(c, link, op)
		return
	}
	e.sendRTS(c, link, op)
}

func (e *Engine) sendEager(c *conn.Connection, link oob.Link, op *SendOp) {
	t := wire.EagerSend
	if op.IsUnexpected {
		t = wire.EagerSendUnexpected
	}
	hdr := wire.Header{Type: t, CreditReturn: uint32(c.TakeReturnCredit())}
	payload := flatten(op.Buflist)
	buf := make([]byte, wire.EagerSizeOf(len(payload)))
	wire.PutEager(buf, hdr, op.Tag, payload)

	op.State = SendWaitingEagerSendCompletion
	err := link.SendControl(buf)

	e.mu.Lock()
	c.SendPool.Put(op.BH)
	op.BH = nil
	e.mu.Unlock()

	if err != nil {
		e.failSend(op, taxonomy.New(taxonomy.Peer, "post_send", err))
		return
	}
	metrics.EagerSends.Inc()
	op.ActualSize = op.Buflist.TotalLen
	op.State = SendWaitingUserTest
	e.completeSend(op)
}

func (e *Engine) sendRTS(c *conn.Connection, link oob.Link, op *SendOp) {
	if err := op.Buflist.register(e.cache); err != nil {
		e.mu.Lock()
		c.SendPool.Put(op.BH)
		op.BH = nil
		e.mu.Unlock()
		e.failSend(op, taxonomy.New(taxonomy.Resource, "post_send", err))
		return
	}

	hdr := wire.Header{Type: wire.RTS, CreditReturn: uint32(c.TakeReturnCredit())}
	msg := wire.RTSMsg{Header: hdr, Tag: op.Tag, MopID: op.MopID, TotalLen: uint64(op.Buflist.TotalLen)}
	buf := make([]byte, wire.RTSSize)
	msg.Put(buf)

	op.State = SendWaitingRtsSendCompletion
	err := link.SendControl(buf)

	e.mu.Lock()
	c.SendPool.Put(op.BH)
	op.BH = nil
	e.mu.Unlock()

	if err != nil {
		op.Buflist.deregister(e.cache)
		e.failSend(op, taxonomy.New(taxonomy.Peer, "post_send", err))
		return
	}
	op.State = SendWaitingCts
	metrics.RendezvousSends.Inc()

	e.mu.Lock()
	e.sendOps[op.MopID] = op
	e.mu.Unlock()
}

// onCTS drives the sender's half of the data phase: RDMA-WRITE every
// segment the CTS names, then queue (or send) RTS_DONE.
func (e *Engine) onCTS(c *conn.Connection, link oob.Link, msg wire.CTSMsg) {
	e.mu.Lock()
	op, ok := e.sendOps[msg.RTSMopID]
	e.mu.Unlock()
	if !ok {
		log.Printf("protoengine: CTS for unknown mop_id %d (stale or cancelled send)", msg.RTSMopID)
		return
	}
	if op.Cancelled_() {
		return
	}

	op.ctsSegments = make([]ctsTarget, len(msg.Segments))
	for i, s := range msg.Segments {
		op.ctsSegments[i] = ctsTarget{Addr: s.Addr, Len: s.Len, Rkey: s.Rkey}
	}
	op.State = SendWaitingDataSendCompletion

	payload := flatten(op.Buflist)
	off := 0
	for i, seg := range op.ctsSegments {
		n := int(seg.Len)
		if off+n > len(payload) {
			n = len(payload) - off
		}
		chunk := payload[off : off+n]
		if err := link.SendData(oob.DataHeader{Addr: seg.Addr, Rkey: seg.Rkey}, chunk); err != nil {
			e.failSend(op, taxonomy.New(taxonomy.Peer, "rdma_write", err))
			return
		}
		off += n
		_ = i
	}
	op.Buflist.deregister(e.cache)
	op.State = SendWaitingRtsDoneBuffer
	e.sendRTSDone(c, link, op)
}

func (e *Engine) sendRTSDone(c *conn.Connection, link oob.Link, op *SendOp) {
	e.mu.Lock()
	q := e.queuesFor(c)
	bh, err := c.SendPool.Get()
	if err != nil {
		q.doneBufWaitQ = append(q.doneBufWaitQ, op)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	msg := wire.RTSDoneMsg{Header: wire.Header{Type: wire.RTSDone, CreditReturn: uint32(c.TakeReturnCredit())}, MopID: op.MopID}
	buf := make([]byte, wire.RTSDoneSize)
	msg.Put(buf)

	op.State = SendWaitingRtsDoneSendCompletion
	sendErr := link.SendControl(buf)

	e.mu.Lock()
	c.SendPool.Put(bh)
	e.mu.Unlock()

	if sendErr != nil {
		e.failSend(op, taxonomy.New(taxonomy.Peer, "rts_done", sendErr))
		return
	}
	op.ActualSize = op.Buflist.TotalLen
	op.State = SendWaitingUserTest
	e.completeSend(op)
}

// completeEagerRecv finishes a recv (posted or just-matched-from-pending)
// using an eager payload already in hand, applying the oversize-truncation
// rule from spec.md §4.5 edge case (iii).
func (e *Engine) completeEagerRecv(op *RecvOp, payload []byte) {
	n := op.Buflist.CopyIn(payload)
	op.ActualSize = n
	if n < len(payload) {
		op.Err = taxonomy.New(taxonomy.Oversize, "post_recv", nil)
	}
	op.State = RecvEagerWaitingUserTest
	c := op.Conn
	if c != nil {
		if c.IncReturnCredit() >= e.cfg.EagerBufNum-2 {
			e.sendCreditMessage(c)
		}
	}
	e.completeRecv(op)
}

func (e *Engine) sendCreditMessage(c *conn.Connection) {
	link, ok := c.Backend.(oob.Link)
	if !ok {
		return
	}
	hdr := wire.Header{Type: wire.Credit, CreditReturn: uint32(c.TakeReturnCredit())}
	buf := make([]byte, wire.CommonHeaderSize)
	wire.PutCreditOrBye(buf, hdr)
	if err := link.SendControl(buf); err != nil {
		log.Printf("protoengine: failed to send CREDIT to %s: %v", c.PeerName, err)
	}
}

// proceedToCTS registers the now-available buflist and either sends the
// CTS immediately (if a send-BufHead is free) or queues the recv in
// RtsWaitingCtsBuffer until one frees up.
func (e *Engine) proceedToCTS(c *conn.Connection, q *connQueues, op *RecvOp) {
	if err := op.Buflist.register(e.cache); err != nil {
		op.Err = taxonomy.New(taxonomy.Resource, "post_recv", err)
		op.State = RecvError
		e.completeRecv(op)
		return
	}
	op.State = RecvRtsWaitingCtsBuffer

	bh, err := c.RecvPool.Get()
	if err != nil {
		q.rtsBufWaitQ = append(q.rtsBufWaitQ, op)
		return
	}
	e.sendCTS(c, q, op, bh)
}

func (e *Engine) sendCTS(c *conn.Connection, q *connQueues, op *RecvOp, bh *bufpool.BufHead) {
	defer func() {
		if bh != nil {
			c.RecvPool.Put(bh)
		}
	}()

	segs := make([]wire.Segment, len(op.Buflist.Segments))
	for i, s := range op.Buflist.Segments {
		segs[i] = wire.Segment{Addr: uint64(s.addr()), Len: uint32(len(s.Buf)), Rkey: s.Handle.Rkey}
		q.segByAddr[uint64(s.addr())] = &segRef{op: op, segIndex: i}
	}
	msg := wire.CTSMsg{
		Header:   wire.Header{Type: wire.CTS, CreditReturn: uint32(c.TakeReturnCredit())},
		RTSMopID: op.RTSMopID,
		TotalLen: uint64(op.Buflist.TotalLen),
		Segments: segs,
	}
	buf := make([]byte, msg.Size())
	msg.Put(buf)

	link, ok := c.Backend.(oob.Link)
	if !ok {
		op.Err = taxonomy.New(taxonomy.Peer, "post_recv", errNoBackend)
		op.State = RecvError
		e.completeRecv(op)
		return
	}
	if err := link.SendControl(buf); err != nil {
		op.Err = taxonomy.New(taxonomy.Peer, "post_recv", err)
		op.State = RecvError
		e.completeRecv(op)
		return
	}
	op.State = RecvRtsWaitingRtsDone
}

// onRTSDone completes the receiver's half of rendezvous.
func (e *Engine) onRTSDone(c *conn.Connection, q *connQueues, msg wire.RTSDoneMsg) {
	e.mu.Lock()
	var target *RecvOp
	for _, op := range e.recvOps {
		if op.Conn == c && op.RTSMopID == msg.MopID && op.State.Has(RecvRtsWaitingRtsDone) {
			target = op
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		log.Printf("protoengine: RTS_DONE for unknown mop_id %d", msg.MopID)
		return
	}
	target.Buflist.deregister(e.cache)
	target.ActualSize = target.Buflist.TotalLen
	target.State = RecvRtsWaitingUserTest
	e.completeRecv(target)
}

// completeSend/completeRecv push a terminal op onto its context's
// completed queue, wake any blocked testcontext callers, and release the
// connection ref the op took on creation (spec.md §8 invariant 4).
func (e *Engine) completeSend(op *SendOp) {
	e.completedMu.Lock()
	e.completed[op.ContextID] = append(e.completed[op.ContextID], Completion{
		OpID: op.MopID, Err: errOrNil(op.Err), Size: op.ActualSize, UserPtr: op.UserPtr,
	})
	e.completedCv.Broadcast()
	e.completedMu.Unlock()
	op.Conn.Unref()
}

func (e *Engine) completeRecv(op *RecvOp) {
	e.completedMu.Lock()
	e.completed[op.ContextID] = append(e.completed[op.ContextID], Completion{
		OpID: op.MopID, Err: errOrNil(op.Err), Size: op.ActualSize, UserPtr: op.UserPtr,
	})
	e.completedCv.Broadcast()
	e.completedMu.Unlock()
	op.Conn.Unref()
}

func errOrNil(e *taxonomy.Error) *taxonomy.Error { return e }

func (e *Engine) failSend(op *SendOp, err *taxonomy.Error) {
	op.Err = err
	op.State = SendError
	op.Conn.MarkCancelled()
	metrics.ErrorCount.WithLabelValues(err.Class.String()).Inc()
	e.completeSend(op)
}

// Test reaps one completion by op id, per spec.md §4.5. It blocks up to
// timeout for the op to reach a terminal state.
func (e *Engine) Test(opID uint64, timeout time.Duration) (Completion, bool) {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		e.completedMu.Lock()
		e.completedCv.Broadcast()
		e.completedMu.Unlock()
	})
	defer wake.Stop()
	for {
		e.completedMu.Lock()
		for ctxID, list := range e.completed {
			for i, comp := range list {
				if comp.OpID == opID {
					e.completed[ctxID] = append(list[:i], list[i+1:]...)
					e.completedMu.Unlock()
					e.forget(opID)
					return comp, true
				}
			}
		}
		if timeout <= 0 || time.Now().After(deadline) {
			e.completedMu.Unlock()
			return Completion{}, false
		}
		e.completedCv.Wait()
		e.completedMu.Unlock()
	}
}

// TestContext reaps up to incount completions posted under contextID.
func (e *Engine) TestContext(contextID, incount int, timeout time.Duration) []Completion {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		e.completedMu.Lock()
		e.completedCv.Broadcast()
		e.completedMu.Unlock()
	})
	defer wake.Stop()
	for {
		e.completedMu.Lock()
		list := e.completed[contextID]
		if len(list) > 0 {
			n := incount
			if n <= 0 || n > len(list) {
				n = len(list)
			}
			out := append([]Completion(nil), list[:n]...)
			e.completed[contextID] = list[n:]
			e.completedMu.Unlock()
			for _, c := range out {
				e.forget(c.OpID)
			}
			return out
		}
		if timeout <= 0 || time.Now().After(deadline) {
			e.completedMu.Unlock()
			return nil
		}
		e.completedCv.Wait()
		e.completedMu.Unlock()
	}
}

func (e *Engine) forget(opID uint64) {
	e.mu.Lock()
	delete(e.sendOps, opID)
	delete(e.recvOps, opID)
	e.mu.Unlock()
}

// Cancel implements spec.md §5 cancellation: idempotent, a no-op if the op
// is already in a user-test-reachable terminal state, otherwise the
// connection is marked cancelled and the op moves to its cancelled state.
// Per Design Note 9 ("invert cancel ordering" — mark-all-cancelled, then
// disconnect — rather than the source's disconnect-then-drain), every op
// on the connection is moved to Cancelled before the connection itself is
// torn down.
func (e *Engine) Cancel(opID uint64) {
	e.mu.Lock()
	if s, ok := e.sendOps[opID]; ok {
		if s.State.Terminal() {
			e.mu.Unlock()
			return
		}
		c := s.Conn
		var toCompleteSend []*SendOp
		var toCompleteRecv []*RecvOp
		for _, op := range e.sendOps {
			if op.Conn == c && !op.State.Terminal() {
				op.State = SendCancelled
				op.Err = taxonomy.New(taxonomy.Cancelled, "cancel", nil)
				if op.BH != nil {
					c.SendPool.Put(op.BH)
					op.BH = nil
				}
				op.Buflist.deregister(e.cache)
				toCompleteSend = append(toCompleteSend, op)
			}
		}
		for _, op := range e.recvOps {
			if op.Conn == c && !op.State.Terminal() {
				op.State = RecvCancelled
				op.Err = taxonomy.New(taxonomy.Cancelled, "cancel", nil)
				op.Buflist.deregister(e.cache)
				toCompleteRecv = append(toCompleteRecv, op)
			}
		}
		c.MarkCancelled()
		e.mu.Unlock()
		for _, op := range toCompleteSend {
			e.completeSend(op)
		}
		for _, op := range toCompleteRecv {
			e.completeRecv(op)
		}
		if bk, ok := c.Backend.(oob.Link); ok {
			bk.Close()
		}
		return
	}
	if r, ok := e.recvOps[opID]; ok {
		if r.State.Terminal() {
			e.mu.Unlock()
			return
		}
		r.State = RecvCancelled
		r.Err = taxonomy.New(taxonomy.Cancelled, "cancel", nil)
		r.Conn.MarkCancelled()
		e.mu.Unlock()
		e.completeRecv(r)
		return
	}
	e.mu.Unlock()
}

func flatten(b Buflist) []byte {
	out := make([]byte, 0, b.TotalLen)
	for _, s := range b.Segments {
		out = append(out, s.Buf...)
	}
	return out
}

// Cancelled_ reports whether op's connection has been cancelled, used to
// drop stale CTS/RTS_DONE processing after a cancel races an arrival.
func (op *SendOp) Cancelled_() bool {
	return op.Conn.Cancelled() || op.State == SendCancelled
}
