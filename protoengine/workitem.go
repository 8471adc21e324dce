package protoengine

import (
	"unsafe"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/bufpool"
	"github.com/m-lab/bmi-rdma/conn"
	"github.com/m-lab/bmi-rdma/memcache"
	"github.com/m-lab/bmi-rdma/taxonomy"
)

// Segment is one (address, length) pair of a posted buflist, plus its
// MemCache registration once registered.
type Segment struct {
	Buf     []byte
	Handle  memcache.Handle
	regAddr uintptr // key used to (de)register this segment in the MemCache
}

func (s *Segment) addr() uintptr {
	if len(s.Buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.Buf[0]))
}

// Buflist is an ordered sequence of segments plus their total length, per
// spec.md §3.
type Buflist struct {
	Segments []Segment
	TotalLen int
}

// NewBuflist builds a Buflist from a single contiguous buffer.
func NewBuflist(buf []byte) Buflist {
	return Buflist{Segments: []Segment{{Buf: buf}}, TotalLen: len(buf)}
}

// NewBuflistFromSlices builds a Buflist spanning several independently
// allocated buffers, in order, for the post_*_list operations (spec.md §6):
// a scatter/gather send or recv across buffers the caller never had to
// coalesce into one contiguous allocation.
func NewBuflistFromSlices(bufs [][]byte) Buflist {
	segs := make([]Segment, len(bufs))
	total := 0
	for i, b := range bufs {
		segs[i] = Segment{Buf: b}
		total += len(b)
	}
	return Buflist{Segments: segs, TotalLen: total}
}

// CopyIn copies src into the buflist's segments in order, up to their total
// capacity, returning the number of bytes copied (used when delivering an
// eager payload, which may be truncated).
func (b *Buflist) CopyIn(src []byte) int {
	copied := 0
	for i := range b.Segments {
		if copied >= len(src) {
			break
		}
		n := copy(b.Segments[i].Buf, src[copied:])
		copied += n
	}
	return copied
}

// register pins every segment in cache, in order, filling in each
// Segment.Handle. On any failure it deregisters what it already pinned and
// returns the error — a send or recv must never hold a partial
// registration.
func (b *Buflist) register(cache *memcache.Cache) error {
	for i := range b.Segments {
		seg := &b.Segments[i]
		seg.regAddr = seg.addr()
		h, err := cache.Register(seg.regAddr, len(seg.Buf))
		if err != nil {
			for j := 0; j < i; j++ {
				cache.Deregister(b.Segments[j].regAddr, len(b.Segments[j].Buf))
			}
			return err
		}
		seg.Handle = h
	}
	return nil
}

func (b *Buflist) deregister(cache *memcache.Cache) {
	for i := range b.Segments {
		cache.Deregister(b.Segments[i].regAddr, len(b.Segments[i].Buf))
	}
}

// SendOp is one posted send work item.
type SendOp struct {
	MopID        uint64
	Conn         *conn.Connection
	Peer         addr.Addr
	Tag          uint32
	Buflist      Buflist
	IsUnexpected bool
	UserPtr      interface{}
	ContextID    int

	State SendState
	BH    *bufpool.BufHead

	// ctsSegments is the receiver's segment table, once a CTS arrives.
	ctsSegments []ctsTarget
	// writeIdx is not updated: onCTS writes every CTS segment in one loop
	// without recording progress here.
	writeIdx int

	ActualSize int
	Err        *taxonomy.Error
}

type ctsTarget struct {
	Addr uint64
	Len  uint32
	Rkey uint32
}

// RecvOp is one posted (or not-yet-posted, for the RTS-arrived-early case)
// recv work item.
type RecvOp struct {
	MopID      uint64
	RTSMopID   uint64 // the sender's RTS mop id, once matched to an RTS
	Conn       *conn.Connection
	Peer       addr.Addr
	Tag        uint32
	Buflist    Buflist
	ExpectLen  int
	UserPtr    interface{}
	ContextID  int
	posted     bool // false for a placeholder created by an early RTS arrival

	State      RecvState
	BH         *bufpool.BufHead
	rtsTotal   int // total_len from the RTS, before a user buflist is attached

	ActualSize int
	Err        *taxonomy.Error
}
