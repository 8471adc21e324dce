// Package bufpool implements the per-connection pool of eager send/recv
// buffers ("buf-heads") described in the spec's BufPool component: a
// bounded MPSC resource where a BufHead is, at all times, on exactly one of
// {free-list, in-flight}.
//
// Design Note 9 calls for replacing the source's intrusive
// doubly-linked-list-with-container_of plumbing with an owned slab plus a
// stable index, referenced by handle rather than by pointer. That is what
// this package does: bufs is a fixed slab allocated at init, and the
// free-list is a plain slice of indices used as a stack (LIFO reuse keeps
// recently-used buffers warm, which is the cheap choice and doesn't affect
// correctness since BufHeads are fungible).
package bufpool

import (
	"errors"
	"sync"
)

// ErrEmpty is returned by Get when the pool has no free BufHeads.
var ErrEmpty = errors.New("bufpool: exhausted")

// DefaultCount and DefaultSize are the spec's default tunables (§6):
// eager_buf_num=32, eager_buf_size=2MiB.
const (
	DefaultCount = 32
	DefaultSize  = 2 * 1024 * 1024
)

// BufHead is one slot of a connection's eager pool.
type BufHead struct {
	Index int
	Buf   []byte
	// Owner holds an opaque reference to the work item currently using this
	// buffer, for completion dispatch. Nil while on the free-list.
	Owner interface{}
}

// Pool is a bounded, slab-backed collection of BufHeads. It is safe for
// concurrent use: Get/Put serialize through a mutex, making it usable as
// the bounded MPSC resource the spec describes (multiple producers posting
// work, one poller consuming completions and returning buffers).
type Pool struct {
	mu    sync.Mutex
	slab  []BufHead
	free  []int // indices into slab, LIFO
	cond  *sync.Cond
}

// New allocates a pool of count buffers of size bytes each.
func New(count, size int) *Pool {
	p := &Pool{
		slab: make([]BufHead, count),
		free: make([]int, 0, count),
	}
	for i := 0; i < count; i++ {
		p.slab[i] = BufHead{Index: i, Buf: make([]byte, size)}
		p.free = append(p.free, i)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Get removes and returns a BufHead from the free-list, or ErrEmpty if none
// are free. Callers that need to block until one is freed should instead
// register interest with the protocol engine's WaitingBuffer queue (§4.1
// fairness/ordering) rather than spin on Get.
func (p *Pool) Get() (*BufHead, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, ErrEmpty
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	bh := &p.slab[idx]
	bh.Owner = nil
	return bh, nil
}

// Put returns a BufHead to the free-list. It is idempotent-safe against
// double-Put only if callers respect the "exactly one of {free-list,
// in-flight}" invariant; Put does not itself detect double-free.
func (p *Pool) Put(bh *BufHead) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bh.Owner = nil
	p.free = append(p.free, bh.Index)
	p.cond.Broadcast()
}

// Len returns the total slab size (free + in-flight).
func (p *Pool) Len() int {
	return len(p.slab)
}

// FreeCount returns the number of currently-free BufHeads.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InFlightCount returns Len() - FreeCount(), i.e. buffers currently owned
// by a work item.
func (p *Pool) InFlightCount() int {
	return p.Len() - p.FreeCount()
}

// At returns a pointer to the BufHead with the given index, for completion
// handlers that only have the index (e.g. decoded from a work-request id).
func (p *Pool) At(index int) *BufHead {
	return &p.slab[index]
}
