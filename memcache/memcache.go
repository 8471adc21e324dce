// Package memcache implements the pin-once/use-many registered-memory
// directory described in the spec's MemCache component: it coalesces user
// buffer ranges against registered regions and reference-counts pins.
//
// The table/eviction shape is grounded on the teacher's cache.Cache
// (current/previous generation maps with an EndCycle sweep); here the
// "generations" become an LRU free-chunk list consulted on insertion
// pressure, per the spec's insertion policy.
package memcache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/m-lab/bmi-rdma/metrics"
)

// Errors returned by Cache methods.
var (
	ErrNoMem = errors.New("memcache: registration failed after eviction retry")
)

// Handle is what a registration yields: the keys needed to reference the
// region from the wire (CTS segments carry Addr/Len/Rkey built from this).
type Handle struct {
	Lkey uint32
	Rkey uint32
}

// Registrar abstracts the backend's pin/unpin primitive so Cache stays
// backend-agnostic (verbs MR registration, RDMA-CM, or a software stand-in).
type Registrar interface {
	// Register pins [addr, addr+length) and returns its keys.
	Register(addr uintptr, length int) (Handle, error)
	// Deregister unpins a previously-registered region.
	Deregister(addr uintptr, length int) error
}

type entry struct {
	addr     uintptr
	length   int
	handle   Handle
	refcount int
	elem     *list.Element // position in the free-chunk LRU list, nil while pinned
}

// Cache maps buffer ranges to registered regions. It is safe for concurrent
// use; all methods are called with the package mutex held, matching the
// spec's "MemCache mutex" (§5): held across one register/deregister.
type Cache struct {
	mu       sync.Mutex
	reg      Registrar
	byAddr   map[uintptr]*entry
	freeLRU  *list.List // entries with refcount == 0, oldest-evictable at the front
}

// New creates a Cache backed by reg.
func New(reg Registrar) *Cache {
	return &Cache{
		reg:     reg,
		byAddr:  make(map[uintptr]*entry),
		freeLRU: list.New(),
	}
}

// Register pins [addr, addr+length), bumping the refcount instead if an
// existing entry starts at addr and is at least length bytes long. A range
// that starts at any other address inside an existing entry is not matched
// and is registered as a new entry.
func (c *Cache) Register(addr uintptr, length int) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byAddr[addr]; ok && e.length >= length {
		if e.refcount == 0 {
			c.freeLRU.Remove(e.elem)
			e.elem = nil
		}
		e.refcount++
		return e.handle, nil
	}

	h, err := c.reg.Register(addr, length)
	if err != nil {
		if !c.evictOnePass() {
			metrics.MemcacheMiss.Inc()
			return Handle{}, ErrNoMem
		}
		h, err = c.reg.Register(addr, length)
		if err != nil {
			metrics.MemcacheMiss.Inc()
			return Handle{}, ErrNoMem
		}
	}
	e := &entry{addr: addr, length: length, handle: h, refcount: 1}
	c.byAddr[addr] = e
	metrics.MemcacheEntries.Set(float64(len(c.byAddr)))
	return h, nil
}

// Deregister decrements the refcount for [addr, addr+length), unpinning
// (but not evicting) the region once it reaches zero — it becomes eligible
// for LRU eviction on a future miss.
func (c *Cache) Deregister(addr uintptr, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byAddr[addr]
	if !ok {
		return nil
	}
	e.refcount--
	if e.refcount < 0 {
		e.refcount = 0
	}
	if e.refcount == 0 {
		e.elem = c.freeLRU.PushBack(e)
	}
	return nil
}

// evictOnePass evicts LRU free entries once, per the spec's "on ENOMEM,
// evict LRU free entries one pass and retry once" policy. Returns true if
// at least one entry was evicted.
func (c *Cache) evictOnePass() bool {
	evicted := false
	for e := c.freeLRU.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		if err := c.reg.Deregister(ent.addr, ent.length); err == nil {
			delete(c.byAddr, ent.addr)
			c.freeLRU.Remove(e)
			metrics.MemcacheEvict.Inc()
			evicted = true
		}
		e = next
	}
	return evicted
}

// Len reports the number of tracked entries (pinned or free).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byAddr)
}
