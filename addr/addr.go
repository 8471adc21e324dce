// Package addr parses BMI peer address URLs and maintains the deduped
// directory of peer descriptors described in the spec's data model.
//
// Grounding: the teacher has no URL grammar of its own (it parses kernel
// netlink addresses), so the parser here is written from the EBNF grammar
// in spec.md §6 directly; the directory/dedupe/refcount shape mirrors the
// teacher's cache.Cache (a map keyed by an identity, entries reference
// counted across a generation boundary) generalized to a flat refcounted
// map since peer addresses, unlike socket cookies, don't cycle per polling
// round.
package addr

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/m-lab/bmi-rdma/taxonomy"
)

// Scheme identifies the transport named in a peer URL.
type Scheme string

// Supported schemes.
const (
	SchemeIB      Scheme = "ib"
	SchemeRDMA    Scheme = "rdma"
	SchemePortals Scheme = "portals"
)

// Addr is a parsed peer address: (protocol, host, port, fs_name?).
type Addr struct {
	Scheme Scheme
	Host   string
	Port   int
	FSName string // empty if not given
}

func (a Addr) key() string { return a.Host + ":" + strconv.Itoa(a.Port) }

// String renders the address back to its URL form.
func (a Addr) String() string {
	s := fmt.Sprintf("%s://%s:%d", a.Scheme, a.Host, a.Port)
	if a.FSName != "" {
		s += "/" + a.FSName
	}
	return s
}

// Parse parses a peer URL of the form scheme://host:port[/fs_name], per the
// grammar in spec.md §6. Extra characters after the port and before the
// optional "/fs_name" are an error, matching the spec's explicit note.
func Parse(raw string) (Addr, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("missing scheme in %q", raw))
	}
	scheme := Scheme(raw[:schemeSep])
	switch scheme {
	case SchemeIB, SchemeRDMA, SchemePortals:
	default:
		return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("unsupported scheme %q", scheme))
	}

	rest := raw[schemeSep+3:]
	var hostport, fsName string
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hostport = rest[:slash]
		fsName = rest[slash+1:]
		if fsName == "" {
			return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("empty fs_name in %q", raw))
		}
	} else {
		hostport = rest
	}

	colon := strings.LastIndex(hostport, ":")
	if colon < 0 {
		return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("missing port in %q", raw))
	}
	host := hostport[:colon]
	portStr := hostport[colon+1:]
	if host == "" {
		return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("empty host in %q", raw))
	}
	if strings.ContainsAny(host, "/") {
		return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("invalid host in %q", raw))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, taxonomy.New(taxonomy.Address, "addr.Parse", fmt.Errorf("invalid port in %q", raw))
	}

	return Addr{Scheme: scheme, Host: host, Port: port, FSName: fsName}, nil
}

// entry is one directory slot: the descriptor plus its reference count.
type entry struct {
	addr     Addr
	refcount int
}

// Directory dedupes peer descriptors keyed by (host, port), incrementing a
// refcount on repeated lookups, per the spec's "Deduped in a directory
// keyed by (host, port); lookup returns the existing descriptor with its
// reference count incremented."
type Directory struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewDirectory creates an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]*entry)}
}

// Lookup resolves raw into an Addr, inserting it (refcount 1) if unseen, or
// bumping the refcount of the existing entry for (host, port).
func (d *Directory) Lookup(raw string) (Addr, error) {
	a, err := Parse(raw)
	if err != nil {
		return Addr{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := a.key()
	e, ok := d.entries[k]
	if !ok {
		verifyRDMARoute(a.Host)
		e = &entry{addr: a, refcount: 0}
		d.entries[k] = e
	}
	e.refcount++
	return e.addr, nil
}

// Release decrements the refcount for (host, port), removing the entry
// once it reaches zero.
func (d *Directory) Release(a Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := a.key()
	e, ok := d.entries[k]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(d.entries, k)
	}
}

// RefCount reports the current refcount for a, or 0 if not present.
func (d *Directory) RefCount(a Addr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[a.key()]; ok {
		return e.refcount
	}
	return 0
}
