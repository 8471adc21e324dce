// Package unexpected implements delivery of arrived-before-posted messages
// via the distinct API the spec describes: testunexpected reaps zero or
// more Records, one per arrived EAGER_SEND_UNEXPECTED message.
package unexpected

import (
	"sync"

	"github.com/m-lab/bmi-rdma/addr"
	"github.com/m-lab/bmi-rdma/metrics"
)

// Record is one arrived-before-posted message, per the spec's data model.
type Record struct {
	Peer    addr.Addr
	Tag     uint32
	Payload []byte // owned copy
	Size    int
}

// Table holds unexpected records until a caller's testunexpected reaps them.
// It is the single queue the poller appends to and testunexpected drains,
// so a plain mutex-guarded slice (FIFO) is enough — there is no per-tag
// indexing requirement since unexpected sends are never matched against
// posted recvs; plain EAGER_SEND and RTS arrivals are held by the protocol
// engine instead.
type Table struct {
	mu      sync.Mutex
	records []*Record
}

// New creates an empty unexpected-message table.
func New() *Table {
	return &Table{}
}

// Add appends a newly-arrived unexpected Record.
func (t *Table) Add(r *Record) {
	t.mu.Lock()
	t.records = append(t.records, r)
	t.mu.Unlock()
	metrics.UnexpectedArrivals.Inc()
}

// Drain removes and returns up to incount records, oldest first, matching
// the BMI facade's testunexpected(incount) contract. Non-blocking: an empty
// result just means nothing has arrived yet.
func (t *Table) Drain(incount int) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if incount <= 0 || incount > len(t.records) {
		incount = len(t.records)
	}
	out := t.records[:incount]
	t.records = t.records[incount:]
	return out
}

// Len reports the number of currently-queued unexpected records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
