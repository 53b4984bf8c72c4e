// Package demand tracks per-destination timeslot accounting: how many slots
// a flow has demanded, requested from the arbiter, had acknowledged,
// allocated, and used. All counters are cumulative and only move forward,
// except across a protocol reset.
package demand

import (
	"errors"
	"sync"
)

// ErrInvariant reports a counter-invariant violation
// (demand ≥ requested ≥ acked). The caller responds with a forced protocol
// reset.
var ErrInvariant = errors.New("demand counter invariant violated")

// QueueState says which request queue, if any, a destination currently sits
// in.
type QueueState uint8

const (
	Unqueued QueueState = iota
	InRequestQueue
	InRetransmitQueue
)

// Counters is a snapshot of one destination's accounting.
type Counters struct {
	Demand    uint64
	Requested uint64
	Acked     uint64
	Alloc     uint64
	Used      uint64
}

// Record is one destination's counters plus queue state. Each record locks
// individually so admission cores touching different destinations do not
// contend.
type Record struct {
	mu            sync.Mutex
	c             Counters
	state         QueueState
	droppedAllocs uint64
}

// Counters returns a consistent snapshot.
func (r *Record) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c
}

func (r *Record) State() QueueState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) SetState(s QueueState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// IncDemand adds n new timeslots of demand and returns the new total.
func (r *Record) IncDemand(n uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.Demand += n
	return r.c.Demand
}

// Request raises the requested counter. Requested never exceeds demand and
// never moves backwards; the raise is clamped to demand. Returns the value
// actually recorded.
func (r *Record) Request(newRequested uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newRequested > r.c.Demand {
		newRequested = r.c.Demand
	}
	if newRequested > r.c.Requested {
		r.c.Requested = newRequested
	}
	return r.c.Requested
}

// Ack raises the acked counter. An acknowledgment beyond what was requested
// (or demanded) means the two ends disagree: ErrInvariant, forced reset.
func (r *Record) Ack(newAcked uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newAcked > r.c.Requested || newAcked > r.c.Demand {
		return ErrInvariant
	}
	if newAcked > r.c.Acked {
		r.c.Acked = newAcked
	}
	return nil
}

// IncAlloc grants n allocated timeslots. Allocation beyond current demand is
// counted and dropped rather than recorded, keeping alloc ≤ demand. Returns
// how many were actually granted.
func (r *Record) IncAlloc(n uint64) (granted uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	granted = n
	if room := r.c.Demand - r.c.Alloc; granted > room {
		r.droppedAllocs += granted - room
		granted = room
	}
	r.c.Alloc += granted
	return granted
}

// IncUsed consumes n allocated timeslots.
func (r *Record) IncUsed(n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c.Used+n > r.c.Alloc {
		return ErrInvariant
	}
	r.c.Used += n
	return nil
}

// Rebook re-demands a timeslot whose allocation was lost (missed, late or
// premature): both demand and alloc move up by n so the flow asks again
// without distorting the alloc ≤ demand invariant.
func (r *Record) Rebook(n uint64) {
	r.mu.Lock()
	r.c.Demand += n
	r.c.Alloc += n
	r.mu.Unlock()
}

// DroppedAllocs is the number of allocations discarded for exceeding demand.
func (r *Record) DroppedAllocs() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedAllocs
}

// OnReset rebalances after a protocol reset: timeslots already used are
// subtracted from demand and the other counters start over. A flow with
// outstanding demand survives the reset; a fully-served one is left empty.
func (r *Record) OnReset() {
	r.mu.Lock()
	r.c.Demand -= r.c.Used
	r.c.Requested = 0
	r.c.Acked = 0
	r.c.Alloc = 0
	r.c.Used = 0
	r.state = Unqueued
	r.mu.Unlock()
}

// Table is the arbiter-side demand table: a dense vector indexed by the
// small integer destination key. Size is fixed at creation, a power of two,
// so lookups are a mask and an index.
type Table struct {
	records []Record
	mask    uint64
}

// NewTable creates a table for maxFlows destinations (rounded up to a power
// of two).
func NewTable(maxFlows int) *Table {
	n := 1
	for n < maxFlows {
		n <<= 1
	}
	return &Table{records: make([]Record, n), mask: uint64(n - 1)}
}

func (t *Table) Len() int { return len(t.records) }

// Get returns the record for id. Records never move, so the pointer stays
// valid for the life of the table.
func (t *Table) Get(id uint64) *Record {
	return &t.records[id&t.mask]
}

// OnReset rebalances every record, preserving outstanding demand.
func (t *Table) OnReset() {
	for i := range t.records {
		t.records[i].OnReset()
	}
}

// ForEach visits every record in index order.
func (t *Table) ForEach(f func(id uint64, r *Record)) {
	for i := range t.records {
		f(uint64(i), &t.records[i])
	}
}
