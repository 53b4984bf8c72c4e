package endpoint

import (
	"github.com/fastpass-net/fastpass/pkg/demand"
)

// FlowKind separates traffic that goes through the timeslot machinery from
// control traffic that must leave immediately.
type FlowKind uint8

const (
	// KindTimeslot flows request allocations and release packets when
	// their timeslot arrives.
	KindTimeslot FlowKind = iota
	// KindInternal is the pseudo-flow for control, ARP and NTP packets:
	// straight to egress, never scheduled.
	KindInternal
)

// Flow is the per-destination state on the endpoint: a FIFO of pending
// packets, the demand counters, and the byte credit for the timeslot
// currently being filled.
type Flow struct {
	key  uint64
	dst  uint16
	kind FlowKind

	rec   demand.Record
	queue []*Packet
	// credit is the remaining transmission budget, in bytes, of the
	// timeslot most recently demanded. Each refill costs one demand.
	credit int64
}

func (f *Flow) Key() uint64               { return f.key }
func (f *Flow) Dst() uint16               { return f.dst }
func (f *Flow) QueueLen() int             { return len(f.queue) }
func (f *Flow) Counters() demand.Counters { return f.rec.Counters() }

func (f *Flow) popPacket() *Packet {
	if len(f.queue) == 0 {
		return nil
	}
	p := f.queue[0]
	f.queue[0] = nil
	f.queue = f.queue[1:]
	return p
}

// flowTable is an open-addressed hash from destination key to flow. Flows
// never move once inserted; growing doubles the bucket array and reinserts
// the same pointers.
type flowTable struct {
	buckets []*Flow
	mask    uint64
	count   int
}

func newFlowTable(logSize int) *flowTable {
	n := uint64(1) << logSize
	return &flowTable{buckets: make([]*Flow, n), mask: n - 1}
}

func mix(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	return k ^ k>>33
}

func (t *flowTable) get(key uint64) *Flow {
	for i := mix(key); ; i++ {
		f := t.buckets[i&t.mask]
		if f == nil {
			return nil
		}
		if f.key == key {
			return f
		}
	}
}

func (t *flowTable) insert(f *Flow) {
	if 4*(t.count+1) > 3*len(t.buckets) {
		t.grow()
	}
	t.insertNoGrow(f)
	t.count++
}

func (t *flowTable) insertNoGrow(f *Flow) {
	i := mix(f.key)
	for t.buckets[i&t.mask] != nil {
		i++
	}
	t.buckets[i&t.mask] = f
}

func (t *flowTable) grow() {
	old := t.buckets
	t.buckets = make([]*Flow, 2*len(old))
	t.mask = uint64(len(t.buckets) - 1)
	for _, f := range old {
		if f != nil {
			t.insertNoGrow(f)
		}
	}
}

// sweep rebuilds the table keeping only flows the keep predicate accepts.
// Surviving flow objects keep their identity.
func (t *flowTable) sweep(keep func(*Flow) bool) {
	old := t.buckets
	t.buckets = make([]*Flow, len(old))
	t.count = 0
	for _, f := range old {
		if f != nil && keep(f) {
			t.insertNoGrow(f)
			t.count++
		}
	}
}

func (t *flowTable) forEach(f func(*Flow)) {
	for _, fl := range t.buckets {
		if fl != nil {
			f(fl)
		}
	}
}
