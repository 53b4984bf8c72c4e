// Package arbiter is the central allocator: it drains demand updates coming
// off the wire, runs an allocator once per timeslot (a greedy matcher or the
// emulated fabric), and turns the admitted-traffic records into ALLOC
// payloads for the endpoints that should hear about them.
package arbiter

import (
	"github.com/fastpass-net/fastpass/pkg/ring"
)

// AdmitsPerRecord caps how many admissions one record carries.
const AdmitsPerRecord = 64

// AdmittedEntry is one admitted (or dropped, see the flag) transmission.
type AdmittedEntry struct {
	Src, Dst uint16
	ID       uint16
	Flags    uint8
}

// AdmittedTraffic is the arbiter's authoritative output for one timeslot.
// Records are pool-owned: whoever holds the pointer owns it until it goes
// back to the pool.
type AdmittedTraffic struct {
	Timeslot uint64
	Entries  []AdmittedEntry
}

func (a *AdmittedTraffic) add(e AdmittedEntry) bool {
	if len(a.Entries) >= AdmitsPerRecord {
		return false
	}
	a.Entries = append(a.Entries, e)
	return true
}

// AdmittedPool is a fixed-size free list of records. Exhaustion is a counted
// resource error, never a block.
type AdmittedPool struct {
	free *ring.Ring
}

func NewAdmittedPool(n int) *AdmittedPool {
	p := &AdmittedPool{free: ring.New(n)}
	for i := 0; i < n; i++ {
		p.free.Push(&AdmittedTraffic{Entries: make([]AdmittedEntry, 0, AdmitsPerRecord)})
	}
	return p
}

// Get takes a record, or returns ring.ErrNoBufs when the pool is dry.
func (p *AdmittedPool) Get() (*AdmittedTraffic, error) {
	v, ok := p.free.Pop()
	if !ok {
		return nil, ring.ErrNoBufs
	}
	return v.(*AdmittedTraffic), nil
}

// Put returns a record to the pool.
func (p *AdmittedPool) Put(a *AdmittedTraffic) {
	a.Timeslot = 0
	a.Entries = a.Entries[:0]
	p.free.Push(a)
}
