package arbiter

import (
	"fmt"

	"github.com/fastpass-net/fastpass/pkg/demand"
	"github.com/fastpass-net/fastpass/pkg/emu"
)

// DemandUpdate travels from the COMM core to ADMISSION over a ring: either a
// new cumulative demand count for one (src,dst) pair, or a rebalance order
// after a protocol reset of src's connection.
type DemandUpdate struct {
	Src, Dst uint16
	Count    uint64
	Reset    bool
}

// Allocator assigns timeslots for one tslot given the admission state. Each
// implementation resets its own per-timeslot state at the start of Allocate.
type Allocator interface {
	Allocate(tslot uint64, ad *Admission, out *AdmittedTraffic)
}

// AdmissionStats counts the admission core's outcomes.
type AdmissionStats struct {
	UpdatesApplied  uint64
	Rebalances      uint64
	TimeslotsRun    uint64
	Admitted        uint64
	Dropped         uint64
	RecordOverflows uint64
}

// Admission owns the arbiter-side demand table: a dense vector indexed by
// (src,dst) flattened into maxEndpoints*src+dst, and the backlog of flows
// with unallocated demand. A single admission core owns all writes; the table
// is not sharded across cores.
type Admission struct {
	maxEp   int
	table   *demand.Table
	backlog []uint32
	alloc   Allocator
	stats   AdmissionStats
}

func NewAdmission(maxEndpoints int, alloc Allocator) *Admission {
	return &Admission{
		maxEp: maxEndpoints,
		table: demand.NewTable(maxEndpoints * maxEndpoints),
		alloc: alloc,
	}
}

func (ad *Admission) flowID(src, dst uint16) uint32 {
	return uint32(src)*uint32(ad.maxEp) + uint32(dst)
}

// Record returns the demand record for one (src,dst) pair.
func (ad *Admission) Record(src, dst uint16) *demand.Record {
	return ad.table.Get(uint64(ad.flowID(src, dst)))
}

func (ad *Admission) Stats() AdmissionStats { return ad.stats }

// Apply folds one demand update into the table and backlog.
func (ad *Admission) Apply(u DemandUpdate) {
	if u.Reset {
		ad.stats.Rebalances++
		for dst := 0; dst < ad.maxEp; dst++ {
			rec := ad.Record(u.Src, uint16(dst))
			rec.OnReset()
			c := rec.Counters()
			if c.Demand > c.Alloc {
				ad.enqueue(u.Src, uint16(dst), rec)
			}
		}
		return
	}
	rec := ad.Record(u.Src, u.Dst)
	c := rec.Counters()
	if u.Count <= c.Demand {
		return // stale or duplicate report
	}
	rec.IncDemand(u.Count - c.Demand)
	rec.Request(u.Count)
	ad.stats.UpdatesApplied++
	ad.enqueue(u.Src, u.Dst, rec)
}

func (ad *Admission) enqueue(src, dst uint16, rec *demand.Record) {
	if rec.State() != demand.Unqueued {
		return
	}
	rec.SetState(demand.InRequestQueue)
	ad.backlog = append(ad.backlog, ad.flowID(src, dst))
}

// popBacklog yields the next backlogged flow, or false.
func (ad *Admission) popBacklog() (src, dst uint16, rec *demand.Record, ok bool) {
	if len(ad.backlog) == 0 {
		return 0, 0, nil, false
	}
	id := ad.backlog[0]
	ad.backlog = ad.backlog[1:]
	src = uint16(id / uint32(ad.maxEp))
	dst = uint16(id % uint32(ad.maxEp))
	return src, dst, ad.table.Get(uint64(id)), true
}

func (ad *Admission) pushBacklog(src, dst uint16) {
	ad.backlog = append(ad.backlog, ad.flowID(src, dst))
}

// RunTimeslot executes the allocator for one timeslot, filling out.
func (ad *Admission) RunTimeslot(tslot uint64, out *AdmittedTraffic) {
	out.Timeslot = tslot
	ad.stats.TimeslotsRun++
	ad.alloc.Allocate(tslot, ad, out)
	for _, e := range out.Entries {
		if e.Flags&emu.FlagDropped != 0 {
			ad.stats.Dropped++
		} else {
			ad.stats.Admitted++
		}
	}
}

// GreedyAllocator is the simple maximal matcher standing in for PIM: walk
// the backlog and admit any flow whose source and destination are both still
// free this timeslot.
type GreedyAllocator struct {
	srcBusy []bool
	dstBusy []bool
}

func NewGreedyAllocator(maxEndpoints int) *GreedyAllocator {
	return &GreedyAllocator{
		srcBusy: make([]bool, maxEndpoints),
		dstBusy: make([]bool, maxEndpoints),
	}
}

func (g *GreedyAllocator) Allocate(tslot uint64, ad *Admission, out *AdmittedTraffic) {
	for i := range g.srcBusy {
		g.srcBusy[i] = false
		g.dstBusy[i] = false
	}
	n := len(ad.backlog)
	for i := 0; i < n; i++ {
		src, dst, rec, ok := ad.popBacklog()
		if !ok {
			break
		}
		c := rec.Counters()
		if c.Alloc >= c.Demand {
			rec.SetState(demand.Unqueued)
			continue
		}
		if g.srcBusy[src] || g.dstBusy[dst] {
			ad.pushBacklog(src, dst)
			continue
		}
		if !out.add(AdmittedEntry{Src: src, Dst: dst, ID: uint16(c.Alloc)}) {
			ad.stats.RecordOverflows++
			ad.pushBacklog(src, dst)
			break
		}
		rec.IncAlloc(1)
		g.srcBusy[src] = true
		g.dstBusy[dst] = true
		if c.Alloc+1 < c.Demand {
			ad.pushBacklog(src, dst)
		} else {
			rec.SetState(demand.Unqueued)
		}
	}
}

// EmuAllocator runs the emulated fabric: backlogged flows inject one packet
// per timeslot, and whatever the emulation delivers (or drops) this slot is
// the admitted traffic.
type EmuAllocator struct {
	nw *emu.Network
}

func NewEmuAllocator(nw *emu.Network) (*EmuAllocator, error) {
	if nw == nil {
		return nil, fmt.Errorf("arbiter: emulator allocator needs a network")
	}
	return &EmuAllocator{nw: nw}, nil
}

func (e *EmuAllocator) Allocate(tslot uint64, ad *Admission, out *AdmittedTraffic) {
	n := len(ad.backlog)
	for i := 0; i < n; i++ {
		src, dst, rec, ok := ad.popBacklog()
		if !ok {
			break
		}
		c := rec.Counters()
		if c.Alloc >= c.Demand {
			rec.SetState(demand.Unqueued)
			continue
		}
		if err := e.nw.Inject(src, dst, uint16(c.Alloc), 1); err != nil {
			rec.SetState(demand.Unqueued)
			continue
		}
		rec.IncAlloc(1)
		if c.Alloc+1 < c.Demand {
			ad.pushBacklog(src, dst)
		} else {
			rec.SetState(demand.Unqueued)
		}
	}
	for _, adm := range e.nw.Step() {
		if !out.add(AdmittedEntry{Src: adm.Src, Dst: adm.Dst, ID: adm.ID, Flags: adm.Flags}) {
			ad.stats.RecordOverflows++
			break
		}
	}
}
