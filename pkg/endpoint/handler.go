package endpoint

import (
	"github.com/fastpass-net/fastpass/pkg/demand"
	"github.com/fastpass-net/fastpass/pkg/fpproto"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

// connHandler receives the protocol engine's upcalls. They only ever fire
// while a Sched method holds the connection lock and is inside the engine,
// so these methods touch scheduler state directly and must not re-lock.
type connHandler Sched

func (h *connHandler) sched() *Sched { return (*Sched)(h) }

// HandleReset rebalances every flow and drops fully-served ones. Flows left
// with outstanding demand re-enter the request queue immediately.
func (h *connHandler) HandleReset(resetTime uint64) {
	s := h.sched()
	s.reqQ = s.reqQ[:0]
	s.rtxQ = s.rtxQ[:0]
	s.hzn.Reset(s.tslotOf(s.lastNow))

	s.flows.forEach(func(f *Flow) { f.rec.OnReset() })
	s.flows.sweep(func(f *Flow) bool {
		return len(f.queue) > 0 || f.rec.Counters().Demand > 0
	})
	s.flows.forEach(func(f *Flow) {
		if f.rec.Counters().Demand > 0 {
			f.rec.SetState(demand.InRequestQueue)
			s.reqQ = append(s.reqQ, f)
		}
	})
	if len(s.reqQ) > 0 {
		s.pace.Trigger(s.lastNow)
	}
}

// HandleAck credits the cumulative counts the acked packet carried.
func (h *connHandler) HandleAck(d *fpproto.Desc) {
	s := h.sched()
	for _, a := range d.AREQs {
		f := s.flows.get(uint64(a.Dst))
		if f == nil {
			continue
		}
		if err := f.rec.Ack(a.Count); err != nil {
			s.needReset = true
			return
		}
	}
}

// HandleNegAck puts the lost packet's flows on the retransmit queue, which
// outranks the request queue.
func (h *connHandler) HandleNegAck(d *fpproto.Desc) {
	s := h.sched()
	requeued := false
	for _, a := range d.AREQs {
		f := s.flows.get(uint64(a.Dst))
		if f == nil || f.rec.State() != demand.Unqueued {
			continue
		}
		f.rec.SetState(demand.InRetransmitQueue)
		s.rtxQ = append(s.rtxQ, f)
		requeued = true
	}
	if requeued {
		s.pace.Trigger(s.lastNow)
	}
}

// HandleAREQ: an endpoint should never receive allocation requests.
func (h *connHandler) HandleAREQ(dst uint16, countLow uint16) error {
	h.sched().stats.UnexpectedAREQs++
	return nil
}

// HandleAlloc books the granted timeslots into the horizon. Slots that
// cannot be used (late, beyond the horizon, or over demand) are counted, and
// unusable-but-granted ones re-demand so the traffic is not stranded.
func (h *connHandler) HandleAlloc(a *wire.Alloc) {
	s := h.sched()
	cur := s.tslotOf(s.lastNow)
	base, ok := wire.ReconstructTslot(cur, a.BaseTslot)
	if !ok {
		s.stats.SuspectAllocBase++
		return
	}

	// Bring bit 0 of the horizon to the current timeslot before booking.
	s.hzn.AdvanceTo(cur, func(tslot, key uint64) {
		s.stats.MissedTimeslots++
		if f := s.flows.get(key); f != nil {
			f.rec.IncDemand(1)
			s.flowUpdated(f, s.lastNow)
		}
	})

	pos := uint64(0)
	for _, slot := range a.Slots {
		idx := int(slot >> 4)
		if idx == 0 {
			pos += 16
			continue
		}
		if idx > len(a.Dsts) {
			s.stats.ExcessAllocs++
			continue
		}
		dst := a.Dsts[idx-1]
		tslot := base + pos
		pos++

		key := uint64(dst)
		f := s.flows.get(key)
		if f == nil {
			f = &Flow{key: key, dst: dst}
			s.flows.insert(f)
		}
		if f.rec.IncAlloc(1) == 0 {
			s.stats.ExcessAllocs++
			continue
		}
		s.stats.AllocatedTslots++

		if slot&wire.AllocFlagDropped != 0 {
			// The fabric dropped this transmission: the slot is spent
			// and the packet goes with it.
			s.stats.DroppedByFabric++
			if p := f.popPacket(); p != nil {
				s.queued--
			}
			if err := f.rec.IncUsed(1); err != nil {
				s.needReset = true
			}
			continue
		}

		switch {
		case tslot < cur:
			s.stats.LateAllocs++
			f.rec.IncDemand(1)
			s.flowUpdated(f, s.lastNow)
		case s.hzn.Set(tslot, key) != nil:
			s.stats.PrematureAllocs++
			f.rec.IncDemand(1)
			s.flowUpdated(f, s.lastNow)
		}
	}
}
