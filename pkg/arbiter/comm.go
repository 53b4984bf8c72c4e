package arbiter

import (
	"sync"

	"github.com/fastpass-net/fastpass/pkg/fpproto"
	"github.com/fastpass-net/fastpass/pkg/ring"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

// Transport sends one encoded protocol packet toward an endpoint. It must
// not block; a failed send surfaces as a counted error. The packet stays
// committed, so it later times out and is counted as a lost ALLOC packet;
// ALLOC packets are not retransmitted.
type Transport interface {
	Send(endpoint uint16, pkt []byte) error
}

// CommStats counts the wire-facing core's outcomes.
type CommStats struct {
	AREQsReceived    uint64
	DemandRingFull   uint64
	AllocsQueued     uint64
	AllocPacketsSent uint64
	LostAllocPackets uint64
	SendErrors       uint64
	UnexpectedAllocs uint64
}

// pendingAlloc is one granted timeslot waiting to be packed for an endpoint.
type pendingAlloc struct {
	tslot uint64
	dst   uint16
	flags uint8
}

// Comm owns every protocol connection. It is the only core that touches the
// engines; admission hears about demand exclusively through the update ring.
type Comm struct {
	mu      sync.Mutex
	maxEp   int
	conns   []*epConn
	updates *ring.Ring
	tx      Transport
	pending [][]pendingAlloc
	stats   CommStats
}

func NewComm(maxEndpoints int, updates *ring.Ring, tx Transport) *Comm {
	return &Comm{
		maxEp:   maxEndpoints,
		conns:   make([]*epConn, maxEndpoints),
		updates: updates,
		tx:      tx,
		pending: make([][]pendingAlloc, maxEndpoints),
	}
}

func (cm *Comm) Stats() CommStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.stats
}

// epConn is one endpoint's connection plus the cumulative AREQ counters used
// to reconstruct the 16-bit wire counts.
type epConn struct {
	comm    *Comm
	id      uint16
	conn    *fpproto.Conn
	demands map[uint16]uint64
}

func (cm *Comm) endpointConn(ep uint16) *epConn {
	if c := cm.conns[ep]; c != nil {
		return c
	}
	c := &epConn{comm: cm, id: ep, demands: make(map[uint16]uint64)}
	c.conn = fpproto.NewConn(fpproto.Config{MaxPayload: wire.MaxPayloadArbiter}, c)
	cm.conns[ep] = c
	return c
}

// RxPacket feeds one datagram from endpoint ep into its connection.
func (cm *Comm) RxPacket(ep uint16, pkt []byte, now int64) fpproto.RxResult {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if int(ep) >= cm.maxEp {
		return fpproto.RxFormat
	}
	return cm.endpointConn(ep).conn.HandleRxPacket(pkt, now)
}

// QueueAllocs stages an admitted-traffic record for TX packing. Ownership of
// the record stays with the caller.
func (cm *Comm) QueueAllocs(rec *AdmittedTraffic) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, e := range rec.Entries {
		if int(e.Src) >= cm.maxEp {
			continue
		}
		cm.pending[e.Src] = append(cm.pending[e.Src], pendingAlloc{tslot: rec.Timeslot, dst: e.Dst, flags: e.Flags})
		cm.stats.AllocsQueued++
	}
}

// Flush packs each endpoint's pending allocations into ALLOC sections and
// transmits one packet per endpoint.
func (cm *Comm) Flush(now int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for ep := range cm.pending {
		if len(cm.pending[ep]) == 0 {
			continue
		}
		c := cm.endpointConn(uint16(ep))
		if !c.conn.InSync() {
			// No way to deliver; the flow will re-request after the
			// endpoint resets.
			cm.pending[ep] = cm.pending[ep][:0]
			continue
		}
		d := &fpproto.Desc{Allocs: packAllocs(cm.pending[ep])}
		cm.pending[ep] = cm.pending[ep][:0]
		if _, ok := c.conn.CommitPacket(d, now); !ok {
			continue
		}
		pkt, err := c.conn.EncodePacket(d)
		if err != nil {
			cm.stats.SendErrors++
			continue
		}
		if err := cm.tx.Send(uint16(ep), pkt); err != nil {
			cm.stats.SendErrors++
			continue
		}
		cm.stats.AllocPacketsSent++
	}
}

// packAllocs turns a time-ordered pending list into ALLOC sections. A new
// section starts whenever the timeslot gap cannot be expressed with skip
// bytes or a section limit is hit.
func packAllocs(pending []pendingAlloc) []*wire.Alloc {
	var out []*wire.Alloc
	var cur *wire.Alloc
	var nextPos uint64
	dstIndex := map[uint16]int{}

	flush := func(p pendingAlloc) {
		cur = &wire.Alloc{BaseTslot: p.tslot}
		nextPos = 0
		dstIndex = map[uint16]int{}
		out = append(out, cur)
	}

	for _, p := range pending {
		if cur == nil {
			flush(p)
		}
		pos := p.tslot - cur.BaseTslot
		gap := pos - nextPos
		idx, seen := dstIndex[p.dst]
		switch {
		case p.tslot < cur.BaseTslot+nextPos, // out of order: fresh section
			gap%16 != 0, // a gap that skip bytes cannot express
			len(cur.Slots)+int(gap/16)+1 > wire.MaxAllocTslots,
			!seen && len(cur.Dsts) >= wire.MaxAllocDsts:
			flush(p)
			pos, gap = 0, 0
			idx, seen = 0, false
		}
		for ; gap >= 16; gap -= 16 {
			cur.Slots = append(cur.Slots, 0)
		}
		if !seen {
			cur.Dsts = append(cur.Dsts, p.dst)
			idx = len(cur.Dsts)
			dstIndex[p.dst] = idx
		}
		cur.Slots = append(cur.Slots, byte(idx)<<4|p.flags&0xF)
		nextPos = pos + 1
	}
	return out
}

// Timeouts runs every connection's retransmit timer.
func (cm *Comm) Timeouts(now int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, c := range cm.conns {
		if c != nil {
			c.conn.HandleTimeout(now)
		}
	}
}

// fpproto.Handler for one endpoint's connection. Calls arrive while Comm
// holds its lock and is inside the engine.

func (c *epConn) HandleReset(resetTime uint64) {
	c.demands = make(map[uint16]uint64)
	if err := c.comm.updates.Push(DemandUpdate{Src: c.id, Reset: true}); err != nil {
		c.comm.stats.DemandRingFull++
	}
}

func (c *epConn) HandleAREQ(dst uint16, countLow uint16) error {
	cur := c.demands[dst]
	full := wire.ReconstructCount(cur, countLow)
	if full <= cur {
		return nil // duplicate of an already-seen report
	}
	c.demands[dst] = full
	c.comm.stats.AREQsReceived++
	if err := c.comm.updates.Push(DemandUpdate{Src: c.id, Dst: dst, Count: full}); err != nil {
		// The update is dropped. The packet is still acknowledged, so the
		// endpoint does not resend it; only a later, higher count for
		// this destination carries the demand.
		c.comm.stats.DemandRingFull++
	}
	return nil
}

// HandleNegAck: a lost ALLOC packet is not retransmitted; the endpoint
// rebooks the timeslots it never heard about.
func (c *epConn) HandleNegAck(d *fpproto.Desc) {
	c.comm.stats.LostAllocPackets++
}

func (c *epConn) HandleAck(d *fpproto.Desc) {}

func (c *epConn) HandleAlloc(a *wire.Alloc) {
	c.comm.stats.UnexpectedAllocs++
}
