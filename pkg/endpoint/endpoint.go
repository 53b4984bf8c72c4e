// Package endpoint implements the endpoint-side scheduler: it classifies
// outgoing packets into flows, meters them into timeslot-sized chunks of
// demand, keeps the arbiter posted through the protocol connection, and
// releases packets onto the egress queue exactly when their allocated
// timeslot arrives.
package endpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/fastpass-net/fastpass/pkg/demand"
	"github.com/fastpass-net/fastpass/pkg/fpproto"
	"github.com/fastpass-net/fastpass/pkg/horizon"
	"github.com/fastpass-net/fastpass/pkg/pacer"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

const (
	// RequestWindow bounds requested-acked per destination; a flow never
	// requests more than acked+RequestWindow-1.
	RequestWindow = 256
	// RequestLowWatermark keeps a flow out of the request queue while it
	// is still far ahead of its allocations.
	RequestLowWatermark = 64

	etherTypeARP = 0x0806
	protoTCP     = 6
	protoUDP     = 17
	portNTP      = 123
)

// Packet is one outgoing packet as seen by the scheduler.
type Packet struct {
	DstEndpoint  uint16
	SrcIP, DstIP uint32
	EtherType    uint16
	Proto        uint8
	DstPort      uint16
	Priority     uint8
	Len          int
	Data         []byte
}

// Config is the endpoint scheduler's reconfiguration surface.
type Config struct {
	PacketLimit     int
	FlowPacketLimit int
	HashTableLog    int           // log2 of the flow-table bucket count, 1..18
	DataRate        uint64        // bytes per second on the uplink
	TslotLen        time.Duration // tslot_nsec
	ReqCost         time.Duration
	ReqBucket       time.Duration
	ReqMinGap       time.Duration
	ResetWindow     time.Duration
	SendTimeout     time.Duration

	// ResolveTCP maps a TCP packet's address pair to the destination
	// endpoint. Left nil, the packet's own DstEndpoint field is used.
	ResolveTCP func(srcIP, dstIP uint32) uint16
}

func (c *Config) Validate() error {
	if c.HashTableLog < 1 || c.HashTableLog > 18 {
		return fmt.Errorf("endpoint: hash_tbl_log %d outside [1,18]", c.HashTableLog)
	}
	if c.DataRate == 0 {
		return fmt.Errorf("endpoint: data rate must be positive")
	}
	if c.TslotLen <= 0 {
		return fmt.Errorf("endpoint: timeslot length must be positive")
	}
	if c.PacketLimit <= 0 || c.FlowPacketLimit <= 0 {
		return fmt.Errorf("endpoint: packet limits must be positive")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ResetWindow == 0 {
		out.ResetWindow = fpproto.DefaultResetWindow
	}
	if out.SendTimeout == 0 {
		out.SendTimeout = fpproto.DefaultSendTimeout
	}
	if out.ReqCost == 0 {
		out.ReqCost = 2 * time.Millisecond
	}
	if out.ReqBucket == 0 {
		out.ReqBucket = 8 * time.Millisecond
	}
	if out.ReqMinGap == 0 {
		out.ReqMinGap = 100 * time.Microsecond
	}
	return out
}

// Stats is the endpoint scheduler's error and throughput surface. Failures
// are never returned to the packet path; they land here.
type Stats struct {
	Enqueued           uint64
	InternalPackets    uint64
	DroppedPacketLimit uint64
	DroppedFlowLimit   uint64
	RequestPacketsSent uint64
	AREQsSent          uint64
	StaleFlows         uint64
	AllocatedTslots    uint64
	UsedTslots         uint64
	WastedTslots       uint64
	MissedTimeslots    uint64
	DroppedByFabric    uint64
	LateAllocs         uint64
	PrematureAllocs    uint64
	ExcessAllocs       uint64
	SuspectAllocBase   uint64
	UnexpectedAREQs    uint64
	ForcedResets       uint64
}

// Sched drives one endpoint. A single connection lock guards the flow table,
// queues, and horizon; the pacer keeps its own leaf lock; the protocol
// connection is only ever entered while the connection lock is held, so its
// callbacks run lock-ordered.
type Sched struct {
	mu   sync.Mutex
	cfg  Config
	conn *fpproto.Conn
	send func([]byte)

	flows    *flowTable
	internal Flow
	reqQ     []*Flow
	rtxQ     []*Flow

	pace *pacer.Pacer
	hzn  *horizon.Horizon

	egress []*Packet
	queued int

	lastNow   int64
	needReset bool
	destroyed bool
	stats     Stats
}

// New creates a scheduler. send transmits one encoded protocol packet toward
// the arbiter; it must not block.
func New(cfg Config, send func([]byte), now int64) (*Sched, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Sched{
		cfg:      cfg,
		send:     send,
		flows:    newFlowTable(cfg.HashTableLog),
		internal: Flow{kind: KindInternal},
		pace:     pacer.New(cfg.ReqCost, cfg.ReqBucket, cfg.ReqMinGap, now),
		lastNow:  now,
	}
	s.hzn = horizon.New(s.tslotOf(now))
	s.conn = fpproto.NewConn(fpproto.Config{
		ResetWindow: cfg.ResetWindow,
		SendTimeout: cfg.SendTimeout,
		MaxPayload:  wire.MaxPayloadEndpoint,
	}, (*connHandler)(s))
	return s, nil
}

// Connect starts (or restarts) synchronization with the arbiter.
func (s *Sched) Connect(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNow = now
	s.conn.ForceReset(now)
	s.stats.ForcedResets++
	s.pace.Trigger(now)
}

// Reconfigure applies a new parameter block. An invalid block is rejected
// and the previous configuration stays in force; an accepted one rebuilds the
// connection with the new reset window and send timeout and reconnects. The
// pacer parameters and the flow-table size stay as they were at New.
func (s *Sched) Reconfigure(cfg Config, now int64) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	s.lastNow = now
	s.conn.Destroy()
	s.conn = fpproto.NewConn(fpproto.Config{
		ResetWindow: s.cfg.ResetWindow,
		SendTimeout: s.cfg.SendTimeout,
		MaxPayload:  wire.MaxPayloadEndpoint,
	}, (*connHandler)(s))
	s.conn.ForceReset(now)
	s.stats.ForcedResets++
	s.pace.Trigger(now)
	return nil
}

// Destroy marks the scheduler dead; timers firing afterwards no-op.
func (s *Sched) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.conn.Destroy()
}

func (s *Sched) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sched) tslotOf(now int64) uint64 {
	return uint64(now / int64(s.cfg.TslotLen))
}

func (s *Sched) tslotBytes() int64 {
	return int64(s.cfg.DataRate) * int64(s.cfg.TslotLen) / int64(time.Second)
}

// classify maps a packet to its flow, honoring the internal short-circuit
// for control traffic.
func (s *Sched) classify(p *Packet) *Flow {
	if p.Priority == 0 || p.EtherType == etherTypeARP ||
		(p.Proto == protoUDP && p.DstPort == portNTP) {
		return &s.internal
	}
	dst := p.DstEndpoint
	if p.Proto == protoTCP && s.cfg.ResolveTCP != nil {
		dst = s.cfg.ResolveTCP(p.SrcIP, p.DstIP)
	}
	key := uint64(dst)
	f := s.flows.get(key)
	if f == nil {
		f = &Flow{key: key, dst: dst}
		s.flows.insert(f)
	}
	return f
}

// Enqueue accepts one packet from the stack. Internal traffic goes straight
// to egress; everything else is metered into the flow's FIFO, demanding a
// fresh timeslot whenever the credit runs out.
func (s *Sched) Enqueue(p *Packet, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.lastNow = now

	f := s.classify(p)
	if f.kind == KindInternal {
		s.stats.InternalPackets++
		s.egress = append(s.egress, p)
		return
	}
	if s.queued >= s.cfg.PacketLimit {
		s.stats.DroppedPacketLimit++
		return
	}
	if len(f.queue) >= s.cfg.FlowPacketLimit {
		s.stats.DroppedFlowLimit++
		return
	}

	if f.credit <= 0 {
		f.rec.IncDemand(1)
		f.credit += s.tslotBytes()
	}
	f.credit -= int64(p.Len)
	f.queue = append(f.queue, p)
	s.queued++
	s.stats.Enqueued++

	s.flowUpdated(f, now)
}

// flowUpdated re-queues a flow whose demand got ahead of its requests,
// unless it is already queued or still far ahead of its allocations.
func (s *Sched) flowUpdated(f *Flow, now int64) {
	c := f.rec.Counters()
	if f.rec.State() != demand.Unqueued {
		return
	}
	if c.Demand <= c.Requested {
		return
	}
	if c.Requested > c.Alloc+RequestLowWatermark {
		return
	}
	f.rec.SetState(demand.InRequestQueue)
	s.reqQ = append(s.reqQ, f)
	s.pace.Trigger(now)
}

// nextRequestFlow pops the next flow to put in a request packet; the
// retransmit queue has strict priority.
func (s *Sched) nextRequestFlow() *Flow {
	if n := len(s.rtxQ); n > 0 {
		f := s.rtxQ[0]
		s.rtxQ = s.rtxQ[1:]
		return f
	}
	if n := len(s.reqQ); n > 0 {
		f := s.reqQ[0]
		s.reqQ = s.reqQ[1:]
		return f
	}
	return nil
}

// OnRequestTimer fires the pacer: it assembles one request packet from the
// queued flows and transmits it.
func (s *Sched) OnRequestTimer(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.lastNow = now

	d := &fpproto.Desc{}
	for len(d.AREQs) < wire.MaxAREQ {
		f := s.nextRequestFlow()
		if f == nil {
			break
		}
		f.rec.SetState(demand.Unqueued)
		c := f.rec.Counters()
		newRequested := c.Acked + RequestWindow - 1
		if c.Demand < newRequested {
			newRequested = c.Demand
		}
		if newRequested <= c.Acked {
			s.stats.StaleFlows++
			continue
		}
		f.rec.Request(newRequested)
		d.AREQs = append(d.AREQs, wire.AREQ{Dst: f.dst, Count: newRequested})
	}

	if len(d.AREQs) == 0 && s.conn.InSync() {
		s.pace.Fired(now)
		return
	}
	// More queued flows than one packet holds: pace out another request.
	if len(s.reqQ)+len(s.rtxQ) > 0 {
		defer s.pace.Trigger(now)
	}
	if _, ok := s.conn.CommitPacket(d, now); !ok {
		return
	}
	buf, err := s.conn.EncodePacket(d)
	if err != nil {
		return
	}
	s.stats.RequestPacketsSent++
	s.stats.AREQsSent += uint64(len(d.AREQs))
	s.pace.Fired(now)
	s.send(buf)
}

// OnRetransmitTimer handles a protocol send-timeout expiry.
func (s *Sched) OnRetransmitTimer(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.lastNow = now
	s.conn.HandleTimeout(now)
	s.maybeForceReset(now)
}

// RxPacket feeds one packet from the arbiter into the protocol connection.
func (s *Sched) RxPacket(buf []byte, now int64) fpproto.RxResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fpproto.RxOutOfWindow
	}
	s.lastNow = now
	res := s.conn.HandleRxPacket(buf, now)
	s.maybeForceReset(now)
	return res
}

func (s *Sched) maybeForceReset(now int64) {
	if !s.needReset {
		return
	}
	s.needReset = false
	s.stats.ForcedResets++
	s.conn.ForceReset(now)
	s.pace.Trigger(now)
}

// OnWatchdog advances the horizon to the current timeslot, rebooks anything
// that was missed, and releases one timeslot's worth of packets for the slot
// now in progress.
func (s *Sched) OnWatchdog(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.lastNow = now

	cur := s.tslotOf(now)
	s.hzn.AdvanceTo(cur, func(tslot, key uint64) {
		s.stats.MissedTimeslots++
		if f := s.flows.get(key); f != nil {
			// The allocation was counted when it arrived; demanding one
			// more slot makes the flow ask again.
			f.rec.IncDemand(1)
			s.flowUpdated(f, now)
		}
	})
	if key, ok := s.hzn.PopCurrent(); ok {
		if f := s.flows.get(key); f != nil {
			s.releaseTimeslot(f)
		}
	}
}

// releaseTimeslot moves up to one timeslot's worth of bytes from the flow to
// the egress queue.
func (s *Sched) releaseTimeslot(f *Flow) {
	budget := s.tslotBytes()
	moved := false
	for budget > 0 {
		p := f.popPacket()
		if p == nil {
			break
		}
		budget -= int64(p.Len)
		s.egress = append(s.egress, p)
		s.queued--
		moved = true
	}
	if !moved {
		s.stats.WastedTslots++
		return
	}
	s.stats.UsedTslots++
	if err := f.rec.IncUsed(1); err != nil {
		s.needReset = true
	}
}

// PopEgress hands the released packets to the interface driver.
func (s *Sched) PopEgress() []*Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.egress
	s.egress = nil
	return out
}

// NextEvents reports the pending timer deadlines: the request pacer, the
// protocol retransmit timer, and the watchdog for the next allocated
// timeslot. Zero deadlines are disarmed.
func (s *Sched) NextEvents() (request, retransmit, watchdog int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, armed := s.pace.Armed(); armed {
		request = at
	}
	if at, armed := s.conn.NextTimeout(); armed {
		retransmit = at
	}
	if ts, ok := s.hzn.NextNonempty(); ok {
		watchdog = int64(ts) * int64(s.cfg.TslotLen)
	}
	return request, retransmit, watchdog
}

// FlowCounters exposes one destination's accounting, for tests and stats.
func (s *Sched) FlowCounters(dst uint16) (demand.Counters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.flows.get(uint64(dst))
	if f == nil {
		return demand.Counters{}, false
	}
	return f.rec.Counters(), true
}
