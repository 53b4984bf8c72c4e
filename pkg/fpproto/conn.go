package fpproto

import (
	"sync"

	"github.com/fastpass-net/fastpass/pkg/window"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

// Conn is one end of a protocol connection. All state is guarded by a single
// connection lock; timer owners call NextTimeout/HandleTimeout from their own
// goroutine and the receive path calls HandleRxPacket.
type Conn struct {
	mu  sync.Mutex
	cfg Config
	h   Handler

	nextSeqno uint64
	inMax     uint64
	inSync    bool
	lastReset uint64 // arbiter-local nanoseconds

	outwnd *window.Window
	descs  []*Desc
	inwnd  *window.Window

	consecBad    int
	pendingReset bool
	destroyed    bool

	stats Stats
}

// NewConn creates a connection that is not yet in sync. An endpoint starts
// the handshake with ForceReset; the arbiter side waits for the peer's RESET.
func NewConn(cfg Config, h Handler) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:       cfg,
		h:         h,
		nextSeqno: 1,
		outwnd:    window.New(cfg.WindowSize, 0),
		descs:     make([]*Desc, cfg.WindowSize),
		inwnd:     window.New(cfg.WindowSize, 0),
	}
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Conn) InSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSync
}

func (c *Conn) LastResetTime() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReset
}

// Destroy marks the connection dead and surrenders every in-flight
// descriptor. Timers that fire afterwards observe the flag and no-op.
func (c *Conn) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.surrenderAll()
}

// ForceReset abandons the current sync and schedules a RESET payload on the
// next committed packet. Called by the user on out-of-spec conditions; must
// not be called from inside a Handler callback.
func (c *Conn) ForceReset(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.forceResetLocked(uint64(now))
}

// forceResetLocked reseeds from our own clock and schedules a RESET payload
// on the next committed packet. The connection stays out of sync until the
// peer echoes the same timestamp back.
func (c *Conn) forceResetLocked(t uint64) {
	c.stats.ResetsForced++
	c.applyReset(t, false)
	c.pendingReset = true
}

// applyReset clears both windows, reseeds the counters from the reset time,
// and tells the user to rebalance. In-flight descriptors are surrendered
// first so ownership is never lost.
func (c *Conn) applyReset(t uint64, sync bool) {
	c.surrenderAll()
	c.lastReset = t
	c.nextSeqno = t + 1
	c.inMax = t
	c.outwnd.Clearall(t)
	c.inwnd.Clearall(t)
	c.inSync = sync
	c.consecBad = 0
	c.h.HandleReset(t)
}

func (c *Conn) surrenderAll() {
	for {
		seq, ok := c.outwnd.Earliest()
		if !ok {
			return
		}
		c.outwnd.Clear(seq)
		if d := c.takeDesc(seq); d != nil {
			c.stats.NegAckedPackets++
			c.h.HandleNegAck(d)
		}
	}
}

func (c *Conn) takeDesc(seq uint64) *Desc {
	idx := seq & (c.cfg.WindowSize - 1)
	d := c.descs[idx]
	c.descs[idx] = nil
	return d
}

// CommitPacket assigns the next sequence number to d, records it in the
// outgoing window, and stamps the piggy-backed ack state. If the oldest
// unacked entry would fall off the window it is surrendered through
// HandleNegAck first. Returns the assigned sequence number.
func (c *Conn) CommitPacket(d *Desc, now int64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, false
	}

	seq := c.nextSeqno
	c.nextSeqno++

	if seq > c.outwnd.Base()+c.cfg.WindowSize {
		c.outwnd.Advance(seq-c.cfg.WindowSize, func(old uint64) {
			if fell := c.takeDesc(old); fell != nil {
				c.stats.FellOffWindow++
				c.stats.NegAckedPackets++
				c.h.HandleNegAck(fell)
			}
		})
	}

	d.Seqno = seq
	d.SentAt = now
	if c.inSync {
		d.AckSeq = c.inMax
		d.AckVec = c.inwnd.AckVec(c.inMax)
	} else {
		d.AckSeq, d.AckVec = 0, 0
	}
	// Keep announcing the reset until the peer's echo completes the
	// handshake, or the explicit pending flag is consumed.
	if c.pendingReset || (!c.inSync && c.lastReset != 0) {
		d.Reset = true
		d.ResetTimestamp = c.lastReset
		c.pendingReset = false
	}

	c.outwnd.MarkPresent(seq)
	c.descs[seq&(c.cfg.WindowSize-1)] = d
	c.stats.CommittedPackets++
	return seq, true
}

// EncodePacket renders a committed descriptor to wire bytes.
func (c *Conn) EncodePacket(d *Desc) ([]byte, error) {
	hdr := wire.Header{
		Seq:    uint16(d.Seqno),
		AckSeq: uint16(d.AckSeq) & (1<<wire.AckSeqBits - 1),
		AckVec: d.AckVec,
	}
	buf := make([]byte, wire.HeaderSize, wire.HeaderSize+c.cfg.MaxPayload)
	hdr.Encode(buf)
	if d.Reset {
		buf = wire.AppendReset(buf, d.ResetTimestamp)
	}
	if len(d.AREQs) > 0 {
		buf = wire.AppendAREQ(buf, d.AREQs)
	}
	for _, a := range d.Allocs {
		var err error
		if buf, err = wire.AppendAlloc(buf, a); err != nil {
			return nil, err
		}
	}
	if c.cfg.MinSize > 0 {
		buf = wire.PadTo(buf, c.cfg.MinSize)
	}
	wire.FinishChecksum(buf)
	return buf, nil
}

// rxScratch collects one packet's payload sections before they are applied,
// so the RESET can take effect before anything else is interpreted.
type rxScratch struct {
	hasReset bool
	resetTS  uint64
	areqs    []wire.AREQ
	allocs   []*wire.Alloc
	acks     [][2]uint64
}

func (s *rxScratch) OnReset(ts uint64) {
	s.hasReset = true
	s.resetTS = ts
}

func (s *rxScratch) OnAREQ(dst, count uint16) {
	s.areqs = append(s.areqs, wire.AREQ{Dst: dst, Count: uint64(count)})
}

func (s *rxScratch) OnAlloc(a *wire.Alloc) { s.allocs = append(s.allocs, a) }

func (s *rxScratch) OnAck(seq uint64, vec uint16) {
	s.acks = append(s.acks, [2]uint64{seq, uint64(vec)})
}

// HandleRxPacket validates and applies one incoming packet. now is the local
// monotonic clock in nanoseconds, used for reset arbitration.
func (c *Conn) HandleRxPacket(pkt []byte, now int64) RxResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return RxOutOfWindow
	}

	hdr, err := wire.DecodeHeader(pkt)
	if err != nil {
		if err == wire.ErrTooShort {
			c.stats.TooShort++
		} else {
			c.stats.ChecksumErrors++
		}
		c.badPacket(now)
		return RxFormat
	}

	var p rxScratch
	if err := wire.ParsePayload(pkt[wire.HeaderSize:], &p); err != nil {
		c.stats.PayloadErrors++
		c.badPacket(now)
		return RxFormat
	}

	if p.hasReset {
		c.rxReset(p.resetTS, now)
	}
	if !c.inSync {
		c.stats.NotSynced++
		return RxOutOfWindow
	}

	seq := wire.Reconstruct(c.inMax, uint64(hdr.Seq), wire.SeqBits)
	res := RxProcess
	switch {
	case seq <= c.inwnd.Base():
		c.stats.OutOfWindow++
		return RxOutOfWindow
	case c.inwnd.IsSet(seq):
		c.stats.Duplicates++
		return RxDuplicate
	case seq <= c.inMax:
		c.stats.OutOfOrder++
		res = RxOutOfOrder
	}

	for _, a := range p.areqs {
		if err := c.h.HandleAREQ(a.Dst, uint16(a.Count)); err != nil {
			c.stats.BadAREQs++
			c.forceResetLocked(uint64(now))
			return RxFormat
		}
	}
	for _, a := range p.allocs {
		c.h.HandleAlloc(a)
	}
	for _, ack := range p.acks {
		c.processAck(ack[0], uint16(ack[1]))
	}

	c.successfulRx(seq)
	if ackSeq := wire.Reconstruct(c.nextSeqno-1, uint64(hdr.AckSeq), wire.AckSeqBits); hdr.AckVec != 0 {
		c.processAck(ackSeq, hdr.AckVec)
	}
	c.consecBad = 0
	return res
}

func (c *Conn) badPacket(now int64) {
	c.consecBad++
	if c.consecBad >= MaxConsecutiveBadPackets {
		c.forceResetLocked(uint64(now))
	}
}

// rxReset arbitrates an incoming RESET timestamp. A timestamp equal to ours
// completes the handshake; otherwise it must be recent, and when our own
// reset is also recent the later of the two wins.
func (c *Conn) rxReset(t uint64, now int64) {
	if t == c.lastReset {
		// The peer echoed our timestamp: the handshake is complete.
		// State was already seeded when we forced the reset.
		if !c.inSync {
			c.stats.ResetsAccepted++
			c.inSync = true
		}
		return
	}
	if absDiff(t, now) > uint64(c.cfg.ResetWindow) {
		c.stats.ResetsOutOfWindow++
		return
	}
	if absDiff(c.lastReset, now) <= uint64(c.cfg.ResetWindow) && t < c.lastReset {
		c.stats.ResetsStale++
		return
	}
	c.stats.ResetsAccepted++
	c.applyReset(t, true)
	// Echo the accepted timestamp so the peer's handshake completes too.
	c.pendingReset = true
}

func absDiff(t uint64, now int64) uint64 {
	d := int64(t) - now
	if d < 0 {
		d = -d
	}
	return uint64(d)
}

func (c *Conn) successfulRx(seq uint64) {
	if seq > c.inMax {
		if seq > c.inwnd.Base()+c.cfg.WindowSize {
			c.inwnd.Advance(seq-c.cfg.WindowSize, nil)
		}
		c.inMax = seq
	}
	c.inwnd.MarkPresent(seq)
}

// processAck walks an ack vector. Bit i acknowledges ackSeq-i; every newly
// covered in-flight sequence number yields exactly one HandleAck.
func (c *Conn) processAck(ackSeq uint64, vec uint16) {
	if ackSeq >= c.nextSeqno {
		return
	}
	for i := uint64(0); i < 16; i++ {
		if vec>>i&1 == 0 {
			continue
		}
		s := ackSeq - i
		if !c.outwnd.IsSet(s) {
			continue
		}
		c.outwnd.Clear(s)
		if d := c.takeDesc(s); d != nil {
			c.stats.AckedPackets++
			c.h.HandleAck(d)
		}
	}
}

// EarliestUnacked exposes the oldest in-flight sequence number.
func (c *Conn) EarliestUnacked() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outwnd.Earliest()
}

// NextTimeout returns the retransmit deadline for the oldest unacked packet,
// or false when nothing is in flight. The owner arms a single timer for it;
// arming for an earlier already-armed time is the owner's no-op.
func (c *Conn) NextTimeout() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextTimeoutLocked()
}

func (c *Conn) nextTimeoutLocked() (int64, bool) {
	if c.destroyed {
		return 0, false
	}
	seq, ok := c.outwnd.Earliest()
	if !ok {
		return 0, false
	}
	d := c.descs[seq&(c.cfg.WindowSize-1)]
	if d == nil {
		return 0, false
	}
	return d.SentAt + int64(c.cfg.SendTimeout), true
}

// HandleTimeout surrenders every entry whose retransmit deadline has passed
// and returns the next deadline, if any.
func (c *Conn) HandleTimeout(now int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, false
	}
	for {
		seq, ok := c.outwnd.Earliest()
		if !ok {
			return 0, false
		}
		d := c.descs[seq&(c.cfg.WindowSize-1)]
		if d == nil {
			c.outwnd.Clear(seq)
			continue
		}
		if d.SentAt+int64(c.cfg.SendTimeout) > now {
			return d.SentAt + int64(c.cfg.SendTimeout), true
		}
		c.outwnd.Clear(seq)
		c.takeDesc(seq)
		c.stats.Timeouts++
		c.stats.NegAckedPackets++
		c.h.HandleNegAck(d)
	}
}
