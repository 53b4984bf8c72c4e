package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpass-net/fastpass/pkg/fpproto"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

const t0 = int64(3_000_000_000)

func testConfig() Config {
	return Config{
		PacketLimit:     1024,
		FlowPacketLimit: 64,
		HashTableLog:    4,
		DataRate:        1_000_000_000,     // 1 GB/s
		TslotLen:        time.Microsecond,  // 1000 bytes per timeslot
		ReqCost:         time.Millisecond,
		ReqBucket:       4 * time.Millisecond,
		ReqMinGap:       100 * time.Microsecond,
	}
}

type sentCapture struct {
	bufs [][]byte
}

func (c *sentCapture) send(b []byte) { c.bufs = append(c.bufs, b) }

func newSched(t *testing.T) (*Sched, *sentCapture) {
	t.Helper()
	cap := &sentCapture{}
	s, err := New(testConfig(), cap.send, t0)
	require.NoError(t, err)
	return s, cap
}

func dataPacket(dst uint16, size int) *Packet {
	return &Packet{DstEndpoint: dst, Proto: protoTCP, Priority: 1, Len: size}
}

// arbRec is a minimal arbiter-side protocol handler for loopback tests.
type arbRec struct {
	areqs [][2]uint64
}

func (a *arbRec) HandleReset(uint64)           {}
func (a *arbRec) HandleAck(*fpproto.Desc)      {}
func (a *arbRec) HandleNegAck(*fpproto.Desc)   {}
func (a *arbRec) HandleAlloc(*wire.Alloc)      {}
func (a *arbRec) HandleAREQ(dst, count uint16) error {
	a.areqs = append(a.areqs, [2]uint64{uint64(dst), uint64(count)})
	return nil
}

func TestInternalFlowBypassesScheduling(t *testing.T) {
	s, _ := newSched(t)

	pkts := []*Packet{
		{Priority: 0, Len: 60},                                   // control
		{EtherType: etherTypeARP, Priority: 1, Len: 42},          // ARP
		{Proto: protoUDP, DstPort: portNTP, Priority: 1, Len: 90}, // NTP
	}
	for _, p := range pkts {
		s.Enqueue(p, t0)
	}
	assert.Len(t, s.PopEgress(), 3)
	assert.Equal(t, uint64(3), s.Stats().InternalPackets)

	// None of it demanded a timeslot.
	_, _, watchdog := s.NextEvents()
	assert.Zero(t, watchdog)
}

func TestCreditMetering(t *testing.T) {
	s, _ := newSched(t)

	// 1500-byte packets against a 1000-byte timeslot: every enqueue finds
	// the credit at or below zero and demands another slot.
	s.Enqueue(dataPacket(5, 1500), t0)
	c, ok := s.FlowCounters(5)
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Demand)

	s.Enqueue(dataPacket(5, 1500), t0)
	c, _ = s.FlowCounters(5)
	assert.Equal(t, uint64(2), c.Demand)

	s.Enqueue(dataPacket(5, 1500), t0)
	c, _ = s.FlowCounters(5)
	assert.Equal(t, uint64(3), c.Demand)
}

func TestFlowPacketLimit(t *testing.T) {
	s, _ := newSched(t)
	for i := 0; i < 70; i++ {
		s.Enqueue(dataPacket(5, 100), t0)
	}
	st := s.Stats()
	assert.Equal(t, uint64(64), st.Enqueued)
	assert.Equal(t, uint64(6), st.DroppedFlowLimit)
}

func TestRequestPacketCarriesAREQ(t *testing.T) {
	s, sent := newSched(t)
	s.Connect(t0)
	s.Enqueue(dataPacket(5, 1500), t0)

	req, _, _ := s.NextEvents()
	require.NotZero(t, req)
	s.OnRequestTimer(req)
	require.Len(t, sent.bufs, 1)

	// The arbiter side decodes a reset announcement plus our request.
	rec := &arbRec{}
	arb := fpproto.NewConn(fpproto.Config{MaxPayload: wire.MaxPayloadArbiter}, rec)
	require.Equal(t, fpproto.RxProcess, arb.HandleRxPacket(sent.bufs[0], req))
	require.Len(t, rec.areqs, 1)
	assert.Equal(t, [2]uint64{5, 1}, rec.areqs[0])
	assert.True(t, arb.InSync())

	st := s.Stats()
	assert.Equal(t, uint64(1), st.RequestPacketsSent)
	assert.Equal(t, uint64(1), st.AREQsSent)
	c, _ := s.FlowCounters(5)
	assert.Equal(t, uint64(1), c.Requested)
}

// Full request/alloc/release loop against a real arbiter-side connection.
func TestAllocThroughToEgress(t *testing.T) {
	s, sent := newSched(t)
	s.Connect(t0)
	s.Enqueue(dataPacket(5, 800), t0)

	req, _, _ := s.NextEvents()
	s.OnRequestTimer(req)
	require.Len(t, sent.bufs, 1)

	rec := &arbRec{}
	arb := fpproto.NewConn(fpproto.Config{MaxPayload: wire.MaxPayloadArbiter}, rec)
	require.Equal(t, fpproto.RxProcess, arb.HandleRxPacket(sent.bufs[0], req))

	// Grant one timeslot two slots ahead.
	cur := uint64(req / int64(time.Microsecond))
	target := cur + 2
	reply := &fpproto.Desc{Allocs: []*wire.Alloc{{BaseTslot: target, Dsts: []uint16{5}, Slots: []byte{0x10}}}}
	_, ok := arb.CommitPacket(reply, req)
	require.True(t, ok)
	buf, err := arb.EncodePacket(reply)
	require.NoError(t, err)
	require.Equal(t, fpproto.RxProcess, s.RxPacket(buf, req+10))

	c, _ := s.FlowCounters(5)
	assert.Equal(t, uint64(1), c.Acked, "piggy-backed ack credited the request")
	assert.Equal(t, uint64(1), c.Alloc)

	_, _, watchdog := s.NextEvents()
	require.Equal(t, int64(target)*int64(time.Microsecond), watchdog)

	s.OnWatchdog(watchdog)
	egress := s.PopEgress()
	require.Len(t, egress, 1)
	assert.Equal(t, uint16(5), egress[0].DstEndpoint)

	c, _ = s.FlowCounters(5)
	assert.Equal(t, uint64(1), c.Used)
	assert.True(t, c.Demand >= c.Requested && c.Requested >= c.Acked)
	assert.True(t, c.Alloc <= c.Demand && c.Used <= c.Alloc)
	assert.Equal(t, uint64(1), s.Stats().UsedTslots)
}

// An allocation the watchdog sleeps through is rebooked: the flow re-demands
// and the slot is gone.
func TestMissedTimeslotRebooks(t *testing.T) {
	s, sent := newSched(t)
	s.Connect(t0)
	s.Enqueue(dataPacket(42, 800), t0)
	req, _, _ := s.NextEvents()
	s.OnRequestTimer(req)

	rec := &arbRec{}
	arb := fpproto.NewConn(fpproto.Config{MaxPayload: wire.MaxPayloadArbiter}, rec)
	require.Equal(t, fpproto.RxProcess, arb.HandleRxPacket(sent.bufs[0], req))

	cur := uint64(req / int64(time.Microsecond))
	target := cur + 2
	reply := &fpproto.Desc{Allocs: []*wire.Alloc{{BaseTslot: target, Dsts: []uint16{42}, Slots: []byte{0x10}}}}
	arb.CommitPacket(reply, req)
	buf, err := arb.EncodePacket(reply)
	require.NoError(t, err)
	s.RxPacket(buf, req+10)

	before, _ := s.FlowCounters(42)

	// Fire one slot late.
	s.OnWatchdog(int64(target+1) * int64(time.Microsecond))
	assert.Empty(t, s.PopEgress())

	after, _ := s.FlowCounters(42)
	assert.Equal(t, before.Demand+1, after.Demand)
	assert.Equal(t, before.Alloc, after.Alloc)
	assert.Equal(t, uint64(1), s.Stats().MissedTimeslots)

	// Idempotent at the same instant: nothing further happens.
	s.OnWatchdog(int64(target+1) * int64(time.Microsecond))
	assert.Equal(t, uint64(1), s.Stats().MissedTimeslots)
}

func TestWatermarkKeepsFlowOut(t *testing.T) {
	cfg := testConfig()
	cfg.FlowPacketLimit = 512 // room for every packet below, so demand passes one window
	s, err := New(cfg, (&sentCapture{}).send, t0)
	require.NoError(t, err)
	s.Connect(t0)

	// Far more demand than one request window covers.
	for i := 0; i < 300; i++ {
		s.Enqueue(dataPacket(5, 1000), t0)
	}
	req, _, _ := s.NextEvents()
	s.OnRequestTimer(req)

	c, _ := s.FlowCounters(5)
	assert.Equal(t, uint64(RequestWindow-1), c.Requested)

	// More demand arrives, but requested is way past alloc: the flow must
	// not chase itself back into the request queue.
	s.Enqueue(dataPacket(5, 1000), req)
	s.OnRequestTimer(req + int64(2*time.Millisecond))
	c2, _ := s.FlowCounters(5)
	assert.Equal(t, c.Requested, c2.Requested)
}

func TestReconfigureRejectsInvalid(t *testing.T) {
	s, _ := newSched(t)
	bad := testConfig()
	bad.HashTableLog = 25
	assert.Error(t, s.Reconfigure(bad, t0))

	bad = testConfig()
	bad.DataRate = 0
	assert.Error(t, s.Reconfigure(bad, t0))

	// The previous configuration still works.
	s.Enqueue(dataPacket(5, 1500), t0)
	c, ok := s.FlowCounters(5)
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.Demand)
}

func TestDestroyedSchedIsInert(t *testing.T) {
	s, sent := newSched(t)
	s.Connect(t0)
	s.Destroy()
	s.Enqueue(dataPacket(5, 100), t0)
	s.OnRequestTimer(t0 + int64(time.Millisecond))
	assert.Empty(t, sent.bufs)
	assert.Zero(t, s.Stats().Enqueued)
}
