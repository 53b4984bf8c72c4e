package emu

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBank(nPorts, nQueues, capacity int) (*QueueBank, *Dropper) {
	return NewQueueBank(nPorts, nQueues, capacity), NewDropper(NewPacketPool(), nPorts)
}

func pkt(src, dst uint16, prio uint8) *Packet {
	return &Packet{Src: src, Dst: dst, Priority: prio}
}

func TestDropTailCapsQueue(t *testing.T) {
	qb, d := testBank(1, 1, 8)
	qm := &DropTail{Limit: 3}

	for i := 0; i < 5; i++ {
		qm.Enqueue(qb, d, 0, 0, pkt(1, 2, 0))
		assert.LessOrEqual(t, qb.Len(0, 0), 3, "occupancy bounded at all times")
	}
	assert.Equal(t, 3, qb.Len(0, 0))
	assert.Equal(t, uint64(2), d.PortStats(0).DroppedByQM)
	assert.Equal(t, uint64(2), qb.Stats(0, 0).Drops)
	assert.Equal(t, uint64(3), qb.Stats(0, 0).Enqueues)
	assert.Equal(t, uint64(3), qb.Stats(0, 0).HighWater)
}

func TestREDDropsAboveMaxThreshold(t *testing.T) {
	qb, d := testBank(1, 1, 8)
	qm := NewRED(8, 1.0, 0, 1, 1.0, 1, 1, rand.New(rand.NewSource(1)))

	qm.Enqueue(qb, d, 0, 0, pkt(1, 2, 0)) // queue empty, avg 0: accepted
	assert.Equal(t, 1, qb.Len(0, 0))
	qm.Enqueue(qb, d, 0, 0, pkt(1, 2, 0)) // avg 1 >= max_th: hard drop
	assert.Equal(t, 1, qb.Len(0, 0))
	assert.Equal(t, uint64(1), d.PortStats(0).DroppedByQM)
}

func TestREDProbabilisticRegion(t *testing.T) {
	qb, d := testBank(1, 1, 64)
	qm := NewRED(64, 1.0, 2, 32, 0.5, 1, 1, rand.New(rand.NewSource(7)))

	dropped, kept := 0, 0
	for i := 0; i < 200; i++ {
		before := qb.Len(0, 0)
		qm.Enqueue(qb, d, 0, 0, pkt(1, 2, 0))
		if qb.Len(0, 0) == before {
			dropped++
		} else {
			kept++
		}
		if qb.Len(0, 0) > 8 {
			qb.Dequeue(0, 0) // keep the queue inside the linear region
		}
	}
	assert.Greater(t, dropped, 0, "some early drops in the linear region")
	assert.Greater(t, kept, dropped, "early drop is probabilistic, not certain")
}

func TestDCTCPMarksAtThreshold(t *testing.T) {
	qb, d := testBank(1, 1, 8)
	qm := &DCTCP{Limit: 8, MarkTh: 2}

	ps := []*Packet{pkt(1, 2, 0), pkt(1, 2, 0), pkt(1, 2, 0), pkt(1, 2, 0)}
	for _, p := range ps {
		qm.Enqueue(qb, d, 0, 0, p)
	}
	assert.Zero(t, ps[0].Flags&FlagECNMark)
	assert.Zero(t, ps[1].Flags&FlagECNMark)
	assert.NotZero(t, ps[2].Flags&FlagECNMark, "instantaneous length hit the threshold")
	assert.NotZero(t, ps[3].Flags&FlagECNMark)
	assert.Equal(t, uint64(2), qb.Stats(0, 0).Marks)
}

func TestHULLPhantomMarksBeforeRealQueue(t *testing.T) {
	qb, d := testBank(1, 1, 64)
	qm := NewHULL(64, 2, 0.5, 1)

	// Drain one scheduled packet per slot; the phantom queue, drained at
	// gamma, overflows first and starts marking while the real queue is
	// still short.
	marked := 0
	for slot := 0; slot < 10; slot++ {
		p := pkt(1, 2, 0)
		qm.Enqueue(qb, d, 0, 0, p)
		if p.Flags&FlagECNMark != 0 {
			marked++
		}
		qb.Dequeue(0, 0)
		qm.AdvanceTimeslot()
	}
	assert.Zero(t, qb.Len(0, 0), "real queue never built")
	assert.Greater(t, marked, 0, "phantom queue overflow marks anyway")
}

func TestPrioritySchedulerStrictOrder(t *testing.T) {
	qb, d := testBank(1, 4, 8)
	qm := &DropTail{Limit: 8}
	sch := PriorityScheduler{}
	cla := ByPriority{NQueues: 4}

	low, high := pkt(1, 2, 3), pkt(1, 2, 0)
	qm.Enqueue(qb, d, 0, cla.Classify(low), low)
	qm.Enqueue(qb, d, 0, cla.Classify(high), high)

	p, _ := sch.Schedule(qb, 0)
	assert.Same(t, high, p)
	p, _ = sch.Schedule(qb, 0)
	assert.Same(t, low, p)
}

func TestRRSchedulerAlternates(t *testing.T) {
	qb, d := testBank(1, 2, 8)
	qm := &DropTail{Limit: 8}
	sch := NewRRScheduler(1)
	cla := ByPriority{NQueues: 2}

	for i := 0; i < 3; i++ {
		p0, p1 := pkt(1, 2, 0), pkt(1, 2, 1)
		qm.Enqueue(qb, d, 0, cla.Classify(p0), p0)
		qm.Enqueue(qb, d, 0, cla.Classify(p1), p1)
	}
	var prios []uint8
	for {
		p, _ := sch.Schedule(qb, 0)
		if p == nil {
			break
		}
		prios = append(prios, p.Priority)
	}
	assert.Equal(t, []uint8{0, 1, 0, 1, 0, 1}, prios)
}

func TestSingleRackDelivery(t *testing.T) {
	cfg, err := ParseConfig([]byte("topology: single-rack\nendpoints_per_rack: 4\n"))
	require.NoError(t, err)
	nw, err := NewNetwork(cfg)
	require.NoError(t, err)

	require.NoError(t, nw.Inject(0, 3, 17, 0))

	var admitted []AdmittedEntry
	for slot := 0; slot < 4 && len(admitted) == 0; slot++ {
		admitted = nw.Step()
	}
	require.Len(t, admitted, 1)
	assert.Equal(t, AdmittedEntry{Src: 0, Dst: 3, ID: 17}, admitted[0])
	assert.Zero(t, nw.DroppedPackets())
}

func TestTwoRackCrossDelivery(t *testing.T) {
	cfg, err := ParseConfig([]byte("topology: two-rack\nendpoints_per_rack: 4\n"))
	require.NoError(t, err)
	nw, err := NewNetwork(cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, nw.NumEndpoints())

	require.NoError(t, nw.Inject(1, 6, 9, 0)) // rack 0 to rack 1

	var admitted []AdmittedEntry
	steps := 0
	for slot := 0; slot < 8 && len(admitted) == 0; slot++ {
		admitted = nw.Step()
		steps++
	}
	require.Len(t, admitted, 1)
	assert.Equal(t, AdmittedEntry{Src: 1, Dst: 6, ID: 9}, admitted[0])
	assert.GreaterOrEqual(t, steps, 4, "a cross-rack packet takes more hops than an in-rack one")
}

// Endpoint queue capacity 3, five packets in one slot: three fit, two are
// dropped, and the drop shows up in the fabric-wide counter.
func TestEndpointGroupDropTail(t *testing.T) {
	cfg, err := ParseConfig([]byte(
		"topology: single-rack\nendpoints_per_rack: 4\nendpoint:\n  kind: droptail\n  queue_capacity: 3\n"))
	require.NoError(t, err)
	nw, err := NewNetwork(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, nw.Inject(2, 0, uint16(i), 0))
	}
	first := nw.Step()

	g := nw.Groups()[0]
	assert.LessOrEqual(t, g.Bank().Occupancy(2), 3)
	assert.Equal(t, uint64(2), nw.DroppedPackets())

	// The two refused packets surface immediately as drop notifications.
	droppedNotices := 0
	for _, e := range first {
		if e.Flags&FlagDropped != 0 {
			droppedNotices++
		}
	}
	assert.Equal(t, 2, droppedNotices)

	// The three queued ones eventually come out as real deliveries.
	delivered := 0
	for slot := 0; slot < 10; slot++ {
		for _, e := range nw.Step() {
			if e.Flags&FlagDropped == 0 {
				delivered++
			}
		}
	}
	assert.Equal(t, 3, delivered)
}

func TestInjectUnknownSource(t *testing.T) {
	cfg, err := ParseConfig([]byte("topology: single-rack\nendpoints_per_rack: 2\n"))
	require.NoError(t, err)
	nw, err := NewNetwork(cfg)
	require.NoError(t, err)
	assert.Error(t, nw.Inject(5, 0, 0, 0))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown topology", "topology: mesh\n"},
		{"unknown kind", "router:\n  kind: codel\n"},
		{"bad endpoint count", "endpoints_per_rack: -1\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
