package emu

// HULL pairs a real drop-tail queue with a per-port phantom queue drained at
// Gamma times the line rate. Packets are marked when the phantom queue is
// over its threshold, so marking kicks in before any real queue builds.
type HULL struct {
	Limit   int
	MarkTh  float64 // phantom occupancy, in packets
	Gamma   float64 // phantom drain as a fraction of line rate
	phantom []float64
}

func NewHULL(limit int, markTh, gamma float64, nPorts int) *HULL {
	return &HULL{Limit: limit, MarkTh: markTh, Gamma: gamma, phantom: make([]float64, nPorts)}
}

func (m *HULL) Enqueue(qb *QueueBank, d *Dropper, port, queue int, p *Packet) {
	if qb.Len(port, queue) >= m.Limit {
		qb.CountDrop(port, queue)
		d.DropByQM(port, p)
		return
	}
	m.phantom[port]++
	if m.phantom[port] > m.MarkTh {
		p.mark()
		qb.CountMark(port, queue)
	}
	if !qb.Enqueue(port, queue, p) {
		qb.CountDrop(port, queue)
		d.DropByFull(port, p)
	}
}

// AdvanceTimeslot drains each phantom queue by one timeslot at Gamma of the
// line rate (one packet per timeslot).
func (m *HULL) AdvanceTimeslot() {
	for i := range m.phantom {
		m.phantom[i] -= m.Gamma
		if m.phantom[i] < 0 {
			m.phantom[i] = 0
		}
	}
}
