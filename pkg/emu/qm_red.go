package emu

import (
	"math/rand"
)

// RED is random early detection: an EWMA of the queue length drives a drop
// probability that climbs linearly between the two thresholds and becomes
// certain above the upper one.
type RED struct {
	Limit  int
	Weight float64 // EWMA weight for the instantaneous length
	MinTh  float64
	MaxTh  float64
	MaxP   float64 // drop probability as avg reaches MaxTh

	rng *rand.Rand
	avg []float64 // per port*queue
}

func NewRED(limit int, weight, minTh, maxTh, maxP float64, nPorts, nQueues int, rng *rand.Rand) *RED {
	return &RED{
		Limit:  limit,
		Weight: weight,
		MinTh:  minTh,
		MaxTh:  maxTh,
		MaxP:   maxP,
		rng:    rng,
		avg:    make([]float64, nPorts*nQueues),
	}
}

func (m *RED) Enqueue(qb *QueueBank, d *Dropper, port, queue int, p *Packet) {
	i := port*qb.NQueues() + queue
	cur := float64(qb.Len(port, queue))
	m.avg[i] = (1-m.Weight)*m.avg[i] + m.Weight*cur

	switch avg := m.avg[i]; {
	case avg >= m.MaxTh:
		qb.CountDrop(port, queue)
		d.DropByQM(port, p)
		return
	case avg > m.MinTh:
		prob := m.MaxP * (avg - m.MinTh) / (m.MaxTh - m.MinTh)
		if m.rng.Float64() < prob {
			qb.CountDrop(port, queue)
			d.DropByQM(port, p)
			return
		}
	}

	if qb.Len(port, queue) >= m.Limit || !qb.Enqueue(port, queue, p) {
		qb.CountDrop(port, queue)
		d.DropByFull(port, p)
	}
}
