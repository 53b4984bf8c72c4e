package emu

// DCTCP queues drop-tail but ECN-marks any packet that arrives to an
// instantaneous queue at or above the marking threshold.
type DCTCP struct {
	Limit  int
	MarkTh int
}

func (m *DCTCP) Enqueue(qb *QueueBank, d *Dropper, port, queue int, p *Packet) {
	if qb.Len(port, queue) >= m.Limit {
		qb.CountDrop(port, queue)
		d.DropByQM(port, p)
		return
	}
	if qb.Len(port, queue) >= m.MarkTh {
		p.mark()
		qb.CountMark(port, queue)
	}
	if !qb.Enqueue(port, queue, p) {
		qb.CountDrop(port, queue)
		d.DropByFull(port, p)
	}
}
