package emu

// DropTail drops on full, nothing else.
type DropTail struct {
	Limit int
}

func (m *DropTail) Enqueue(qb *QueueBank, d *Dropper, port, queue int, p *Packet) {
	if qb.Len(port, queue) >= m.Limit {
		qb.CountDrop(port, queue)
		d.DropByQM(port, p)
		return
	}
	if !qb.Enqueue(port, queue, p) {
		qb.CountDrop(port, queue)
		d.DropByFull(port, p)
	}
}
