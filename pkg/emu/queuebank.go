package emu

// fifo is a fixed-capacity packet queue. pushFront exists so a scheduler can
// put back a packet whose downstream enqueue failed.
type fifo struct {
	buf   []*Packet
	head  int
	count int
}

func newFifo(capacity int) fifo {
	return fifo{buf: make([]*Packet, capacity)}
}

func (f *fifo) len() int  { return f.count }
func (f *fifo) full() bool { return f.count == len(f.buf) }

func (f *fifo) push(p *Packet) bool {
	if f.full() {
		return false
	}
	f.buf[(f.head+f.count)%len(f.buf)] = p
	f.count++
	return true
}

func (f *fifo) pop() *Packet {
	if f.count == 0 {
		return nil
	}
	p := f.buf[f.head]
	f.buf[f.head] = nil
	f.head = (f.head + 1) % len(f.buf)
	f.count--
	return p
}

func (f *fifo) pushFront(p *Packet) bool {
	if f.full() {
		return false
	}
	f.head = (f.head - 1 + len(f.buf)) % len(f.buf)
	f.buf[f.head] = p
	f.count++
	return true
}

// QueueStats is the per port-queue telemetry snapshot surface.
type QueueStats struct {
	HighWater uint64
	Enqueues  uint64
	Drops     uint64
	Marks     uint64
}

// QueueBank is the shared state of one router or endpoint group: a bank of
// FIFOs arranged port × queue, with per-queue statistics and per-port
// occupancy.
type QueueBank struct {
	nPorts    int
	nQueues   int
	queues    []fifo
	occupancy []int
	stats     []QueueStats
}

func NewQueueBank(nPorts, nQueues, queueCapacity int) *QueueBank {
	n := nPorts * nQueues
	qb := &QueueBank{
		nPorts:    nPorts,
		nQueues:   nQueues,
		queues:    make([]fifo, n),
		occupancy: make([]int, nPorts),
		stats:     make([]QueueStats, n),
	}
	for i := range qb.queues {
		qb.queues[i] = newFifo(queueCapacity)
	}
	return qb
}

func (qb *QueueBank) NPorts() int  { return qb.nPorts }
func (qb *QueueBank) NQueues() int { return qb.nQueues }

func (qb *QueueBank) idx(port, queue int) int { return port*qb.nQueues + queue }

// Len is the number of packets sitting in one queue.
func (qb *QueueBank) Len(port, queue int) int {
	return qb.queues[qb.idx(port, queue)].len()
}

// Occupancy is the number of packets across all of a port's queues.
func (qb *QueueBank) Occupancy(port int) int { return qb.occupancy[port] }

// Enqueue appends without any policy check; queue managers decide first.
// Returns false when the queue is full.
func (qb *QueueBank) Enqueue(port, queue int, p *Packet) bool {
	i := qb.idx(port, queue)
	if !qb.queues[i].push(p) {
		return false
	}
	qb.occupancy[port]++
	st := &qb.stats[i]
	st.Enqueues++
	if l := uint64(qb.queues[i].len()); l > st.HighWater {
		st.HighWater = l
	}
	return true
}

// Dequeue pops the head of one queue.
func (qb *QueueBank) Dequeue(port, queue int) *Packet {
	p := qb.queues[qb.idx(port, queue)].pop()
	if p != nil {
		qb.occupancy[port]--
	}
	return p
}

// Requeue puts a packet back at the head of its queue after a failed
// downstream push. Returns false if the queue refilled meanwhile.
func (qb *QueueBank) Requeue(port, queue int, p *Packet) bool {
	if !qb.queues[qb.idx(port, queue)].pushFront(p) {
		return false
	}
	qb.occupancy[port]++
	return true
}

// CountDrop charges a policy drop against a queue's stats.
func (qb *QueueBank) CountDrop(port, queue int) { qb.stats[qb.idx(port, queue)].Drops++ }

// CountMark charges an ECN mark against a queue's stats.
func (qb *QueueBank) CountMark(port, queue int) { qb.stats[qb.idx(port, queue)].Marks++ }

// Stats returns a snapshot for one queue.
func (qb *QueueBank) Stats(port, queue int) QueueStats { return qb.stats[qb.idx(port, queue)] }
