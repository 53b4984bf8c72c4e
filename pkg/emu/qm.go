package emu

// A router is assembled from four pluggable pieces over a shared QueueBank:
// the RoutingTable picks an output port, the Classifier a queue on that
// port, the QueueManager applies drop/mark policy on enqueue, and the
// Scheduler picks which queue each port serves.

// RoutingTable selects the output port for a packet.
type RoutingTable interface {
	Route(p *Packet) int
}

// Classifier selects the queue within the chosen port.
type Classifier interface {
	Classify(p *Packet) int
}

// QueueManager applies queueing policy: it either enqueues the packet
// (possibly marking it) or hands it to the dropper.
type QueueManager interface {
	Enqueue(qb *QueueBank, d *Dropper, port, queue int, p *Packet)
}

// Scheduler dequeues at most one packet for an output port per timeslot.
type Scheduler interface {
	Schedule(qb *QueueBank, port int) (p *Packet, queue int)
}

// TimeslotAdvancer is implemented by queue managers that keep per-timeslot
// state, such as HULL's phantom queues.
type TimeslotAdvancer interface {
	AdvanceTimeslot()
}

// DstRouting routes to the port matching the packet's destination within a
// contiguous ID range, with a default up-port for everything else. It covers
// both a ToR (endpoints below, core above) and an endpoint group's own bank.
type DstRouting struct {
	FirstDst uint16
	NPorts   int
	UpPort   int // used when the destination is outside the range; -1 to drop instead
}

func (r *DstRouting) Route(p *Packet) int {
	off := int(p.Dst) - int(r.FirstDst)
	if off >= 0 && off < r.NPorts {
		return off
	}
	return r.UpPort
}

// SingleQueue sends every packet to queue 0.
type SingleQueue struct{}

func (SingleQueue) Classify(*Packet) int { return 0 }

// ByPriority maps the packet's priority to its queue, clamped to the bank.
type ByPriority struct {
	NQueues int
}

func (c ByPriority) Classify(p *Packet) int {
	q := int(p.Priority)
	if q >= c.NQueues {
		q = c.NQueues - 1
	}
	return q
}

// FIFOScheduler serves queue 0 only; the usual partner of SingleQueue.
type FIFOScheduler struct{}

func (FIFOScheduler) Schedule(qb *QueueBank, port int) (*Packet, int) {
	return qb.Dequeue(port, 0), 0
}

// PriorityScheduler serves the lowest-numbered non-empty queue: strict
// priority, queue 0 highest.
type PriorityScheduler struct{}

func (PriorityScheduler) Schedule(qb *QueueBank, port int) (*Packet, int) {
	for q := 0; q < qb.NQueues(); q++ {
		if p := qb.Dequeue(port, q); p != nil {
			return p, q
		}
	}
	return nil, 0
}

// RRScheduler serves the port's queues round-robin, remembering where each
// port left off.
type RRScheduler struct {
	last []int
}

func NewRRScheduler(nPorts int) *RRScheduler {
	s := &RRScheduler{last: make([]int, nPorts)}
	for i := range s.last {
		s.last[i] = -1
	}
	return s
}

func (s *RRScheduler) Schedule(qb *QueueBank, port int) (*Packet, int) {
	n := qb.NQueues()
	for i := 1; i <= n; i++ {
		q := (s.last[port] + i) % n
		if p := qb.Dequeue(port, q); p != nil {
			s.last[port] = q
			return p, q
		}
	}
	return nil, 0
}
