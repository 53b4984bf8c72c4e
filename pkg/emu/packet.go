// Package emu simulates a packet-switched fabric one timeslot at a time:
// endpoint groups and routers wired by links, each router a routing table, a
// classifier, a queue manager, and a scheduler over a shared queue bank. The
// admitted-traffic stream it produces is the arbiter's authoritative output.
package emu

import (
	"sync"
)

// Packet flags reported back on the admitted stream.
const (
	FlagECNMark uint8 = 1 << 0
	FlagDropped uint8 = 1 << 1
)

// Packet is one emulated timeslot-sized packet.
type Packet struct {
	Src, Dst uint16
	ID       uint16
	Priority uint8
	Flags    uint8
}

func (p *Packet) mark() { p.Flags |= FlagECNMark }

// PacketPool recycles packets so a steady-state emulation does not allocate.
type PacketPool struct {
	p sync.Pool
}

func NewPacketPool() *PacketPool {
	return &PacketPool{p: sync.Pool{New: func() interface{} { return new(Packet) }}}
}

func (pp *PacketPool) Get() *Packet {
	return pp.p.Get().(*Packet)
}

func (pp *PacketPool) Put(p *Packet) {
	*p = Packet{}
	pp.p.Put(p)
}

// PortDropStats counts packets a port got rid of, split by who decided.
type PortDropStats struct {
	DroppedByQM   uint64
	DroppedByFull uint64
}

// Dropper owns the decision to destroy an emulated packet: it counts the
// drop, records a drop notification for the admitted stream, and returns the
// packet to the pool. Apart from delivered packets, which Network.Step
// returns to the pool, nothing else frees packets that entered the fabric.
type Dropper struct {
	pool  *PacketPool
	ports []PortDropStats
	log   []droppedPacket
}

type droppedPacket struct {
	src, dst, id uint16
	flags        uint8
}

func NewDropper(pool *PacketPool, nPorts int) *Dropper {
	return &Dropper{pool: pool, ports: make([]PortDropStats, nPorts)}
}

func (d *Dropper) logDrop(p *Packet) {
	d.log = append(d.log, droppedPacket{src: p.Src, dst: p.Dst, id: p.ID, flags: p.Flags | FlagDropped})
	d.pool.Put(p)
}

// DropByQM destroys a packet refused by queue-management policy.
func (d *Dropper) DropByQM(port int, p *Packet) {
	d.ports[port].DroppedByQM++
	d.logDrop(p)
}

// DropByFull destroys a packet that found no room downstream.
func (d *Dropper) DropByFull(port int, p *Packet) {
	d.ports[port].DroppedByFull++
	d.logDrop(p)
}

// PortStats returns a snapshot for one port.
func (d *Dropper) PortStats(port int) PortDropStats { return d.ports[port] }

// TotalDropped sums both drop classes over all ports.
func (d *Dropper) TotalDropped() (n uint64) {
	for i := range d.ports {
		n += d.ports[i].DroppedByQM + d.ports[i].DroppedByFull
	}
	return n
}
