package emu

import (
	"fmt"
	"math/rand"

	"gopkg.in/yaml.v3"
)

// Config is the emulated fabric's topology file.
type Config struct {
	Topology         string `yaml:"topology"` // single-rack or two-rack
	EndpointsPerRack int    `yaml:"endpoints_per_rack"`
	LinkCapacity     int    `yaml:"link_capacity"`
	Seed             int64  `yaml:"seed"`

	Router   RouterConfig `yaml:"router"`
	Endpoint RouterConfig `yaml:"endpoint"`
}

// RouterConfig selects and parameterizes a queue-management scheme.
type RouterConfig struct {
	Kind                string `yaml:"kind"` // droptail, red, dctcp, hull, prio, rr
	QueueCapacity       int    `yaml:"queue_capacity"`
	NQueues             int    `yaml:"queues"`
	DropOnFailedEnqueue bool   `yaml:"drop_on_failed_enqueue"`

	RED struct {
		Weight float64 `yaml:"weight"`
		MinTh  float64 `yaml:"min_th"`
		MaxTh  float64 `yaml:"max_th"`
		MaxP   float64 `yaml:"max_p"`
	} `yaml:"red"`
	DCTCP struct {
		MarkTh int `yaml:"mark_th"`
	} `yaml:"dctcp"`
	HULL struct {
		MarkTh float64 `yaml:"mark_th"`
		Gamma  float64 `yaml:"gamma"`
	} `yaml:"hull"`
}

// ParseConfig reads a YAML topology and applies defaults.
func ParseConfig(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if cfg.Topology == "" {
		cfg.Topology = "single-rack"
	}
	if cfg.EndpointsPerRack == 0 {
		cfg.EndpointsPerRack = 32
	}
	if cfg.Router.Kind == "" {
		cfg.Router.Kind = "droptail"
	}
	if cfg.Endpoint.Kind == "" {
		cfg.Endpoint.Kind = "droptail"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	switch cfg.Topology {
	case "single-rack", "two-rack":
	default:
		return fmt.Errorf("topology: unknown layout %q", cfg.Topology)
	}
	if cfg.EndpointsPerRack < 1 {
		return fmt.Errorf("topology: endpoints_per_rack must be positive, got %d", cfg.EndpointsPerRack)
	}
	for _, rc := range []*RouterConfig{&cfg.Router, &cfg.Endpoint} {
		switch rc.Kind {
		case "droptail", "red", "dctcp", "hull", "prio", "rr":
		default:
			return fmt.Errorf("topology: unknown queue-manager kind %q", rc.Kind)
		}
	}
	return nil
}

func (rc *RouterConfig) queueCapacity() int {
	if rc.QueueCapacity > 0 {
		return rc.QueueCapacity
	}
	return 128
}

func (rc *RouterConfig) nQueues() int {
	switch rc.Kind {
	case "prio", "rr":
		if rc.NQueues > 0 {
			return rc.NQueues
		}
		return 4
	default:
		return 1
	}
}

// build instantiates the scheme for an element with nPorts ports.
func (rc *RouterConfig) build(nPorts int, rng *rand.Rand) (Classifier, QueueManager, Scheduler) {
	capQ := rc.queueCapacity()
	switch rc.Kind {
	case "red":
		r := rc.RED
		if r.Weight == 0 {
			r.Weight = 0.002
		}
		if r.MaxTh == 0 {
			r.MinTh, r.MaxTh, r.MaxP = float64(capQ)/4, float64(capQ)/2, 0.1
		}
		return SingleQueue{}, NewRED(capQ, r.Weight, r.MinTh, r.MaxTh, r.MaxP, nPorts, 1, rng), FIFOScheduler{}
	case "dctcp":
		th := rc.DCTCP.MarkTh
		if th == 0 {
			th = capQ / 4
		}
		return SingleQueue{}, &DCTCP{Limit: capQ, MarkTh: th}, FIFOScheduler{}
	case "hull":
		h := rc.HULL
		if h.Gamma == 0 {
			h.Gamma = 0.95
		}
		if h.MarkTh == 0 {
			h.MarkTh = float64(capQ) / 8
		}
		return SingleQueue{}, NewHULL(capQ, h.MarkTh, h.Gamma, nPorts), FIFOScheduler{}
	case "prio":
		return ByPriority{NQueues: rc.nQueues()}, &DropTail{Limit: capQ}, PriorityScheduler{}
	case "rr":
		return ByPriority{NQueues: rc.nQueues()}, &DropTail{Limit: capQ}, NewRRScheduler(nPorts)
	default:
		return SingleQueue{}, &DropTail{Limit: capQ}, FIFOScheduler{}
	}
}

// RackRouting selects the core port by destination rack.
type RackRouting struct {
	EndpointsPerRack int
}

func (r *RackRouting) Route(p *Packet) int {
	return int(p.Dst) / r.EndpointsPerRack
}

// AdmittedEntry is one packet the fabric delivered: the source may release
// the corresponding real packet, carrying any accumulated marks.
type AdmittedEntry struct {
	Src, Dst uint16
	ID       uint16
	Flags    uint8
}

// Network is the assembled fabric. Elements are stepped in topology order;
// links flip after every element has run, so a hop takes a full timeslot.
type Network struct {
	cfg      *Config
	rng      *rand.Rand
	pool     *PacketPool
	groups   []*EndpointGroup
	routers  []*Router
	droppers []*Dropper
	links    []*Link
	order    []Element
}

// NewNetwork builds the fabric described by cfg.
func NewNetwork(cfg *Config) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nw := &Network{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		pool: NewPacketPool(),
	}
	n := cfg.EndpointsPerRack
	linkCap := cfg.LinkCapacity
	if linkCap < n+1 {
		linkCap = n + 1
	}

	newLink := func() *Link {
		l := NewLink(linkCap)
		nw.links = append(nw.links, l)
		return l
	}
	newGroup := func(first uint16, netIn, netOut *Link) *EndpointGroup {
		cla, qm, sch := cfg.Endpoint.build(n, nw.rng)
		drop := NewDropper(nw.pool, n)
		nw.droppers = append(nw.droppers, drop)
		g := NewEndpointGroup(first, n, cla, qm, sch,
			NewQueueBank(n, cfg.Endpoint.nQueues(), cfg.Endpoint.queueCapacity()), drop, netIn, netOut)
		nw.groups = append(nw.groups, g)
		return g
	}
	newRouter := func(nPorts int, rt RoutingTable, ingress *Link, egress []*Link) *Router {
		cla, qm, sch := cfg.Router.build(nPorts, nw.rng)
		drop := NewDropper(nw.pool, nPorts)
		nw.droppers = append(nw.droppers, drop)
		r := NewRouter(rt, cla, qm, sch,
			NewQueueBank(nPorts, cfg.Router.nQueues(), cfg.Router.queueCapacity()), drop, ingress, egress)
		r.DropOnFailedEnqueue = cfg.Router.DropOnFailedEnqueue
		nw.routers = append(nw.routers, r)
		return r
	}

	switch cfg.Topology {
	case "single-rack":
		groupIn, groupOut := newLink(), newLink()
		egress := make([]*Link, n)
		for i := range egress {
			egress[i] = groupIn
		}
		g := newGroup(0, groupIn, groupOut)
		tor := newRouter(n, &DstRouting{FirstDst: 0, NPorts: n, UpPort: -1}, groupOut, egress)
		nw.order = []Element{g, tor}

	case "two-rack":
		coreIn := newLink()
		coreEgress := make([]*Link, 2)
		for rack := 0; rack < 2; rack++ {
			groupIn, groupOut := newLink(), newLink()
			first := uint16(rack * n)
			g := newGroup(first, groupIn, groupOut)

			egress := make([]*Link, n+1)
			for i := 0; i < n; i++ {
				egress[i] = groupIn
			}
			egress[n] = coreIn
			tor := newRouter(n+1, &DstRouting{FirstDst: first, NPorts: n, UpPort: n}, groupOut, egress)
			coreEgress[rack] = groupOut // core sends down through the ToR's ingress
			nw.order = append(nw.order, g, tor)
		}
		core := newRouter(2, &RackRouting{EndpointsPerRack: n}, coreIn, coreEgress)
		nw.order = append(nw.order, core)
	}
	return nw, nil
}

// NumEndpoints is the number of endpoints the fabric models.
func (nw *Network) NumEndpoints() int {
	if nw.cfg.Topology == "two-rack" {
		return 2 * nw.cfg.EndpointsPerRack
	}
	return nw.cfg.EndpointsPerRack
}

// Inject enters one timeslot of traffic from src toward dst into the fabric.
func (nw *Network) Inject(src, dst, id uint16, priority uint8) error {
	for _, g := range nw.groups {
		if g.Owns(src) {
			p := nw.pool.Get()
			p.Src, p.Dst, p.ID, p.Priority = src, dst, id, priority
			g.Inject(p)
			return nil
		}
	}
	return fmt.Errorf("emu: no endpoint group owns source %d", src)
}

// Step advances the fabric one timeslot and returns the admitted traffic:
// every packet that reached its destination endpoint this slot.
func (nw *Network) Step() []AdmittedEntry {
	for _, e := range nw.order {
		e.Step(nw.rng)
	}
	for _, l := range nw.links {
		l.flip()
	}
	var admitted []AdmittedEntry
	for _, g := range nw.groups {
		for _, p := range g.Delivered() {
			admitted = append(admitted, AdmittedEntry{Src: p.Src, Dst: p.Dst, ID: p.ID, Flags: p.Flags})
			nw.pool.Put(p)
		}
	}
	// Drop notifications ride the same stream so the source learns its
	// packet is gone.
	for _, d := range nw.droppers {
		for _, dp := range d.log {
			admitted = append(admitted, AdmittedEntry{Src: dp.src, Dst: dp.dst, ID: dp.id, Flags: dp.flags})
		}
		d.log = d.log[:0]
	}
	return admitted
}

// Groups exposes the endpoint groups for telemetry snapshots.
func (nw *Network) Groups() []*EndpointGroup { return nw.groups }

// Routers exposes the routers for telemetry snapshots.
func (nw *Network) Routers() []*Router { return nw.routers }

// DroppedPackets sums every drop across the fabric.
func (nw *Network) DroppedPackets() (n uint64) {
	for _, d := range nw.droppers {
		n += d.TotalDropped()
	}
	return n
}
