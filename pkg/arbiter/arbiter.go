package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/fastpass-net/fastpass/pkg/emu"
	"github.com/fastpass-net/fastpass/pkg/fpproto"
	"github.com/fastpass-net/fastpass/pkg/ring"
)

// Config is the arbiter's startup surface.
type Config struct {
	MaxEndpoints     int
	TslotLen         time.Duration
	Allocator        string      // "greedy" or "emulator"
	Topology         *emu.Config // required for the emulator allocator
	RingCapacity     int
	AdmittedPoolSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxEndpoints == 0 {
		out.MaxEndpoints = 64
	}
	if out.TslotLen == 0 {
		out.TslotLen = time.Millisecond
	}
	if out.Allocator == "" {
		out.Allocator = "greedy"
	}
	if out.RingCapacity == 0 {
		out.RingCapacity = 1 << 12
	}
	if out.AdmittedPoolSize == 0 {
		out.AdmittedPoolSize = 1 << 10
	}
	return out
}

// Arbiter wires the cores together: COMM feeds the demand ring, ADMISSION
// drains it once per timeslot and produces admitted records, COMM packs them
// onto the wire, LOG traces and frees them. Rings never block; a full ring
// is a counted outcome.
type Arbiter struct {
	cfg     Config
	network *emu.Network

	Comm *Comm
	Adm  *Admission

	updates *ring.Ring
	txRing  *ring.Ring
	logRing *ring.Ring
	pool    *AdmittedPool

	poolExhausted uint64
	txRingFull    uint64
	logRingFull   uint64
}

// New assembles an arbiter. tx is the wire-facing transmit path.
func New(cfg Config, tx Transport) (*Arbiter, error) {
	cfg = cfg.withDefaults()
	a := &Arbiter{
		cfg:     cfg,
		updates: ring.New(cfg.RingCapacity),
		txRing:  ring.New(cfg.RingCapacity),
		logRing: ring.New(cfg.RingCapacity),
		pool:    NewAdmittedPool(cfg.AdmittedPoolSize),
	}

	var alloc Allocator
	switch cfg.Allocator {
	case "greedy":
		alloc = NewGreedyAllocator(cfg.MaxEndpoints)
	case "emulator":
		if cfg.Topology == nil {
			return nil, fmt.Errorf("arbiter: emulator allocator requires a topology")
		}
		nw, err := emu.NewNetwork(cfg.Topology)
		if err != nil {
			return nil, err
		}
		if nw.NumEndpoints() < cfg.MaxEndpoints {
			return nil, fmt.Errorf("arbiter: topology models %d endpoints, config wants %d",
				nw.NumEndpoints(), cfg.MaxEndpoints)
		}
		a.network = nw
		var aerr error
		if alloc, aerr = NewEmuAllocator(nw); aerr != nil {
			return nil, aerr
		}
	default:
		return nil, fmt.Errorf("arbiter: unknown allocator %q", cfg.Allocator)
	}

	a.Adm = NewAdmission(cfg.MaxEndpoints, alloc)
	a.Comm = NewComm(cfg.MaxEndpoints, a.updates, tx)
	return a, nil
}

// Network exposes the emulated fabric (nil for the greedy allocator) for
// telemetry snapshots.
func (a *Arbiter) Network() *emu.Network { return a.network }

// RxPacket is called from the wire receive path with a datagram from ep.
func (a *Arbiter) RxPacket(ep uint16, pkt []byte) fpproto.RxResult {
	return a.Comm.RxPacket(ep, pkt, time.Now().UnixNano())
}

// Tick runs the admission core for one timeslot: drain demand updates,
// allocate, push the record onto the TX ring. Split out from Run so tests
// can drive time directly.
func (a *Arbiter) Tick(now int64) {
	burst := make([]interface{}, 256)
	for {
		n := a.updates.PopMany(burst)
		for i := 0; i < n; i++ {
			a.Adm.Apply(burst[i].(DemandUpdate))
		}
		if n < len(burst) {
			break
		}
	}

	rec, err := a.pool.Get()
	if err != nil {
		a.poolExhausted++
		return
	}
	a.Adm.RunTimeslot(uint64(now/int64(a.cfg.TslotLen)), rec)
	if len(rec.Entries) == 0 {
		a.pool.Put(rec)
		return
	}
	if err := a.txRing.Push(rec); err != nil {
		a.txRingFull++
		a.pool.Put(rec)
	}
}

// DrainTx runs the COMM core's transmit side: pack and send every record on
// the TX ring, then pass each on for logging.
func (a *Arbiter) DrainTx(now int64) {
	for {
		v, ok := a.txRing.Pop()
		if !ok {
			break
		}
		rec := v.(*AdmittedTraffic)
		a.Comm.QueueAllocs(rec)
		if err := a.logRing.Push(rec); err != nil {
			a.logRingFull++
			a.pool.Put(rec)
		}
	}
	a.Comm.Flush(now)
	a.Comm.Timeouts(now)
}

// Run drives the cores until the context ends.
func (a *Arbiter) Run(ctx context.Context) error {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})

	g.Go("admission", func(ctx context.Context) error {
		tick := time.NewTicker(a.cfg.TslotLen)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-tick.C:
				a.Tick(t.UnixNano())
			}
		}
	})

	g.Go("comm-tx", func(ctx context.Context) error {
		tick := time.NewTicker(a.cfg.TslotLen)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-tick.C:
				a.DrainTx(t.UnixNano())
			}
		}
	})

	g.Go("log", func(ctx context.Context) error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		var admitted, records uint64
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				for {
					v, ok := a.logRing.Pop()
					if !ok {
						break
					}
					rec := v.(*AdmittedTraffic)
					records++
					admitted += uint64(len(rec.Entries))
					a.pool.Put(rec)
				}
				dlog.Debugf(ctx, "admitted %d transmissions in %d records", admitted, records)
			}
		}
	})

	return g.Wait()
}
