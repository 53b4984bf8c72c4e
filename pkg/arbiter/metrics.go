package arbiter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes part of the arbiter's stat blocks to Prometheus.
// Send errors, unexpected ALLOCs, rebalances, record overflows, log-ring
// overflows and the protocol engines' own counters are not registered here.
func (a *Arbiter) RegisterMetrics(reg prometheus.Registerer) {
	newGaugeFunc := func(n, h string, f func() uint64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fastpass",
			Name:      n,
			Help:      h,
		}, func() float64 { return float64(f()) }))
	}

	newGaugeFunc("admission_timeslots_total", "Timeslots the allocator has run",
		func() uint64 { return a.Adm.Stats().TimeslotsRun })
	newGaugeFunc("admission_admitted_total", "Transmissions admitted",
		func() uint64 { return a.Adm.Stats().Admitted })
	newGaugeFunc("admission_dropped_total", "Emulated packets dropped in the fabric",
		func() uint64 { return a.Adm.Stats().Dropped })
	newGaugeFunc("admission_demand_updates_total", "Demand updates applied",
		func() uint64 { return a.Adm.Stats().UpdatesApplied })
	newGaugeFunc("comm_areqs_total", "Allocation requests received",
		func() uint64 { return a.Comm.Stats().AREQsReceived })
	newGaugeFunc("comm_alloc_packets_total", "ALLOC packets transmitted",
		func() uint64 { return a.Comm.Stats().AllocPacketsSent })
	newGaugeFunc("comm_lost_alloc_packets_total", "ALLOC packets presumed lost",
		func() uint64 { return a.Comm.Stats().LostAllocPackets })
	newGaugeFunc("comm_demand_ring_full_total", "Demand updates refused by a full ring",
		func() uint64 { return a.Comm.Stats().DemandRingFull })
	newGaugeFunc("admitted_pool_exhausted_total", "Timeslots skipped for want of a record",
		func() uint64 { return a.poolExhausted })
	newGaugeFunc("tx_ring_full_total", "Admitted records dropped on a full TX ring",
		func() uint64 { return a.txRingFull })

	if a.network != nil {
		newGaugeFunc("emu_dropped_packets_total", "Packets dropped across the emulated fabric",
			func() uint64 { return a.network.DroppedPackets() })
	}
}
