package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kagenode/inc/memsys"
	"github.com/kagenode/inc/wire"
)

// Stats exposes server-wide counters as Prometheus metrics, the way
// rockstar-0000-aistore's stats/target_stats.go exposes per-node counters
// to an embedding application's registry (spec.md §4.8/§9 observability
// note).
type Stats struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	BytesIn           prometheus.Counter
	BytesOut          prometheus.Counter
	MessagesByType    *prometheus.CounterVec

	// PoolTooLargeForPool and PoolFull mirror memsys.Pool.Stats() rather
	// than counting anything themselves, since the pool (not the server)
	// owns those events; they read zero when the server has no global pool.
	PoolTooLargeForPool prometheus.GaugeFunc
	PoolFull            prometheus.GaugeFunc
}

// NewStats constructs and registers the server's metrics against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to publish on the process-wide endpoint.
// pool may be nil, in which case the pool-derived gauges always read zero.
func NewStats(reg prometheus.Registerer, pool *memsys.Pool) *Stats {
	s := &Stats{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inc", Subsystem: "server", Name: "connections_active",
			Help: "Currently open connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inc", Subsystem: "server", Name: "connections_total",
			Help: "Connections accepted since start.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inc", Subsystem: "server", Name: "bytes_in_total",
			Help: "Bytes read from all connections.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inc", Subsystem: "server", Name: "bytes_out_total",
			Help: "Bytes written to all connections.",
		}),
		MessagesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inc", Subsystem: "server", Name: "messages_total",
			Help: "Messages processed, by taxonomy type.",
		}, []string{"type"}),
		PoolTooLargeForPool: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "inc", Subsystem: "memsys", Name: "too_large_for_pool_total",
			Help: "Allocations that exceeded the pool slot size.",
		}, func() float64 {
			if pool == nil {
				return 0
			}
			return float64(pool.Stats().NTooLargeForPool)
		}),
		PoolFull: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "inc", Subsystem: "memsys", Name: "pool_full_total",
			Help: "Allocations that fell back to heap because the pool was exhausted.",
		}, func() float64 {
			if pool == nil {
				return 0
			}
			return float64(pool.Stats().NPoolFull)
		}),
	}
	reg.MustRegister(s.ConnectionsActive, s.ConnectionsTotal, s.BytesIn, s.BytesOut,
		s.MessagesByType, s.PoolTooLargeForPool, s.PoolFull)
	return s
}

func (s *Stats) observeMessage(t wire.Type) {
	if s == nil {
		return
	}
	s.MessagesByType.WithLabelValues(t.String()).Inc()
}

// observeBytesIn/observeBytesOut record the wire-format byte count of one
// frame (header + payload), called from the connection's OnMessage hook
// and send-side hook respectively.
func (s *Stats) observeBytesIn(n int) {
	if s == nil {
		return
	}
	s.BytesIn.Add(float64(n))
}

func (s *Stats) observeBytesOut(n int) {
	if s == nil {
		return
	}
	s.BytesOut.Add(float64(n))
}
