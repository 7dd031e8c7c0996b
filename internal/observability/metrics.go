package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the auction service.
type Metrics struct {
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	EscrowHeld  *prometheus.GaugeVec
	Events      *prometheus.CounterVec
	PublishDrop prometheus.Counter
	Auctions    prometheus.Gauge
}

// NewMetrics registers all collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_ops_applied_total",
			Help: "Auction operations committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_ops_rejected_total",
			Help: "Auction operations rejected or rolled back",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auction_op_duration_seconds",
			Help:    "Time to apply and persist one auction operation",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"op"}),

		EscrowHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "auction_escrow_held_cents",
			Help: "Funds deposited and not yet paid out, per auction",
		}, []string{"auction_id"}),

		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_events_emitted_total",
			Help: "Events emitted by committed operations",
		}, []string{"type"}),

		PublishDrop: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_event_publish_dropped_total",
			Help: "Outbound events dropped because the publish buffer was full",
		}),

		Auctions: f.NewGauge(prometheus.GaugeOpts{
			Name: "auction_engines_running",
			Help: "Auction engines currently running",
		}),
	}
}
