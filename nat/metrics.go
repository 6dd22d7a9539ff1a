package nat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports translation counters for one engine.
type Metrics struct {
	PacketsTotal   *prometheus.CounterVec
	DropsTotal     *prometheus.CounterVec
	SessionsActive prometheus.GaugeFunc
	PortsInUse     *prometheus.GaugeVec
	SweepsTotal    prometheus.Counter
}

// NewMetrics registers engine metrics with reg, labeled by interface.
// sessions is sampled on scrape.
func NewMetrics(reg prometheus.Registerer, ifName string, sessions func() float64) *Metrics {
	constLabels := prometheus.Labels{"interface": ifName}

	return &Metrics{
		PacketsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace:   "edgenat",
			Name:        "packets_total",
			Help:        "Packets seen by the translation engine.",
			ConstLabels: constLabels,
		}, []string{"direction", "action"}),

		DropsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace:   "edgenat",
			Name:        "drops_total",
			Help:        "Packets dropped, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),

		SessionsActive: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "edgenat",
			Name:        "sessions_active",
			Help:        "Live NAT bindings.",
			ConstLabels: constLabels,
		}, sessions),

		PortsInUse: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "edgenat",
			Name:        "ports_in_use",
			Help:        "Claimed external ports per protocol.",
			ConstLabels: constLabels,
		}, []string{"protocol"}),

		SweepsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "edgenat",
			Name:        "sweep_removed_total",
			Help:        "Bindings removed by the background sweeper.",
			ConstLabels: constLabels,
		}),
	}
}

func (m *Metrics) observe(dir Direction, d Decision) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues(dir.String(), d.Action.String()).Inc()
	if d.Action == ActionDrop {
		m.DropsTotal.WithLabelValues(d.Reason).Inc()
	}
}
