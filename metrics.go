package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/5day4cast/coordinator/compdb"
)

// metricsCollector exports the coordinator's operational gauges. The
// values are refreshed from the store on the block refresh cadence rather
// than instrumented inline, keeping the hot paths free of metric plumbing.
type metricsCollector struct {
	registry *prometheus.Registry

	activeCompetitions prometheus.Gauge
	pendingTickets     prometheus.Gauge
	pendingPayouts     prometheus.Gauge
}

// newMetricsCollector builds and registers the gauge set.
func newMetricsCollector() *metricsCollector {
	m := &metricsCollector{
		registry: prometheus.NewRegistry(),
		activeCompetitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "active_competitions",
			Help:      "Number of non-terminal competitions.",
		}),
		pendingTickets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "pending_tickets",
			Help:      "Tickets awaiting payment or settlement.",
		}),
		pendingPayouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "pending_payouts",
			Help:      "Payouts awaiting Lightning resolution.",
		}),
	}

	m.registry.MustRegister(
		m.activeCompetitions, m.pendingTickets, m.pendingPayouts,
	)

	return m
}

// refresh recomputes every gauge from the store.
func (m *metricsCollector) refresh(db *compdb.DB) {
	comps, err := db.GetActiveCompetitions()
	if err == nil {
		m.activeCompetitions.Set(float64(len(comps)))
	}

	tickets, err := db.GetPendingTickets()
	if err == nil {
		m.pendingTickets.Set(float64(len(tickets)))
	}

	payouts, err := db.GetPendingPayouts()
	if err == nil {
		m.pendingPayouts.Set(float64(len(payouts)))
	}
}
