// Prometheus metrics for the trading controller, served at /metrics by the
// command-surface HTTP server.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"perp-pilot/internal/events"
)

var (
	mtxEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_entries_total",
			Help: "Confirmed position entries",
		},
		[]string{"symbol", "side"},
	)

	mtxCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_closes_total",
			Help: "Position closes split by reason",
		},
		[]string{"symbol", "reason"},
	)

	mtxFlattens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_flattens_total",
			Help: "Emergency flattens",
		},
		[]string{"symbol"},
	)

	mtxHeals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_reconcile_heals_total",
			Help: "Reconciliation heals applied",
		},
		[]string{"symbol"},
	)

	mtxCritical = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pilot_critical_alerts_total",
			Help: "Critical alerts raised",
		},
	)

	mtxRealized = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pilot_last_trade_pnl",
			Help: "Realized PnL of the last closed trade",
		},
		[]string{"symbol"},
	)

	// AdmitRejections is incremented by controllers when admission denies
	// an otherwise valid signal.
	AdmitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_admit_rejections_total",
			Help: "Signals rejected by admission control",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		mtxEntries,
		mtxCloses,
		mtxFlattens,
		mtxHeals,
		mtxCritical,
		mtxRealized,
		AdmitRejections,
	)
}

func observe(n events.Note) {
	switch n.Event {
	case events.EventEntryOpened:
		mtxEntries.WithLabelValues(n.Symbol, n.Side).Inc()
	case events.EventPositionClosed:
		mtxCloses.WithLabelValues(n.Symbol, n.Reason).Inc()
		mtxRealized.WithLabelValues(n.Symbol).Set(n.RealizedPnL)
	case events.EventFlattened:
		mtxFlattens.WithLabelValues(n.Symbol).Inc()
	case events.EventHealed:
		mtxHeals.WithLabelValues(n.Symbol).Inc()
	case events.EventCriticalAlert:
		mtxCritical.Inc()
	}
}
