package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type packetMetrics struct {
	prepares *prometheus.CounterVec
	rejects  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	amounts  *prometheus.CounterVec
}

type balanceMetrics struct {
	clearing    *prometheus.GaugeVec
	prepaid     *prometheus.GaugeVec
	settlements *prometheus.CounterVec
	floorHits   *prometheus.CounterVec
	notifyFails *prometheus.CounterVec
}

type routingMetrics struct {
	routes prometheus.Gauge
	epoch  prometheus.Gauge
	pruned prometheus.Counter
}

var (
	packetMetricsOnce sync.Once
	packetRegistry    *packetMetrics

	balanceMetricsOnce sync.Once
	balanceRegistry    *balanceMetrics

	routingMetricsOnce sync.Once
	routingRegistry    *routingMetrics
)

// Packets returns the lazily-initialised registry for the packet switching path.
func Packets() *packetMetrics {
	packetMetricsOnce.Do(func() {
		packetRegistry = &packetMetrics{
			prepares: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "packets",
				Name:      "prepares_total",
				Help:      "Total prepare packets handled segmented by source account and outcome.",
			}, []string{"account", "outcome"}),
			rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "packets",
				Name:      "rejects_total",
				Help:      "Total rejects returned upstream segmented by code and whether they were produced locally.",
			}, []string{"code", "origin"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ilp",
				Subsystem: "packets",
				Name:      "round_trip_seconds",
				Help:      "Latency between receiving a prepare and returning its response.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "packets",
				Name:      "fulfilled_amount_total",
				Help:      "Sum of fulfilled amounts in each account's asset units.",
			}, []string{"account", "direction"}),
		}
		prometheus.MustRegister(
			packetRegistry.prepares,
			packetRegistry.rejects,
			packetRegistry.latency,
			packetRegistry.amounts,
		)
	})
	return packetRegistry
}

// ObservePrepare records the outcome of one prepare. Outcome is "fulfilled" or "rejected".
func (m *packetMetrics) ObservePrepare(account, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if account == "" {
		account = "unknown"
	}
	m.prepares.WithLabelValues(account, outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordReject counts a reject by code. Local rejects were synthesised by this node.
func (m *packetMetrics) RecordReject(code string, local bool) {
	if m == nil {
		return
	}
	origin := "remote"
	if local {
		origin = "local"
	}
	m.rejects.WithLabelValues(code, origin).Inc()
}

// RecordFulfilledAmounts adds fulfilled value for the incoming and outgoing accounts.
func (m *packetMetrics) RecordFulfilledAmounts(source string, sourceAmount uint64, destination string, destinationAmount uint64) {
	if m == nil {
		return
	}
	m.amounts.WithLabelValues(source, "incoming").Add(float64(sourceAmount))
	m.amounts.WithLabelValues(destination, "outgoing").Add(float64(destinationAmount))
}

// Balances returns the registry for balance tracker instrumentation.
func Balances() *balanceMetrics {
	balanceMetricsOnce.Do(func() {
		balanceRegistry = &balanceMetrics{
			clearing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ilp",
				Subsystem: "balance",
				Name:      "clearing",
				Help:      "Clearing balance per account in the account's asset units.",
			}, []string{"account"}),
			prepaid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ilp",
				Subsystem: "balance",
				Name:      "prepaid",
				Help:      "Prepaid amount per account in the account's asset units.",
			}, []string{"account"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "balance",
				Name:      "settlements_total",
				Help:      "Count of settlements triggered by crossing the settlement threshold.",
			}, []string{"account"}),
			floorHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "balance",
				Name:      "min_balance_rejections_total",
				Help:      "Count of prepares refused because they would breach the minimum balance.",
			}, []string{"account"}),
			notifyFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "balance",
				Name:      "settlement_notify_failures_total",
				Help:      "Count of settlement notifications that failed to deliver.",
			}, []string{"account"}),
		}
		prometheus.MustRegister(
			balanceRegistry.clearing,
			balanceRegistry.prepaid,
			balanceRegistry.settlements,
			balanceRegistry.floorHits,
			balanceRegistry.notifyFails,
		)
	})
	return balanceRegistry
}

// ObserveBalance publishes the current balance pair for an account.
func (m *balanceMetrics) ObserveBalance(account string, clearing, prepaid int64) {
	if m == nil {
		return
	}
	m.clearing.WithLabelValues(account).Set(float64(clearing))
	m.prepaid.WithLabelValues(account).Set(float64(prepaid))
}

// RecordSettlement counts a triggered settlement.
func (m *balanceMetrics) RecordSettlement(account string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(account).Inc()
}

// RecordFloorRejection counts a minimum-balance refusal.
func (m *balanceMetrics) RecordFloorRejection(account string) {
	if m == nil {
		return
	}
	m.floorHits.WithLabelValues(account).Inc()
}

// RecordNotifyFailure counts a settlement notifier error.
func (m *balanceMetrics) RecordNotifyFailure(account string) {
	if m == nil {
		return
	}
	m.notifyFails.WithLabelValues(account).Inc()
}

// Routing returns the registry for routing table instrumentation.
func Routing() *routingMetrics {
	routingMetricsOnce.Do(func() {
		routingRegistry = &routingMetrics{
			routes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ilp",
				Subsystem: "routing",
				Name:      "routes",
				Help:      "Number of routes installed in the routing table.",
			}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ilp",
				Subsystem: "routing",
				Name:      "epoch",
				Help:      "Current routing table epoch.",
			}),
			pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "routing",
				Name:      "pruned_total",
				Help:      "Total routes withdrawn because they expired.",
			}),
		}
		prometheus.MustRegister(routingRegistry.routes, routingRegistry.epoch, routingRegistry.pruned)
	})
	return routingRegistry
}

// ObserveTable publishes table size and epoch.
func (m *routingMetrics) ObserveTable(routes int, epoch uint64) {
	if m == nil {
		return
	}
	m.routes.Set(float64(routes))
	m.epoch.Set(float64(epoch))
}

// RecordPruned adds expired route withdrawals.
func (m *routingMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}
