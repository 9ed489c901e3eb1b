package link

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *metricsRegistry
)

type metricsRegistry struct {
	sends         *prometheus.CounterVec
	sendLatency   *prometheus.HistogramVec
	shortCircuits *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	connected     *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec

	sendCounter       metric.Int64Counter
	transitionCounter metric.Int64Counter
	latencyHistogram  metric.Float64Histogram
}

func linkMetrics() *metricsRegistry {
	metricsInitOnce.Do(func() {
		m := &metricsRegistry{
			sends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "link",
				Name:      "sends_total",
				Help:      "Outbound packets per link by result (fulfill, reject, error).",
			}, []string{"account", "result"}),
			sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ilp",
				Subsystem: "link",
				Name:      "send_seconds",
				Help:      "Time spent waiting on the peer per outbound packet.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"account"}),
			shortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "link",
				Name:      "short_circuits_total",
				Help:      "Packets rejected locally because the link's breaker was open.",
			}, []string{"account"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ilp",
				Subsystem: "link",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per link (0 closed, 1 open, 2 half-open).",
			}, []string{"account"}),
			connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ilp",
				Subsystem: "link",
				Name:      "connected",
				Help:      "Whether the link to an account is connected.",
			}, []string{"account"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "link",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts for persistent links by result.",
			}, []string{"account", "result"}),
		}
		prometheus.MustRegister(m.sends, m.sendLatency, m.shortCircuits, m.breakerState, m.connected, m.reconnects)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *metricsRegistry) initMeter() {
	meter := otel.GetMeterProvider().Meter("ilpnode/link")
	fallback := noop.NewMeterProvider().Meter("ilpnode/link")
	sends, err := meter.Int64Counter("ilp.link.sends")
	if err != nil {
		sends, _ = fallback.Int64Counter("ilp.link.sends")
	}
	transitions, err := meter.Int64Counter("ilp.link.breaker_transitions")
	if err != nil {
		transitions, _ = fallback.Int64Counter("ilp.link.breaker_transitions")
	}
	latency, err := meter.Float64Histogram("ilp.link.send_ms")
	if err != nil {
		latency, _ = fallback.Float64Histogram("ilp.link.send_ms")
	}
	m.sendCounter = sends
	m.transitionCounter = transitions
	m.latencyHistogram = latency
}

func (m *metricsRegistry) observeSend(account, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(account, result).Inc()
	m.sendLatency.WithLabelValues(account).Observe(elapsed.Seconds())
	attrs := metric.WithAttributes(attribute.String("account", account), attribute.String("result", result))
	if m.sendCounter != nil {
		m.sendCounter.Add(context.Background(), 1, attrs)
	}
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), float64(elapsed.Milliseconds()), attrs)
	}
}

func (m *metricsRegistry) recordShortCircuit(account string) {
	if m == nil {
		return
	}
	m.shortCircuits.WithLabelValues(account).Inc()
}

func (m *metricsRegistry) observeBreaker(account string, from, to BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(account).Set(float64(to))
	if m.transitionCounter != nil {
		m.transitionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("account", account),
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
}

func (m *metricsRegistry) observeConnected(account string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(account).Set(v)
}

func (m *metricsRegistry) recordReconnect(account string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reconnects.WithLabelValues(account, result).Inc()
}
