// Package metrics owns the Prometheus collectors shared by the API and the
// worker. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	orders        *prometheus.CounterVec
	orderLatency  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	relayEvents   *prometheus.CounterVec
	deadLetters   prometheus.Counter
	consumed      *prometheus.CounterVec
	logSweeps     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "orders_total",
			Help:      "Orders processed, by action and outcome.",
		}, []string{"action", "outcome"}),
		orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradesim",
			Name:      "order_duration_seconds",
			Help:      "Time spent processing one order.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "market_compensations_total",
			Help:      "Market writes undone after a failed player write.",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "settled_players_total",
			Help:      "Players liquidated at round end.",
		}, []string{"outcome"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "outbox_messages_total",
			Help:      "Outbox publish attempts, by sweep and outcome.",
		}, []string{"sweep", "outcome"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "outbox_dead_letters_total",
			Help:      "Outbox messages that exhausted their retries.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "queue_messages_total",
			Help:      "Order queue messages handled by the consumer.",
		}, []string{"outcome"}),
		logSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradesim",
			Name:      "trade_log_swept_total",
			Help:      "Trade log rows removed or cancelled by the retention sweep.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.orders,
		m.orderLatency,
		m.compensations,
		m.settlements,
		m.relayEvents,
		m.deadLetters,
		m.consumed,
		m.logSweeps,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveOrder(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(action, outcome).Inc()
	m.orderLatency.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) Compensation(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.compensations.WithLabelValues("ok").Inc()
		return
	}
	m.compensations.WithLabelValues("failed").Inc()
}

func (m *Metrics) SettledPlayer(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.settlements.WithLabelValues("ok").Inc()
		return
	}
	m.settlements.WithLabelValues("failed").Inc()
}

func (m *Metrics) RelayResult(sweep, outcome string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(sweep, outcome).Inc()
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) Consumed(outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TradeLogSwept(deleted, cancelled int64) {
	if m == nil {
		return
	}
	m.logSweeps.WithLabelValues("deleted").Add(float64(deleted))
	m.logSweeps.WithLabelValues("cancelled").Add(float64(cancelled))
}
