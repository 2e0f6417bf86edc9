// Package metrics exposes simulator counters to Prometheus. One Metrics value
// observes the listener, every session and the execution engine.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
)

const namespace = "twsim"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive      prometheus.Gauge
	sessionsOpened      prometheus.Counter
	sessionsClosed      *prometheus.CounterVec
	messagesIn          *prometheus.CounterVec
	messagesOut         *prometheus.CounterVec
	throttled           prometheus.Counter
	connectionsRejected prometheus.Counter

	orders      *prometheus.CounterVec
	fills       prometheus.Counter
	fillVolume  prometheus.Counter
	notional    prometheus.Counter
	commissions prometheus.Counter
}

// New creates and registers every collector. Go runtime and process
// collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently connected",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Sessions accepted since start",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Sessions closed, by reason",
		}, []string{"reason"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_in_total",
			Help: "Inbound API messages, by message id",
		}, []string{"msg_id"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_out_total",
			Help: "Outbound API messages, by message id",
		}, []string{"msg_id"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_throttled_total",
			Help: "Inbound messages refused by the rate limiter",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Connections closed at the client cap",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Orders by outcome",
		}, []string{"outcome"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_total",
			Help: "Executions",
		}),
		fillVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fill_quantity_total",
			Help: "Executed quantity",
		}),
		notional: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fill_notional_total",
			Help: "Executed notional in account currency",
		}),
		commissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commissions_total",
			Help: "Commission charged",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.sessionsOpened,
		m.sessionsClosed,
		m.messagesIn,
		m.messagesOut,
		m.throttled,
		m.connectionsRejected,
		m.orders,
		m.fills,
		m.fillVolume,
		m.notional,
		m.commissions,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// session.Observer

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageIn(msgID int) {
	m.messagesIn.WithLabelValues(strconv.Itoa(msgID)).Inc()
}

func (m *Metrics) MessageOut(msgID int) {
	m.messagesOut.WithLabelValues(strconv.Itoa(msgID)).Inc()
}

func (m *Metrics) Throttled() { m.throttled.Inc() }

// gateway.Observer

func (m *Metrics) ConnectionRejected() { m.connectionsRejected.Inc() }

// execution.Observer

func (m *Metrics) OrderPlaced(*account.Order)    { m.orders.WithLabelValues("placed").Inc() }
func (m *Metrics) OrderRejected(*account.Order)  { m.orders.WithLabelValues("rejected").Inc() }
func (m *Metrics) OrderCancelled(*account.Order) { m.orders.WithLabelValues("cancelled").Inc() }

func (m *Metrics) Filled(_ string, f *account.Fill) {
	m.fills.Inc()
	m.fillVolume.Add(f.Qty.InexactFloat64())
	m.notional.Add(f.Notional().InexactFloat64())
	m.commissions.Add(f.Commission.InexactFloat64())
}
