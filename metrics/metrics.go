package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudx-io/escrowauction/core"
)

const namespace = "escrow_auction"

var (
	// Registry holds the daemon's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight daemon requests.",
		},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "requests_total",
			Help:      "Total number of daemon requests handled.",
		},
		[]string{"type", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "request_duration_seconds",
			Help:      "Duration of daemon requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"type"},
	)

	connectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "connections_rejected_total",
			Help:      "Connections refused before a request was read.",
		},
		[]string{"reason"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "events_total",
			Help:      "Auction events by kind.",
		},
		[]string{"kind"},
	)

	eventAmounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "event_amount_total",
			Help:      "Sum of the amounts carried by auction events, by kind.",
		},
		[]string{"kind"},
	)

	escrowBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "balance",
			Help:      "Funds currently held in escrow.",
		},
	)
)

func init() {
	Registry.MustRegister(
		requestsInFlight,
		requests,
		requestDuration,
		connectionsRejected,
		events,
		eventAmounts,
		escrowBalance,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartRequest marks a request in flight. The returned func records its
// outcome.
func StartRequest(requestType string) func(code string) {
	start := time.Now()
	requestsInFlight.Inc()
	return func(code string) {
		requestsInFlight.Dec()
		if requestType == "" {
			requestType = "unknown"
		}
		requests.WithLabelValues(requestType, code).Inc()
		requestDuration.WithLabelValues(requestType).Observe(time.Since(start).Seconds())
	}
}

// RecordRejectedConnection counts a connection turned away.
func RecordRejectedConnection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordEscrowBalance sets the escrow gauge.
func RecordEscrowBalance(balance int64) {
	escrowBalance.Set(float64(balance))
}

// Notifier counts auction events. It never fails.
type Notifier struct{}

var _ core.Notifier = Notifier{}

// Notify implements core.Notifier.
func (Notifier) Notify(_ context.Context, e core.Event) error {
	events.WithLabelValues(string(e.Kind)).Inc()
	if e.Amount > 0 {
		eventAmounts.WithLabelValues(string(e.Kind)).Add(float64(e.Amount))
	}
	return nil
}
