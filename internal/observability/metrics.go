package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wabridge"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session phase transitions by target phase.",
		},
		[]string{"phase"},
	)
	sessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a transient close.",
		},
	)
	sessionSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sends_total",
			Help:      "Outbound sends by outcome.",
		},
		[]string{"outcome"},
	)
	sessionInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages emitted by content type.",
		},
		[]string{"type"},
	)
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery proxy attempts by outcome.",
		},
		[]string{"sender", "outcome"},
	)
	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "forward_duration_seconds",
			Help:      "End-to-end forward duration including retry waits.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 120, 300},
		},
		[]string{"sender", "success"},
	)
	alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "notifications_total",
			Help:      "Operator notifications by sink and result.",
		},
		[]string{"sink", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionTransitions, sessionReconnects, sessionSends, sessionInbound,
			deliveryAttempts, deliveryDuration,
			alertsSent,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionTransition(phase string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(phase).Inc()
}

func RecordReconnectScheduled() {
	RegisterMetrics()
	sessionReconnects.Inc()
}

func RecordSessionSend(outcome string) {
	RegisterMetrics()
	sessionSends.WithLabelValues(outcome).Inc()
}

func RecordInboundMessage(kind string) {
	RegisterMetrics()
	sessionInbound.WithLabelValues(kind).Inc()
}

func RecordDeliveryAttempt(sender, outcome string) {
	RegisterMetrics()
	deliveryAttempts.WithLabelValues(sender, outcome).Inc()
}

func RecordDeliveryForward(sender string, duration time.Duration, success bool) {
	RegisterMetrics()
	deliveryDuration.WithLabelValues(sender, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordAlert(sink string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	alertsSent.WithLabelValues(sink, result).Inc()
}
