package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scheduling"

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Booking and lifecycle
	Bookings       *prometheus.CounterVec
	BookingLatency prometheus.Histogram
	Transitions    *prometheus.CounterVec

	// Side-effect dispatch
	SideEffects       *prometheus.CounterVec
	SideEffectLatency *prometheus.HistogramVec
	OutboxPending     prometheus.Gauge

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates and registers all application metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Bookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"result"}),
		BookingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "booking_duration_seconds",
			Help:      "Time spent in the booking transaction",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_transitions_total",
			Help:      "Appointment status changes by outcome",
		}, []string{"from", "to", "result"}),

		SideEffects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effects_total",
			Help:      "Processed outbox events by kind and outcome",
		}, []string{"kind", "result"}),
		SideEffectLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "side_effect_duration_seconds",
			Help:      "Duration of one side-effect attempt",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_events",
			Help:      "Outbox events waiting to be dispatched",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveBooking(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Bookings.WithLabelValues(result).Inc()
	m.BookingLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, result).Inc()
}

func (m *Metrics) ObserveSideEffect(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SideEffects.WithLabelValues(kind, result).Inc()
	m.SideEffectLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(code)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
