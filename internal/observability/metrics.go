package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"role", "route", "method", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "route", "method", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwire",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Frames sent or received on a protocol session.",
		},
		[]string{"role", "direction"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwire",
			Subsystem: "protocol",
			Name:      "handshakes_total",
			Help:      "PROTOCOLVERSION handshakes by outcome.",
		},
		[]string{"role", "result"},
	)
	portAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwire",
			Subsystem: "protocol",
			Name:      "port_advances_total",
			Help:      "Times a session moved to the next candidate port.",
		},
		[]string{"role"},
	)
	connected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentwire",
			Subsystem: "protocol",
			Name:      "connected",
			Help:      "1 while a verified session is open.",
		},
		[]string{"role", "session"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, frames, handshakes, portAdvances, connected)
	})
}

// RecordHTTPRequest counts one admin request; route is a RouteFamily label.
func RecordHTTPRequest(role, route, method string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(role, route, method, statusLabel).Inc()
	httpDuration.WithLabelValues(role, route, method, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame; direction is "sent" or "received".
func RecordFrame(role, direction string) {
	RegisterMetrics()
	frames.WithLabelValues(role, direction).Inc()
}

func RecordHandshake(role string, accepted bool) {
	RegisterMetrics()
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	handshakes.WithLabelValues(role, result).Inc()
}

func RecordPortAdvance(role string) {
	RegisterMetrics()
	portAdvances.WithLabelValues(role).Inc()
}

func SetConnected(role, session string, up bool) {
	RegisterMetrics()
	v := 0.0
	if up {
		v = 1
	}
	connected.WithLabelValues(role, session).Set(v)
}

// ForgetSession drops the per-session gauge once a session is closed for good.
func ForgetSession(role, session string) {
	RegisterMetrics()
	connected.DeleteLabelValues(role, session)
}
