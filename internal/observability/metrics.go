package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Wire call outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeRemoteError    = "remote_error"
	OutcomeTransportError = "transport_error"
	OutcomeUnavailable    = "unavailable"
	OutcomeStale          = "stale"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspectctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inspectctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	wireCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspectctl",
			Subsystem: "wire",
			Name:      "calls_total",
			Help:      "Inspector calls issued against the target, by call path and outcome.",
		},
		[]string{"path", "method", "outcome"},
	)
	wireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inspectctl",
			Subsystem: "wire",
			Name:      "call_duration_seconds",
			Help:      "Inspector call round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
	groupsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inspectctl",
			Subsystem: "groups",
			Name:      "created_total",
			Help:      "Object groups created.",
		},
	)
	groupsReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspectctl",
			Subsystem: "groups",
			Name:      "released_total",
			Help:      "Object groups released, by mode (disposed on the wire or abandoned after isolate restart).",
		},
		[]string{"mode"},
	)
	groupsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inspectctl",
			Subsystem: "groups",
			Name:      "live",
			Help:      "Object groups created and not yet released.",
		},
	)
	selectionEchoes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspectctl",
			Subsystem: "selection",
			Name:      "notifications_total",
			Help:      "Remote selection notifications, by classification.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			wireCalls, wireDuration,
			groupsCreated, groupsReleased, groupsLive,
			selectionEchoes,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWireCall(path, method, outcome string, duration time.Duration) {
	RegisterMetrics()
	wireCalls.WithLabelValues(path, method, outcome).Inc()
	if duration > 0 {
		wireDuration.WithLabelValues(path, method).Observe(duration.Seconds())
	}
}

func RecordGroupCreated() {
	RegisterMetrics()
	groupsCreated.Inc()
	groupsLive.Inc()
}

// RecordGroupReleased counts one group leaving the live set; mode is
// "disposed" or "abandoned".
func RecordGroupReleased(mode string) {
	RegisterMetrics()
	groupsReleased.WithLabelValues(mode).Inc()
	groupsLive.Dec()
}

func RecordSelectionNotification(suppressed bool) {
	RegisterMetrics()
	result := "foreign"
	if suppressed {
		result = "suppressed"
	}
	selectionEchoes.WithLabelValues(result).Inc()
}
