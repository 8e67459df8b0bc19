package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "staffsec_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffsec_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staffsec_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	TransitionsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffsec_transitions_scheduled_total",
			Help: "Scheduled transitions created, by kind.",
		},
		[]string{"kind"},
	)

	TransitionsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffsec_transitions_resolved_total",
			Help: "Scheduled transitions resolved, by kind and outcome (applied, canceled, failed).",
		},
		[]string{"kind", "outcome"},
	)

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "staffsec_sweep_duration_seconds",
		Help:    "Duration of one sweep over due transitions.",
		Buckets: prometheus.DefBuckets,
	})

	AuditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffsec_audit_entries_total",
			Help: "Committed audit entries, by action.",
		},
		[]string{"action"},
	)

	LockoutEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffsec_lockout_events_total",
			Help: "Authentication failure bookkeeping, by event (failure, locked, reset).",
		},
		[]string{"event"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "staffsec_ready",
		Help: "1 when every readiness check passes.",
	})

	RiskFlags = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffsec_risk_flags_total",
			Help: "Risk evaluations that raised a flag, by flag.",
		},
		[]string{"flag"},
	)
)

var initOnce sync.Once

// Init registers all metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			TransitionsScheduled, TransitionsResolved, SweepDuration,
			AuditEntries, LockoutEvents, RiskFlags, readyGauge,
		)
	})
}

// SetReady publishes the latest readiness result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose second segment is an identifier
var idCollections = map[string]bool{
	"accounts":     true,
	"recovery":     true,
	"transitions":  true,
	"credentials":  true,
	"audit-trail":  false,
	"office-hours": false,
}

// CanonicalPath folds identifiers out of a URL path to keep label cardinality bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(segs); i++ {
		if idCollections[segs[i-1]] && segs[i] != "" {
			segs[i] = ":id"
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
