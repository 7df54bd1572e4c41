package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crmgate_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmgate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// RoleVerificationFailures counts role checks that failed closed.
	RoleVerificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_role_verification_failures_total",
			Help: "Role verification calls that errored and were treated as deny.",
		},
		[]string{"check"},
	)

	// AccessDenied counts permission and role gate denials.
	AccessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_access_denied_total",
			Help: "Requests denied by a permission or role gate.",
		},
		[]string{"gate"},
	)

	// AuditEventsSpilled counts audit events written to the log instead of
	// the database.
	AuditEventsSpilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_audit_events_spilled_total",
			Help: "Audit events that could not be persisted and were logged instead.",
		},
		[]string{"reason"},
	)

	// ProfilesCreated counts lazily created profiles.
	ProfilesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crmgate_profiles_created_total",
		Help: "Profiles created on first access.",
	})
)

var initOnce sync.Once

// Init registers the collectors in the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			RoleVerificationFailures, AccessDenied, AuditEventsSpilled, ProfilesCreated,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentRoute records request count, latency and in-flight gauge under
// the registered route pattern, keeping label cardinality bounded.
func InstrumentRoute(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
