package obs

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
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	verificationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_decisions_total",
			Help: "Organization verification decisions by outcome.",
		},
		[]string{"outcome"},
	)

	creditTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_transactions_total",
			Help: "Ledger transactions recorded, by kind.",
		},
		[]string{"kind"},
	)

	notificationsFannedOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_fanned_out_total",
			Help: "Notifications written by the fan-out engine, by event type.",
		},
		[]string{"event"},
	)
)

var initOnce sync.Once

// Init registers all service metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			verificationDecisionsTotal,
			creditTransactionsTotal,
			notificationsFannedOutTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts a verification cascade outcome.
func ObserveDecision(outcome string) {
	verificationDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLedgerWrite counts a recorded credit transaction.
func ObserveLedgerWrite(kind string) {
	creditTransactionsTotal.WithLabelValues(kind).Inc()
}

// ObserveFanout counts notifications emitted for one domain event.
func ObserveFanout(event string, n int) {
	if n <= 0 {
		return
	}
	notificationsFannedOutTotal.WithLabelValues(event).Add(float64(n))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
