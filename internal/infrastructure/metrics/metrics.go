package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paid_dispatch"

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	probes          *prometheus.CounterVec
	dispatchResults *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	confirmAttempts prometheus.Histogram
	selections      *prometheus.CounterVec
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "probes_total",
			Help:      "Executor probes by resulting state and transport",
		}, []string{"state", "secure"}),
		dispatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Per-executor dispatch results by terminal stage",
		}, []string{"stage", "outcome"}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "settlements_total",
			Help:      "Settlement attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		confirmAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "confirmation_attempts",
			Help:      "Paid retries sent per settled handshake",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		selections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "selections_total",
			Help:      "Selections by strategy and whether the external scorer decided",
		}, []string{"strategy", "delegated"}),
		requestCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveProbe(state string, secure bool) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(state, strconv.FormatBool(secure)).Inc()
}

func (m *Metrics) ObserveDispatch(stage, outcome string) {
	if m == nil {
		return
	}
	m.dispatchResults.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveSettlement(provider, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveConfirmationAttempts(n int) {
	if m == nil {
		return
	}
	m.confirmAttempts.Observe(float64(n))
}

func (m *Metrics) ObserveSelection(strategy string, delegated bool) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(strategy, strconv.FormatBool(delegated)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by matched chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
