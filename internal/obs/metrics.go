package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/docgate/internal/gateway"
	"github.com/AlexKimmel/docgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterFailOpen *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec
	gatherer        prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"endpoint", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docgate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"endpoint"},
		),
		LimiterFailOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docgate_limiter_store_errors_total",
				Help: "Total rate limit checks decided by the failure policy because the counter store failed",
			},
			[]string{"endpoint"},
		),
		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docgate_quota_rejections_total",
				Help: "Total uploads rejected by the department quota check",
			},
			[]string{"reason"},
		),
		gatherer: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterFailOpen, m.QuotaRejections)
	return m
}

// Hooks for ratelimit.Options and quota.WithRejectHook.
func (m *Metrics) OnLimited(endpoint string) { m.RateLimited.WithLabelValues(endpoint).Inc() }
func (m *Metrics) OnStoreError(endpoint string) { m.LimiterFailOpen.WithLabelValues(endpoint).Inc() }
func (m *Metrics) OnQuotaReject(reason string) { m.QuotaRejections.WithLabelValues(reason).Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics. It must run after
// gateway.RouteMatcher so the endpoint is in the request context.
func (m *Metrics) Middleware() gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			endpoint := routing.EndpointFrom(r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
