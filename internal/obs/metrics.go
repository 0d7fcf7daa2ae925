package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/shopguard/internal/abuse"
	"github.com/AlexKimmel/shopguard/internal/gateway"
	"github.com/AlexKimmel/shopguard/internal/policy"
	"github.com/AlexKimmel/shopguard/internal/ratelimit"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	Degraded        *prometheus.CounterVec
	AbuseEvents     *prometheus.CounterVec
	EvalDuration    *prometheus.HistogramVec
	ConfigVersion   prometheus.Gauge
	MemorySwept     prometheus.Counter
}

var _ gateway.Recorder = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopguard_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"method", "code", "algorithm"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopguard_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopguard_decisions_total",
				Help: "Admission decisions by algorithm, outcome and rule source",
			},
			[]string{"algorithm", "outcome", "source"},
		),
		Degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopguard_degraded_total",
				Help: "Requests handled by the degrade policy because the limiter could not decide",
			},
			[]string{"reason"},
		),
		AbuseEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopguard_abuse_events_total",
				Help: "Abuse events recorded by type",
			},
			[]string{"event"},
		),
		EvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopguard_evaluation_duration_seconds",
				Help:    "Time spent in the counter store per decision",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"algorithm"},
		),
		ConfigVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopguard_config_version",
			Help: "Version of the active rate-limit configuration",
		}),
		MemorySwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopguard_memory_swept_total",
			Help: "Expired in-process counters removed by the janitor",
		}),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.Degraded,
		m.AbuseEvents, m.EvalDuration, m.ConfigVersion, m.MemorySwept)
	return m
}

func (m *Metrics) ObserveDecision(res policy.Resolution, dec ratelimit.Decision, elapsed time.Duration) {
	outcome := "allowed"
	if !dec.Allowed {
		outcome = "denied"
	}
	alg := dec.Algorithm.String()
	m.Decisions.WithLabelValues(alg, outcome, string(res.Source)).Inc()
	m.EvalDuration.WithLabelValues(alg).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDegraded(reason string) { m.Degraded.WithLabelValues(reason).Inc() }

func (m *Metrics) ObserveAbuse(ev abuse.EventType) { m.AbuseEvents.WithLabelValues(string(ev)).Inc() }

func (m *Metrics) ObserveConfig(s *policy.Snapshot) { m.ConfigVersion.Set(float64(s.Version)) }

func (m *Metrics) ObserveSweep(removed int) { m.MemorySwept.Add(float64(removed)) }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
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

// Middleware records per-request metrics.
// The algorithm label comes from the X-RateLimit-Algorithm response header
// set by the gatekeeper; exempt and degraded requests are labelled "none".
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			alg := w.Header().Get(gateway.HeaderAlgorithm)
			if alg == "" {
				alg = "none"
			}

			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(method, strconv.Itoa(code), alg).Inc()
		})
	}
}
