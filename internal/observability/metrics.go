package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	QueueDepth   prometheus.Gauge
	TaskEvents   *prometheus.CounterVec
	LintRuns     *prometheus.CounterVec
	LintDuration *prometheus.HistogramVec
	Offenses     *prometheus.CounterVec
	WSMessages   *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithWindow(namespace, 0)
}

// NewMetricsWithWindow sizes the rolling latency window. Non-positive
// sizes fall back to the default.
func NewMetricsWithWindow(namespace string, windowSize int) *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of lint tasks held by the queue, including the running one.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task queue events by type.",
		}, []string{"event"}),
		LintRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lint_runs_total",
			Help:      "Completed rubocop runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		LintDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lint_duration_ms",
			Help:      "Rubocop run duration in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}, []string{"kind"}),
		Offenses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offenses_total",
			Help:      "Published offenses by severity.",
		}, []string{"severity"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		latency: NewLatencyWindow(windowSize),
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveTaskEvent(event string) {
	m.TaskEvents.WithLabelValues(event).Inc()
}

// ObserveLintRun records a finished run. Durations only feed the histogram
// and latency window for runs that actually reached rubocop.
func (m *Metrics) ObserveLintRun(kind, outcome string, d time.Duration) {
	m.LintRuns.WithLabelValues(kind, outcome).Inc()
	if outcome != "ok" {
		m.latency.ObserveIndicator(kind + "_" + outcome)
	}
	if d <= 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.LintDuration.WithLabelValues(kind).Observe(ms)
	m.latency.Observe(kind, ms)
}

func (m *Metrics) ObserveOffenses(severity string, n int) {
	if n <= 0 {
		return
	}
	m.Offenses.WithLabelValues(severity).Add(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route string, status int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
