package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ModeTransitions    *prometheus.CounterVec
	ConversationEvents *prometheus.CounterVec
	TaskEvents         *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	OpenTaskSessions   prometheus.Gauge
	CommitLatency      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ModeTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Conversation mode transitions by target mode.",
		}, []string{"mode"}),
		ConversationEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_events_total",
			Help:      "Conversation events by type (commit, barge_in, interrupt, ...).",
		}, []string{"event"}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Background task session events by type.",
		}, []string{"event"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Backend provider errors by provider and code.",
		}, []string{"provider", "code"}),
		OpenTaskSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_task_sessions",
			Help:      "Number of open background task sessions.",
		}),
		CommitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_to_reply_latency_ms",
			Help:      "Latency from utterance commit to assistant reply in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
	}
}

func (m *Metrics) ObserveModeTransition(mode string) {
	if m == nil {
		return
	}
	m.ModeTransitions.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveConversationEvent(event string) {
	if m == nil {
		return
	}
	m.ConversationEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) SetOpenTaskSessions(n int) {
	if m == nil {
		return
	}
	m.OpenTaskSessions.Set(float64(n))
}

func (m *Metrics) ObserveCommitLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CommitLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
