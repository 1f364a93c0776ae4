// Package metrics exposes Prometheus metrics for the quiz session service.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quiz-session-service/internal/domain"
)

// Manager owns the service metrics and the registry they live on. It satisfies
// app.Recorder and the gateway's connection recorder.
type Manager struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry

	sessionsCreated  prometheus.Counter
	sessionsStarted  prometheus.Counter
	sessionsFinished prometheus.Counter
	resultsWritten   prometheus.Counter
	joins            *prometheus.CounterVec
	answers          *prometheus.CounterVec
	pointsAwarded    prometheus.Counter
	failures         *prometheus.CounterVec
	connections      prometheus.Gauge
}

// NewManager creates a Manager. Without WithRegistry it uses its own registry, so
// several managers can coexist in tests.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "quiz",
		subsystem: "sessions",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	counter := func(name, help string) prometheus.Counter {
		return auto.NewCounter(prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help})
	}

	m.sessionsCreated = counter("created_total", "Sessions created")
	m.sessionsStarted = counter("started_total", "Sessions moved to ACTIVE")
	m.sessionsFinished = counter("finished_total", "Sessions moved to FINISHED")
	m.resultsWritten = counter("results_written_total", "Result records written at finalization")
	m.pointsAwarded = counter("points_awarded_total", "Points awarded across all answers")

	m.joins = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "joins_total",
		Help:      "Participant joins, split by first join and rejoin",
	}, []string{"rejoin"})

	m.answers = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "answers_total",
		Help:      "Answers submitted, split by correctness",
	}, []string{"correct"})

	m.failures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "operation_failures_total",
		Help:      "Failed lifecycle operations by operation and error kind",
	}, []string{"op", "kind"})

	m.connections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "realtime_connections",
		Help:      "Open realtime connections",
	})
}

func (m *Manager) SessionCreated() { m.sessionsCreated.Inc() }
func (m *Manager) SessionStarted() { m.sessionsStarted.Inc() }

func (m *Manager) SessionFinished(participants int) {
	m.sessionsFinished.Inc()
	m.resultsWritten.Add(float64(participants))
}

func (m *Manager) ParticipantJoined(rejoin bool) {
	m.joins.WithLabelValues(strconv.FormatBool(rejoin)).Inc()
}

func (m *Manager) AnswerSubmitted(correct bool, points int) {
	m.answers.WithLabelValues(strconv.FormatBool(correct)).Inc()
	m.pointsAwarded.Add(float64(points))
}

func (m *Manager) OperationFailed(op string, kind domain.Kind) {
	m.failures.WithLabelValues(op, string(kind)).Inc()
}

func (m *Manager) ConnectionOpened() { m.connections.Inc() }
func (m *Manager) ConnectionClosed() { m.connections.Dec() }

// Registry returns the registry backing this manager.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the manager's registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
