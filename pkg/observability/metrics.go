// Package observability holds the worker's Prometheus metrics and
// OpenTelemetry tracing helpers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
)

// Turn outcomes.
const (
	TurnStored   = "stored"
	TurnFiltered = "filtered"
	TurnClamped  = "clamped"
	TurnTooShort = "too_short"
)

// WorkerMetrics holds all Prometheus metrics for the transcription worker.
// Methods on a nil *WorkerMetrics do nothing.
type WorkerMetrics struct {
	// Task metrics
	TasksTotal       *prometheus.CounterVec
	TaskSeconds      *prometheus.HistogramVec
	DeadLettersTotal *prometheus.CounterVec
	InFlight         prometheus.Gauge

	// Pipeline metrics
	TurnsTotal          *prometheus.CounterVec
	ResolutionsTotal    *prometheus.CounterVec
	MatchDistance       prometheus.Histogram
	CollaboratorSeconds *prometheus.HistogramVec

	// Transport metrics
	AckReportsTotal *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
	ConsumerState   *prometheus.GaugeVec
}

// NewWorkerMetrics creates and registers the worker metrics on reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	factory := promauto.With(reg)

	return &WorkerMetrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_tasks_total",
				Help: "Total tasks settled by outcome",
			},
			[]string{"outcome"},
		),
		TaskSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcription_task_seconds",
				Help:    "Wall time per task from receipt to settlement",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"outcome"},
		),
		DeadLettersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_dead_letters_total",
				Help: "Total tasks copied to the dead-letter queue",
			},
			[]string{"code"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "transcription_tasks_in_flight",
				Help: "Tasks currently being processed",
			},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_turns_total",
				Help: "Diarized turns by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_speaker_resolutions_total",
				Help: "Speaker label resolutions by action",
			},
			[]string{"action"},
		),
		MatchDistance: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transcription_speaker_match_distance",
				Help:    "Cosine distance to the nearest reference for each resolved label",
				Buckets: []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.75, 1.0, 2.0},
			},
		),
		CollaboratorSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcription_collaborator_seconds",
				Help:    "Latency of calls to external engines",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"collaborator", "status"},
		),
		AckReportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_ack_reports_total",
				Help: "Ack messages sent to the orchestrator",
			},
			[]string{"status", "result"},
		),
		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_broker_reconnects_total",
				Help: "Broker reconnect attempts",
			},
			[]string{"broker"},
		),
		ConsumerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transcription_consumer_state",
				Help: "1 for the consumer's current state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// RecordTask records a settled task.
func (m *WorkerMetrics) RecordTask(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
	m.TaskSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordDeadLetter records a task copied to the dead-letter queue.
func (m *WorkerMetrics) RecordDeadLetter(code string) {
	if m == nil {
		return
	}
	m.DeadLettersTotal.WithLabelValues(code).Inc()
}

// SetInFlight sets the number of tasks being processed.
func (m *WorkerMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// RecordTurn records a turn outcome.
func (m *WorkerMetrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordResolution records a speaker resolution. A negative distance means
// no reference was compared (seeding) and is not observed.
func (m *WorkerMetrics) RecordResolution(action string, distance float64) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(action).Inc()
	if distance >= 0 {
		m.MatchDistance.Observe(distance)
	}
}

// RecordCollaborator records one call to an external engine.
func (m *WorkerMetrics) RecordCollaborator(collaborator string, err error, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CollaboratorSeconds.WithLabelValues(collaborator, status).Observe(seconds)
}

// RecordAckReport records an ack publication attempt.
func (m *WorkerMetrics) RecordAckReport(status string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "error"
	}
	m.AckReportsTotal.WithLabelValues(status, result).Inc()
}

// RecordReconnect records a broker reconnect attempt.
func (m *WorkerMetrics) RecordReconnect(broker string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(broker).Inc()
}

// SetConsumerState marks state as current among states.
func (m *WorkerMetrics) SetConsumerState(state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConsumerState.WithLabelValues(s).Set(v)
	}
}
