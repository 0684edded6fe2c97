package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewWorkerMetrics(reg)

	metrics.RecordTask(OutcomeCompleted, 12.5)
	metrics.RecordTask(OutcomeFailed, 3)
	metrics.RecordDeadLetter("audio_missing")
	metrics.SetInFlight(1)
	metrics.RecordTurn(TurnStored)
	metrics.RecordTurn(TurnTooShort)
	metrics.RecordResolution("matched", 0.1)
	metrics.RecordResolution("seeded", -1)
	metrics.RecordCollaborator("diarization", nil, 2.5)
	metrics.RecordCollaborator("transcription", errors.New("boom"), 0.5)
	metrics.RecordAckReport("completed", nil)
	metrics.RecordReconnect("amqp")
	metrics.SetConsumerState("processing", []string{"disconnected", "awaiting_task", "processing"})

	families, err := reg.Gather()
	require.NoError(t, err)

	expected := map[string]bool{
		"transcription_tasks_total":               false,
		"transcription_task_seconds":              false,
		"transcription_dead_letters_total":        false,
		"transcription_tasks_in_flight":           false,
		"transcription_turns_total":               false,
		"transcription_speaker_resolutions_total": false,
		"transcription_speaker_match_distance":    false,
		"transcription_collaborator_seconds":      false,
		"transcription_ack_reports_total":         false,
		"transcription_broker_reconnects_total":   false,
		"transcription_consumer_state":            false,
	}
	for _, fam := range families {
		if _, ok := expected[fam.GetName()]; ok {
			expected[fam.GetName()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "metric %s not registered", name)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConsumerState.WithLabelValues("processing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConsumerState.WithLabelValues("awaiting_task")))

	for _, fam := range families {
		if fam.GetName() == "transcription_speaker_match_distance" {
			require.Len(t, fam.GetMetric(), 1)
			assert.Equal(t, uint64(1), fam.GetMetric()[0].GetHistogram().GetSampleCount(),
				"seeding must not observe a distance")
		}
	}
}

func TestWorkerMetrics_NilIsNoop(t *testing.T) {
	var metrics *WorkerMetrics
	assert.NotPanics(t, func() {
		metrics.RecordTask(OutcomeCompleted, 1)
		metrics.RecordTurn(TurnStored)
		metrics.RecordResolution("minted", 0.9)
		metrics.RecordAckReport("failed", errors.New("x"))
		metrics.SetConsumerState("processing", nil)
	})
}

func TestTracer(t *testing.T) {
	tracer := NewTracer()

	ctx, span := tracer.StartTaskSpan(context.Background(), "m1", "t1")
	require.NotNil(t, span)

	_, stage := tracer.StartStageSpan(ctx, "diarize")
	require.NotNil(t, stage)
	stage.End()

	helper := NewSpanHelper(span)
	helper.SetCounts(4, 2)
	helper.SetError(errors.New("boom"), "processing_failure", "timeout", true)
	helper.SetSuccess()
	helper.AddEvent("stored")
	span.End()

	// The global provider is a no-op unless one is installed.
	assert.False(t, span.SpanContext().IsValid())
}
