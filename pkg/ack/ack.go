// Package ack tells the orchestrator how a transcription task ended.
package ack

import (
	"context"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/observability"
	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
)

// Publisher sends a JSON message to the ack queue.
type Publisher interface {
	PublishJSON(ctx context.Context, v interface{}) error
}

// Reporter publishes AckMessages. Reporting is best-effort: failures are
// logged and counted but never returned.
type Reporter struct {
	publisher Publisher
	timeout   time.Duration
	metrics   *observability.WorkerMetrics
	logger    logging.Logger
}

// NewReporter creates a Reporter. A zero timeout selects 10s.
func NewReporter(publisher Publisher, timeout time.Duration, metrics *observability.WorkerMetrics, logger logging.Logger) *Reporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Reporter{
		publisher: publisher,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger.With(logging.Component("ack_reporter")),
	}
}

// Completed reports a successfully processed task.
func (r *Reporter) Completed(ctx context.Context, task queue.ChunkTask) {
	r.Report(ctx, queue.NewAck(task, queue.StatusCompleted))
}

// Failed reports a task that could not be processed.
func (r *Reporter) Failed(ctx context.Context, task queue.ChunkTask) {
	r.Report(ctx, queue.NewAck(task, queue.StatusFailed))
}

// Report publishes msg. It runs even if ctx is already cancelled so that a
// task settled during shutdown is still reported.
func (r *Reporter) Report(ctx context.Context, msg queue.AckMessage) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err := r.publisher.PublishJSON(pubCtx, msg)
	r.metrics.RecordAckReport(msg.Status, err)

	log := r.logger.WithContext(ctx)
	if err != nil {
		log.Warn("failed to report task status",
			logging.F("status", msg.Status),
			logging.F("meeting_id", msg.MeetingID),
			logging.F("task_id", msg.TaskID),
			logging.Err(err))
		return
	}
	log.Debug("task status reported",
		logging.F("status", msg.Status),
		logging.F("meeting_id", msg.MeetingID),
		logging.F("task_id", msg.TaskID))
}
