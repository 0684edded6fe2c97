package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-transcribe/pkg/observability"
	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
)

const (
	taskQueue = queue.DefaultTaskQueue
	deadQueue = "transcription_queue.dead"
)

type recordingHandler struct {
	mu    sync.Mutex
	tasks []queue.ChunkTask
	fn    func(ctx context.Context, task queue.ChunkTask) error
}

func (h *recordingHandler) handle(ctx context.Context, task queue.ChunkTask) error {
	h.mu.Lock()
	h.tasks = append(h.tasks, task)
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, task)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *recordingReporter) Completed(ctx context.Context, task queue.ChunkTask) {
	r.add("completed:" + task.TaskID)
}

func (r *recordingReporter) Failed(ctx context.Context, task queue.ChunkTask) {
	r.add("failed:" + task.TaskID)
}

func (r *recordingReporter) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, s)
}

func (r *recordingReporter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

func enqueueJSON(t *testing.T, b *queue.MemoryBroker, body string, corrID string) {
	t.Helper()
	b.Enqueue(taskQueue, queue.Publishing{Body: []byte(body), CorrelationID: corrID})
}

// startConsumer runs c in the background and returns a stop function that
// cancels it and waits for Run to return.
func startConsumer(t *testing.T, c *Consumer) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func newTestConsumer(b *queue.MemoryBroker, h *recordingHandler, r *recordingReporter, cfg Config, opts Options) *Consumer {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	opts.Reporter = r
	return NewConsumer(cfg, b, h.handle, opts)
}

func TestConsumer_CompletesTask(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &recordingHandler{}
	r := &recordingReporter{}
	c := newTestConsumer(b, h, r, Config{}, Options{})

	enqueueJSON(t, b, `{"file_path":"/data/m1/chunk_0.wav","meeting_id":"m1","task_id":"t1"}`, "")
	stop := startConsumer(t, c)

	require.Eventually(t, func() bool { return c.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateAwaitingTask }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Healthy())
	stop()

	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.Healthy())
	assert.Equal(t, 1, b.Stats().Acked)
	assert.Equal(t, []string{"completed:t1"}, r.all())
	assert.Empty(t, b.Messages(deadQueue))
	assert.False(t, c.Stats().LastActivity.IsZero())
}

func TestConsumer_NullFilePathIsRejectedWithoutProcessing(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &recordingHandler{}
	r := &recordingReporter{}
	c := newTestConsumer(b, h, r, Config{}, Options{})

	enqueueJSON(t, b, `{"file_path":null,"meeting_id":"m1"}`, "c1")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Malformed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 0, h.count(), "handler must never see a malformed task")
	assert.Empty(t, r.all(), "malformed tasks are not reported")

	stats := b.Stats()
	assert.Equal(t, 0, stats.Acked)
	assert.Equal(t, 0, stats.Requeued)
	assert.Equal(t, 1, stats.DeadLettered)

	dead := b.Messages(deadQueue)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Headers[queue.HeaderDeathReason], "malformed_payload")
	assert.Empty(t, b.Messages(taskQueue))
}

func TestConsumer_InvalidJSON(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &recordingHandler{}
	c := newTestConsumer(b, h, &recordingReporter{}, Config{}, Options{})

	enqueueJSON(t, b, `not json`, "")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Malformed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 0, h.count())
	assert.Len(t, b.Messages(deadQueue), 1)
}

func TestConsumer_ProcessingFailureIsDeadLetteredAndReported(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &recordingHandler{fn: func(ctx context.Context, task queue.ChunkTask) error {
		return errors.New("diarization: 503 service unavailable")
	}}
	r := &recordingReporter{}
	c := newTestConsumer(b, h, r, Config{}, Options{})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1"}`, "m1-transcription-99")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"failed:m1-transcription-99"}, r.all())
	stats := b.Stats()
	assert.Equal(t, 0, stats.Acked)
	assert.Equal(t, 0, stats.Requeued)
	dead := b.Messages(deadQueue)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Headers[queue.HeaderDeathReason], "model_unavailable")
	assert.Equal(t, "m1-transcription-99", dead[0].CorrelationID)
}

func TestConsumer_ProcessesOneTaskAtATime(t *testing.T) {
	b := queue.NewMemoryBroker()
	var inFlight, maxInFlight int
	var mu sync.Mutex
	h := &recordingHandler{fn: func(ctx context.Context, task queue.ChunkTask) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}}
	c := newTestConsumer(b, h, &recordingReporter{}, Config{}, Options{})

	for i := 0; i < 5; i++ {
		enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1"}`, "")
	}
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Processed == 5 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, maxInFlight)
}

func TestConsumer_ReconnectsWithoutLimit(t *testing.T) {
	b := queue.NewMemoryBroker()
	refused := errors.New("dial tcp: connection refused")
	b.FailConnects(refused, refused, refused)
	h := &recordingHandler{}
	c := newTestConsumer(b, h, &recordingReporter{}, Config{}, Options{})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1"}`, "")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)

	// Drop the live session; the consumer must come back on its own.
	b.Break()
	enqueueJSON(t, b, `{"file_path":"/b.wav","meeting_id":"m1"}`, "")
	require.Eventually(t, func() bool { return c.Stats().Processed == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int64(4), c.Stats().Reconnects)
	assert.Equal(t, 5, b.Connects())
}

func TestConsumer_TaskTimeoutIsProcessingFailure(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &recordingHandler{fn: func(ctx context.Context, task queue.ChunkTask) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r := &recordingReporter{}
	c := newTestConsumer(b, h, r, Config{TaskTimeout: 20 * time.Millisecond}, Options{})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1","task_id":"t1"}`, "")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"failed:t1"}, r.all())
	dead := b.Messages(deadQueue)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Headers[queue.HeaderDeathReason], "timeout")
}

func TestConsumer_ShutdownLeavesTaskUnsettled(t *testing.T) {
	b := queue.NewMemoryBroker()
	started := make(chan struct{})
	h := &recordingHandler{fn: func(ctx context.Context, task queue.ChunkTask) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	r := &recordingReporter{}
	c := newTestConsumer(b, h, r, Config{}, Options{})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1"}`, "")
	stop := startConsumer(t, c)
	<-started
	stop()

	stats := b.Stats()
	assert.Equal(t, 0, stats.Acked)
	assert.Equal(t, 0, stats.Rejected)
	assert.Empty(t, r.all())
}

type fakeLocker struct {
	mu     sync.Mutex
	events []string
}

func (l *fakeLocker) Lock(ctx context.Context, meetingID string) (func(context.Context) error, error) {
	l.mu.Lock()
	l.events = append(l.events, "lock:"+meetingID)
	l.mu.Unlock()
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, "unlock:"+meetingID)
		return nil
	}, nil
}

func (l *fakeLocker) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestConsumer_HoldsMeetingLock(t *testing.T) {
	b := queue.NewMemoryBroker()
	locker := &fakeLocker{}
	h := &recordingHandler{}
	h.fn = func(ctx context.Context, task queue.ChunkTask) error {
		assert.Equal(t, []string{"lock:m7"}, locker.all())
		return nil
	}
	c := newTestConsumer(b, h, &recordingReporter{}, Config{}, Options{Locker: locker})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m7"}`, "")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return c.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"lock:m7", "unlock:m7"}, locker.all())
}

func TestConsumer_Metrics(t *testing.T) {
	b := queue.NewMemoryBroker()
	metrics := observability.NewWorkerMetrics(prometheus.NewRegistry())
	h := &recordingHandler{}
	c := newTestConsumer(b, h, &recordingReporter{}, Config{}, Options{Metrics: metrics})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1"}`, "")
	enqueueJSON(t, b, `{"meeting_id":"m1"}`, "")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Processed == 1 && s.Malformed == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(observability.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(observability.OutcomeMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("malformed_payload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConsumerState.WithLabelValues(string(StateStopped))))
}

func TestConsumer_ReportsThroughAckQueue(t *testing.T) {
	b := queue.NewMemoryBroker()
	h := &recordingHandler{}
	c := NewConsumer(Config{ReconnectDelay: 10 * time.Millisecond}, b, h.handle, Options{
		Reporter: ackAdapter{publisher: queue.NewPublisher(b, queue.DefaultAckQueue, nil)},
	})

	enqueueJSON(t, b, `{"file_path":"/a.wav","meeting_id":"m1"}`, "m1-transcription-5")
	stop := startConsumer(t, c)
	require.Eventually(t, func() bool { return len(b.Messages(queue.DefaultAckQueue)) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	var ack queue.AckMessage
	require.NoError(t, json.Unmarshal(b.Messages(queue.DefaultAckQueue)[0].Body, &ack))
	assert.Equal(t, queue.AckMessage{MeetingID: "m1", TaskID: "m1-transcription-5", TaskType: "transcription", Status: "completed"}, ack)
}

// ackAdapter publishes acks directly, standing in for ack.Reporter.
type ackAdapter struct {
	publisher *queue.Publisher
}

func (a ackAdapter) Completed(ctx context.Context, task queue.ChunkTask) {
	_ = a.publisher.PublishJSON(ctx, queue.NewAck(task, queue.StatusCompleted))
}

func (a ackAdapter) Failed(ctx context.Context, task queue.ChunkTask) {
	_ = a.publisher.PublishJSON(ctx, queue.NewAck(task, queue.StatusFailed))
}
