// Package worker runs the task consumer: it receives transcription tasks one
// at a time, hands them to the pipeline and settles each delivery with an
// ack or a dead-lettering reject.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/observability"
	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
)

// State is the consumer's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateAwaitingTask State = "awaiting_task"
	StateProcessing   State = "processing"
	StateStopped      State = "stopped"
)

// States lists every state, for metrics.
var States = []string{
	string(StateDisconnected),
	string(StateConnected),
	string(StateAwaitingTask),
	string(StateProcessing),
	string(StateStopped),
}

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// Handler processes one decoded task.
type Handler func(ctx context.Context, task queue.ChunkTask) error

// Reporter tells the orchestrator how a task ended.
type Reporter interface {
	Completed(ctx context.Context, task queue.ChunkTask)
	Failed(ctx context.Context, task queue.ChunkTask)
}

// MeetingLocker serializes tasks of one meeting across workers.
type MeetingLocker interface {
	Lock(ctx context.Context, meetingID string) (unlock func(context.Context) error, err error)
}

// Config configures a Consumer.
type Config struct {
	// Queue is the task queue to consume.
	Queue string
	// ReconnectDelay is the wait before reconnecting (default: 5s).
	ReconnectDelay time.Duration
	// TaskTimeout bounds one task. Zero means no limit.
	TaskTimeout time.Duration
}

// Options carries the consumer's optional collaborators.
type Options struct {
	Reporter Reporter
	Locker   MeetingLocker
	Metrics  *observability.WorkerMetrics
	Logger   logging.Logger
}

// Stats is a snapshot of consumer counters.
type Stats struct {
	State        State
	Processed    int64
	Failed       int64
	Malformed    int64
	Reconnects   int64
	LastActivity time.Time
}

// Consumer receives and settles tasks.
type Consumer struct {
	cfg      Config
	broker   queue.Broker
	handler  Handler
	reporter Reporter
	locker   MeetingLocker
	metrics  *observability.WorkerMetrics
	logger   logging.Logger

	mu           sync.RWMutex
	state        State
	lastActivity time.Time

	processed  atomic.Int64
	failed     atomic.Int64
	malformed  atomic.Int64
	reconnects atomic.Int64
}

// NewConsumer creates a consumer.
func NewConsumer(cfg Config, broker queue.Broker, handler Handler, opts Options) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = queue.DefaultTaskQueue
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	c := &Consumer{
		cfg:      cfg,
		broker:   broker,
		handler:  handler,
		reporter: reporter,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		logger:   logger.With(logging.Component("consumer"), logging.F("queue", cfg.Queue)),
	}
	c.setState(StateDisconnected)
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Healthy reports whether the consumer holds a live session.
func (c *Consumer) Healthy() bool {
	switch c.State() {
	case StateConnected, StateAwaitingTask, StateProcessing:
		return true
	}
	return false
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		State:        c.state,
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Malformed:    c.malformed.Load(),
		Reconnects:   c.reconnects.Load(),
		LastActivity: c.lastActivity,
	}
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateProcessing {
		c.lastActivity = time.Now()
	}
	c.mu.Unlock()
	c.metrics.SetConsumerState(string(s), States)
}

// Run consumes until ctx is cancelled. Connection failures never end Run:
// the session is dropped and the whole connect sequence is retried after
// ReconnectDelay, without limit.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		session, err := c.connect(ctx)
		if err == nil {
			err = c.consume(ctx, session)
			session.Close()
			c.setState(StateDisconnected)
		}
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		c.reconnects.Add(1)
		c.metrics.RecordReconnect(c.broker.Name())
		c.logger.Warn("broker connection lost, reconnecting",
			logging.F("delay", c.cfg.ReconnectDelay),
			logging.Err(err))

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) connect(ctx context.Context) (queue.Session, error) {
	session, err := c.broker.Connect(ctx)
	if err != nil {
		return nil, tferrors.Infra("connect", err)
	}
	if err := session.Declare(ctx, c.cfg.Queue, queue.DeadLetterQueue(c.cfg.Queue)); err != nil {
		session.Close()
		return nil, tferrors.Infra("declare", err)
	}
	c.setState(StateConnected)
	c.logger.Info("connected to broker", logging.F("broker", c.broker.Name()))
	return session, nil
}

// consume runs the receive loop until the session fails or ctx ends.
func (c *Consumer) consume(ctx context.Context, session queue.Session) error {
	for {
		c.setState(StateAwaitingTask)
		d, err := session.Receive(ctx, c.cfg.Queue)
		if err != nil {
			return tferrors.Infra("receive", err)
		}
		if err := c.handle(ctx, session, d); err != nil {
			return err
		}
	}
}

// handle processes and settles one delivery. A returned error means the
// session can no longer be used.
func (c *Consumer) handle(ctx context.Context, session queue.Session, d *queue.Delivery) error {
	started := time.Now()
	c.setState(StateProcessing)
	c.metrics.SetInFlight(1)
	defer c.metrics.SetInFlight(0)

	settleCtx := context.WithoutCancel(ctx)

	task, err := queue.DecodeChunkTask(d)
	if err != nil {
		pe := tferrors.Malformed(err.Error(), err)
		c.logger.Warn("rejecting malformed task",
			logging.F("delivery_id", d.ID),
			logging.F("correlation_id", d.CorrelationID),
			logging.Err(err))
		return c.deadLetter(settleCtx, session, d, pe, started)
	}

	taskCtx := logging.ContextWithTask(ctx, task.MeetingID, task.TaskID)
	log := c.logger.WithContext(taskCtx)
	log.Info("task received",
		logging.F("file_path", task.FilePath),
		logging.F("redelivered", d.Redelivered))

	procErr := c.process(taskCtx, task)
	if procErr != nil && ctx.Err() != nil {
		// Shutting down: leave the delivery unsettled so the broker hands it
		// to another worker.
		log.Warn("task interrupted by shutdown", logging.Err(procErr))
		return ctx.Err()
	}

	if procErr == nil {
		if err := session.Ack(settleCtx, d); err != nil {
			return tferrors.Infra("ack", err)
		}
		c.processed.Add(1)
		c.metrics.RecordTask(observability.OutcomeCompleted, time.Since(started).Seconds())
		c.reporter.Completed(settleCtx, task)
		log.Info("task completed", logging.F("duration", time.Since(started)))
		return nil
	}

	pe := tferrors.ClassifyError(procErr, "")
	log.Error("task failed",
		logging.F("kind", string(pe.Kind)),
		logging.F("code", string(pe.Code)),
		logging.F("stage", pe.Stage),
		logging.Err(procErr))
	if err := c.deadLetter(settleCtx, session, d, pe, started); err != nil {
		return err
	}
	if pe.Kind != tferrors.KindMalformedTask {
		c.reporter.Failed(settleCtx, task)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, session queue.Session, d *queue.Delivery, pe *tferrors.PipelineError, started time.Time) error {
	reason := fmt.Sprintf("%s: %s", pe.Code, pe.Message)
	if err := session.DeadLetter(ctx, d, reason); err != nil {
		return tferrors.Infra("dead_letter", err)
	}
	c.metrics.RecordDeadLetter(string(pe.Code))

	outcome := observability.OutcomeFailed
	if pe.Kind == tferrors.KindMalformedTask {
		outcome = observability.OutcomeMalformed
		c.malformed.Add(1)
	} else {
		c.failed.Add(1)
	}
	c.metrics.RecordTask(outcome, time.Since(started).Seconds())
	return nil
}

// process applies the watchdog and meeting lock around the handler.
func (c *Consumer) process(ctx context.Context, task queue.ChunkTask) error {
	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, task.MeetingID)
		if err != nil {
			return tferrors.ClassifyError(fmt.Errorf("meeting lock: %w", err), "lock")
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				c.logger.WithContext(ctx).Warn("failed to release meeting lock", logging.Err(err))
			}
		}()
	}

	return c.handler(ctx, task)
}

type nopReporter struct{}

func (nopReporter) Completed(ctx context.Context, task queue.ChunkTask) {}
func (nopReporter) Failed(ctx context.Context, task queue.ChunkTask)    {}
