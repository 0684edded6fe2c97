package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
)

// Publisher sends messages to a single queue over a lazily opened session.
// A failed publish drops the session; the next call connects again.
type Publisher struct {
	broker Broker
	queue  string
	logger logging.Logger

	mu      sync.Mutex
	session Session
}

// NewPublisher creates a publisher for queue.
func NewPublisher(broker Broker, queue string, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Publisher{
		broker: broker,
		queue:  queue,
		logger: logger.With(logging.Component("publisher"), logging.F("queue", queue)),
	}
}

// Queue returns the target queue name.
func (p *Publisher) Queue() string { return p.queue }

// Publish sends msg, connecting first if needed.
func (p *Publisher) Publish(ctx context.Context, msg Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		session, err := p.broker.Connect(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect publisher: %w", err)
		}
		if err := session.Declare(ctx, p.queue); err != nil {
			session.Close()
			return err
		}
		p.session = session
		p.logger.Debug("publisher connected", logging.F("broker", p.broker.Name()))
	}

	if err := p.session.Publish(ctx, p.queue, msg); err != nil {
		p.session.Close()
		p.session = nil
		return err
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, v interface{}) error {
	msg, err := JSON(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

// Close releases the session if one is open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	return err
}

// LogWriter ships log batches to the central logger service as LogMessages.
// It implements logging.LogWriter.
type LogWriter struct {
	publisher *Publisher
}

// NewLogWriter wraps a publisher targeting the log queue.
func NewLogWriter(publisher *Publisher) *LogWriter {
	return &LogWriter{publisher: publisher}
}

// WriteBatch publishes one LogMessage per entry and stops at the first error.
func (w *LogWriter) WriteBatch(ctx context.Context, entries []logging.LogEntry) error {
	for _, e := range entries {
		if err := w.publisher.PublishJSON(ctx, ToLogMessage(e)); err != nil {
			return err
		}
	}
	return nil
}

// ToLogMessage converts a log entry into the logger service's format.
func ToLogMessage(e logging.LogEntry) LogMessage {
	details := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		details[k] = v
	}
	if e.Caller != "" {
		details["caller"] = e.Caller
	}
	return LogMessage{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Service:   e.Service,
		Level:     strings.ToUpper(e.Level),
		Message:   e.Message,
		Details:   details,
	}
}

var _ logging.LogWriter = (*LogWriter)(nil)
