package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
)

// AMQPConfig configures an AMQPBroker.
type AMQPConfig struct {
	// URL is the amqp:// connection string.
	URL string
	// ConsumerTag identifies this worker's consumers (default: server assigned).
	ConsumerTag string
	// Heartbeat is the connection heartbeat interval (default: 10s).
	Heartbeat time.Duration
	// Prefetch is the per-channel unacked message limit (default: 1).
	Prefetch int
}

// AMQPBroker talks to RabbitMQ. Queues are declared durable with no extra
// arguments so declarations match the orchestrator's.
type AMQPBroker struct {
	cfg AMQPConfig
}

// NewAMQPBroker creates a broker for cfg.
func NewAMQPBroker(cfg AMQPConfig) *AMQPBroker {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &AMQPBroker{cfg: cfg}
}

// Name implements Broker.
func (b *AMQPBroker) Name() string { return "amqp" }

// Connect dials the broker, opens a channel and sets the prefetch limit.
func (b *AMQPBroker) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat:  b.cfg.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &amqpSession{
		conn:        conn,
		ch:          ch,
		closed:      ch.NotifyClose(make(chan *amqp.Error, 1)),
		consumerTag: b.cfg.ConsumerTag,
		consumers:   make(map[string]<-chan amqp.Delivery),
		declared:    make(map[string]bool),
	}, nil
}

type amqpSession struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	closed      <-chan *amqp.Error
	consumerTag string

	mu        sync.Mutex
	consumers map[string]<-chan amqp.Delivery
	declared  map[string]bool
}

func sessionClosed(cause interface{}) error {
	return fmt.Errorf("%w: %v", tferrors.ErrSessionClosed, cause)
}

func (s *amqpSession) Declare(ctx context.Context, queues ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declareLocked(queues...)
}

func (s *amqpSession) declareLocked(queues ...string) error {
	for _, name := range queues {
		if s.declared[name] {
			continue
		}
		if _, err := s.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return sessionClosed(fmt.Sprintf("failed to declare queue %s: %v", name, err))
		}
		s.declared[name] = true
	}
	return nil
}

func (s *amqpSession) consume(queue string) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deliveries, ok := s.consumers[queue]; ok {
		return deliveries, nil
	}
	if err := s.declareLocked(queue); err != nil {
		return nil, err
	}

	tag := s.consumerTag
	if tag != "" {
		tag = tag + "-" + strconv.Itoa(len(s.consumers))
	}
	deliveries, err := s.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, sessionClosed(fmt.Sprintf("failed to consume %s: %v", queue, err))
	}
	s.consumers[queue] = deliveries
	return deliveries, nil
}

func (s *amqpSession) Receive(ctx context.Context, queue string) (*Delivery, error) {
	deliveries, err := s.consume(queue)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case amqpErr := <-s.closed:
		if amqpErr == nil {
			return nil, sessionClosed("channel closed")
		}
		return nil, sessionClosed(amqpErr)
	case d, ok := <-deliveries:
		if !ok {
			return nil, sessionClosed("delivery channel closed")
		}
		return &Delivery{
			ID:            strconv.FormatUint(d.DeliveryTag, 10),
			Queue:         queue,
			Body:          d.Body,
			CorrelationID: d.CorrelationId,
			MessageID:     d.MessageId,
			Redelivered:   d.Redelivered,
			Headers:       map[string]interface{}(d.Headers),
			ReceivedAt:    time.Now(),
			tag:           d.DeliveryTag,
		}, nil
	}
}

func (s *amqpSession) Ack(ctx context.Context, d *Delivery) error {
	if err := s.ch.Ack(d.tag, false); err != nil {
		return sessionClosed(fmt.Sprintf("failed to ack: %v", err))
	}
	return nil
}

func (s *amqpSession) Reject(ctx context.Context, d *Delivery, requeue bool) error {
	if err := s.ch.Nack(d.tag, false, requeue); err != nil {
		return sessionClosed(fmt.Sprintf("failed to reject: %v", err))
	}
	return nil
}

func (s *amqpSession) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	dlq := DeadLetterQueue(d.Queue)
	if err := s.Declare(ctx, dlq); err != nil {
		return err
	}

	headers := make(map[string]interface{}, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderDeathReason] = reason

	if err := s.Publish(ctx, dlq, Publishing{
		Body:          d.Body,
		ContentType:   "application/json",
		CorrelationID: d.CorrelationID,
		MessageID:     d.MessageID,
		Headers:       headers,
	}); err != nil {
		return err
	}
	return s.Reject(ctx, d, false)
}

func (s *amqpSession) Publish(ctx context.Context, queue string, msg Publishing) error {
	if err := s.Declare(ctx, queue); err != nil {
		return err
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	err := s.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Headers:       amqp.Table(msg.Headers),
		Timestamp:     time.Now(),
		Body:          msg.Body,
	})
	if err != nil {
		return sessionClosed(fmt.Sprintf("failed to publish to %s: %v", queue, err))
	}
	return nil
}

func (s *amqpSession) Close() error {
	var firstErr error
	if err := s.ch.Close(); err != nil && err != amqp.ErrClosed {
		firstErr = err
	}
	if err := s.conn.Close(); err != nil && err != amqp.ErrClosed && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ Broker = (*AMQPBroker)(nil)
