package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // Pending messages (sorted set by enqueue time)
	keyPrefixProcessing = "processing:" // Messages being processed (score = visibility deadline)
	keyPrefixMessage    = "msg:"        // Message data
)

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	// VisibilityTimeout is how long a received message stays hidden before
	// it is handed out again (default: 10m).
	VisibilityTimeout time.Duration
	// RetentionPeriod bounds how long message data is kept (default: 7 days).
	RetentionPeriod time.Duration
	// PollInterval is the wait between empty polls (default: 100ms).
	PollInterval time.Duration
}

// RedisBroker implements Broker with Redis sorted sets. Messages that are
// received but never settled become visible again after the visibility
// timeout.
type RedisBroker struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(client *redis.Client, config RedisConfig) *RedisBroker {
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 10 * time.Minute
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = 7 * 24 * time.Hour
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	return &RedisBroker{client: client, config: config}
}

// Name implements Broker.
func (b *RedisBroker) Name() string { return "redis" }

// Connect pings Redis and returns a session sharing the broker's client.
func (b *RedisBroker) Connect(ctx context.Context) (Session, error) {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &redisSession{broker: b, lastRecovery: make(map[string]time.Time)}, nil
}

// queuedMessage is the stored form of a message.
type queuedMessage struct {
	ID            string                 `json:"id"`
	Body          []byte                 `json:"body"`
	ContentType   string                 `json:"content_type,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	MessageID     string                 `json:"message_id,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	EnqueuedAt    time.Time              `json:"enqueued_at"`
	VisibleAfter  time.Time              `json:"visible_after,omitempty"`
}

func messageKey(queue, id string) string {
	return keyPrefixMessage + queue + ":" + id
}

// Enqueue adds msg to queue.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, msg Publishing) error {
	now := time.Now()
	qm := &queuedMessage{
		ID:            uuid.New().String(),
		Body:          msg.Body,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		MessageID:     msg.MessageID,
		Headers:       msg.Headers,
		EnqueuedAt:    now,
	}
	qmBytes, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("failed to marshal queued message: %w", err)
	}

	// Store message data and add to sorted set in a transaction
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, messageKey(queue, qm.ID), qmBytes, b.config.RetentionPeriod)
	pipe.ZAdd(ctx, keyPrefixQueue+queue, redis.Z{Score: float64(now.UnixNano()), Member: qm.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// dequeue pops the oldest message and moves it to the processing set.
// It returns ErrQueueEmpty when nothing is pending.
func (b *RedisBroker) dequeue(ctx context.Context, queue string) (*queuedMessage, error) {
	for {
		result, err := b.client.ZPopMin(ctx, keyPrefixQueue+queue, 1).Result()
		if err == redis.Nil || (err == nil && len(result) == 0) {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from queue: %w", err)
		}

		messageID := result[0].Member.(string)
		msgKey := messageKey(queue, messageID)

		data, err := b.client.Get(ctx, msgKey).Bytes()
		if err == redis.Nil {
			// Message expired, skip
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get message data: %w", err)
		}

		var qm queuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}

		qm.VisibleAfter = time.Now().Add(b.config.VisibilityTimeout)
		updated, _ := json.Marshal(qm)

		pipe := b.client.TxPipeline()
		pipe.Set(ctx, msgKey, updated, b.config.RetentionPeriod)
		pipe.ZAdd(ctx, keyPrefixProcessing+queue, redis.Z{
			Score:  float64(qm.VisibleAfter.UnixNano()),
			Member: messageID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to move to processing: %w", err)
		}
		return &qm, nil
	}
}

// RecoverStaleMessages returns messages whose visibility timeout expired to
// the pending set and reports how many were recovered.
func (b *RedisBroker) RecoverStaleMessages(ctx context.Context, queue string) (int, error) {
	processingKey := keyPrefixProcessing + queue

	now := float64(time.Now().UnixNano())
	stale, err := b.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale messages: %w", err)
	}

	recovered := 0
	for _, messageID := range stale {
		msgKey := messageKey(queue, messageID)

		data, err := b.client.Get(ctx, msgKey).Bytes()
		if err == redis.Nil {
			b.client.ZRem(ctx, processingKey, messageID)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to get message: %w", err)
		}

		var qm queuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			b.client.ZRem(ctx, processingKey, messageID)
			continue
		}
		qm.RetryCount++
		updated, _ := json.Marshal(qm)

		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, processingKey, messageID)
		pipe.Set(ctx, msgKey, updated, b.config.RetentionPeriod)
		pipe.ZAdd(ctx, keyPrefixQueue+queue, redis.Z{Score: float64(qm.EnqueuedAt.UnixNano()), Member: messageID})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("failed to requeue stale message: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

type redisSession struct {
	broker *RedisBroker

	mu           sync.Mutex
	closed       bool
	lastRecovery map[string]time.Time
}

func (s *redisSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tferrors.ErrSessionClosed
	}
	return nil
}

func redisFailure(err error) error {
	return fmt.Errorf("%w: %v", tferrors.ErrSessionClosed, err)
}

// Declare is a no-op; Redis keys are created on first write.
func (s *redisSession) Declare(ctx context.Context, queues ...string) error {
	return s.check()
}

func (s *redisSession) recoverIfDue(ctx context.Context, queue string) error {
	s.mu.Lock()
	last := s.lastRecovery[queue]
	due := time.Since(last) >= s.broker.config.VisibilityTimeout/2
	if due {
		s.lastRecovery[queue] = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return nil
	}
	_, err := s.broker.RecoverStaleMessages(ctx, queue)
	return err
}

func (s *redisSession) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		if err := s.check(); err != nil {
			return nil, err
		}
		if err := s.recoverIfDue(ctx, queue); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, redisFailure(err)
		}

		qm, err := s.broker.dequeue(ctx, queue)
		if err == nil {
			return &Delivery{
				ID:            qm.ID,
				Queue:         queue,
				Body:          qm.Body,
				CorrelationID: qm.CorrelationID,
				MessageID:     qm.MessageID,
				Redelivered:   qm.RetryCount > 0,
				Headers:       qm.Headers,
				ReceivedAt:    time.Now(),
			}, nil
		}
		if err != ErrQueueEmpty {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, redisFailure(err)
		}

		// Queue is empty, wait a bit and retry
		select {
		case <-time.After(s.broker.config.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *redisSession) Ack(ctx context.Context, d *Delivery) error {
	pipe := s.broker.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+d.Queue, d.ID)
	pipe.Del(ctx, messageKey(d.Queue, d.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return redisFailure(fmt.Errorf("failed to ack message: %w", err))
	}
	return nil
}

func (s *redisSession) Reject(ctx context.Context, d *Delivery, requeue bool) error {
	pipe := s.broker.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+d.Queue, d.ID)
	if requeue {
		pipe.ZAdd(ctx, keyPrefixQueue+d.Queue, redis.Z{Score: float64(time.Now().UnixNano()), Member: d.ID})
	} else {
		pipe.Del(ctx, messageKey(d.Queue, d.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return redisFailure(fmt.Errorf("failed to reject message: %w", err))
	}
	return nil
}

func (s *redisSession) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	headers := make(map[string]interface{}, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderDeathReason] = reason

	err := s.broker.Enqueue(ctx, DeadLetterQueue(d.Queue), Publishing{
		Body:          d.Body,
		ContentType:   "application/json",
		CorrelationID: d.CorrelationID,
		MessageID:     d.MessageID,
		Headers:       headers,
	})
	if err != nil {
		return redisFailure(fmt.Errorf("failed to move to DLQ: %w", err))
	}
	return s.Reject(ctx, d, false)
}

func (s *redisSession) Publish(ctx context.Context, queue string, msg Publishing) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.broker.Enqueue(ctx, queue, msg); err != nil {
		return redisFailure(err)
	}
	return nil
}

// Close marks the session closed. The underlying client belongs to the broker.
func (s *redisSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Broker = (*RedisBroker)(nil)
