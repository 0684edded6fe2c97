package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
)

// MemoryBroker is an in-process Broker. Messages live in per-queue FIFO
// slices; a received message stays in flight until it is settled.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string][]*memoryMessage
	inflight map[string]*memoryMessage
	signal   chan struct{}
	nextID   int
	sessions []*memorySession

	connectErrs []error
	connects    int
	stats       MemoryStats
}

// MemoryStats counts settlements made through a MemoryBroker.
type MemoryStats struct {
	Acked        int
	Rejected     int
	Requeued     int
	DeadLettered int
}

type memoryMessage struct {
	id          string
	queue       string
	msg         Publishing
	redelivered bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string][]*memoryMessage),
		inflight: make(map[string]*memoryMessage),
		signal:   make(chan struct{}),
	}
}

// Name implements Broker.
func (b *MemoryBroker) Name() string { return "memory" }

// FailConnects makes the next len(errs) Connect calls return errs in order.
func (b *MemoryBroker) FailConnects(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrs = append(b.connectErrs, errs...)
}

// Connects reports how many Connect calls were made.
func (b *MemoryBroker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Break fails every open session. Their in-flight messages return to the
// front of their queues marked as redelivered.
func (b *MemoryBroker) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.broken = true
	}
	b.sessions = nil
	for id, m := range b.inflight {
		m.redelivered = true
		b.queues[m.queue] = append([]*memoryMessage{m}, b.queues[m.queue]...)
		delete(b.inflight, id)
	}
	b.wakeLocked()
}

// Connect implements Broker.
func (b *MemoryBroker) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		return nil, err
	}
	s := &memorySession{broker: b}
	b.sessions = append(b.sessions, s)
	return s, nil
}

// Enqueue adds msg to queue.
func (b *MemoryBroker) Enqueue(queue string, msg Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(queue, msg)
}

func (b *MemoryBroker) enqueueLocked(queue string, msg Publishing) {
	b.nextID++
	b.queues[queue] = append(b.queues[queue], &memoryMessage{
		id:    strconv.Itoa(b.nextID),
		queue: queue,
		msg:   msg,
	})
	b.wakeLocked()
}

func (b *MemoryBroker) wakeLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Messages returns the pending messages of queue in order.
func (b *MemoryBroker) Messages(queue string) []Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Publishing, 0, len(b.queues[queue]))
	for _, m := range b.queues[queue] {
		out = append(out, m.msg)
	}
	return out
}

// Stats returns the settlement counters.
func (b *MemoryBroker) Stats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

type memorySession struct {
	broker *MemoryBroker
	broken bool
	closed bool
}

func (s *memorySession) checkLocked() error {
	if s.closed {
		return fmt.Errorf("%w: session closed", tferrors.ErrSessionClosed)
	}
	if s.broken {
		return fmt.Errorf("%w: connection lost", tferrors.ErrSessionClosed)
	}
	return nil
}

func (s *memorySession) Declare(ctx context.Context, queues ...string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.checkLocked()
}

func (s *memorySession) Receive(ctx context.Context, queue string) (*Delivery, error) {
	b := s.broker
	for {
		b.mu.Lock()
		if err := s.checkLocked(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if pending := b.queues[queue]; len(pending) > 0 {
			m := pending[0]
			b.queues[queue] = pending[1:]
			b.inflight[m.id] = m
			b.mu.Unlock()
			return &Delivery{
				ID:            m.id,
				Queue:         queue,
				Body:          m.msg.Body,
				CorrelationID: m.msg.CorrelationID,
				MessageID:     m.msg.MessageID,
				Redelivered:   m.redelivered,
				Headers:       m.msg.Headers,
				ReceivedAt:    time.Now(),
			}, nil
		}
		wait := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memorySession) settle(d *Delivery) (*memoryMessage, error) {
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	m, ok := s.broker.inflight[d.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, d.ID)
	}
	delete(s.broker.inflight, d.ID)
	return m, nil
}

func (s *memorySession) Ack(ctx context.Context, d *Delivery) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if _, err := s.settle(d); err != nil {
		return err
	}
	s.broker.stats.Acked++
	return nil
}

func (s *memorySession) Reject(ctx context.Context, d *Delivery, requeue bool) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	m, err := s.settle(d)
	if err != nil {
		return err
	}
	s.broker.stats.Rejected++
	if requeue {
		s.broker.stats.Requeued++
		m.redelivered = true
		s.broker.queues[m.queue] = append([]*memoryMessage{m}, s.broker.queues[m.queue]...)
		s.broker.wakeLocked()
	}
	return nil
}

func (s *memorySession) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	m, err := s.settle(d)
	if err != nil {
		return err
	}

	headers := make(map[string]interface{}, len(m.msg.Headers)+1)
	for k, v := range m.msg.Headers {
		headers[k] = v
	}
	headers[HeaderDeathReason] = reason
	copied := m.msg
	copied.Headers = headers

	s.broker.enqueueLocked(DeadLetterQueue(m.queue), copied)
	s.broker.stats.Rejected++
	s.broker.stats.DeadLettered++
	return nil
}

func (s *memorySession) Publish(ctx context.Context, queue string, msg Publishing) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	s.broker.enqueueLocked(queue, msg)
	return nil
}

func (s *memorySession) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closed = true
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
