// Package queue carries transcription tasks, orchestrator acknowledgements and
// log messages between the worker and the rest of the meeting pipeline.
//
// A Broker opens Sessions. A Session receives one Delivery at a time and
// settles it with Ack, Reject or DeadLetter. Two brokers are provided: AMQP
// (the production transport shared with the orchestrator) and a Redis
// sorted-set queue. MemoryBroker backs tests and local dry runs.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Queue names shared with the orchestrator and the logger service.
const (
	DefaultTaskQueue = "transcription_queue"
	DefaultAckQueue  = "orchestrator_ack_queue"
	DefaultLogQueue  = "logs_queue"

	// DeadLetterSuffix is appended to a queue name to form its dead-letter queue.
	DeadLetterSuffix = ".dead"

	// HeaderDeathReason carries the dead-letter reason on the copied message.
	HeaderDeathReason = "x-death-reason"
)

// TaskTypeTranscription identifies this worker in ack messages.
const TaskTypeTranscription = "transcription"

// Ack statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Queue errors.
var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageNotFound = errors.New("message not found")
	ErrQueueEmpty      = errors.New("queue is empty")
)

// DeadLetterQueue returns the dead-letter queue name for queue.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// ChunkTask asks the worker to transcribe one audio chunk of a meeting.
type ChunkTask struct {
	FilePath  string `json:"file_path"`
	MeetingID string `json:"meeting_id"`
	TaskID    string `json:"task_id,omitempty"`
}

// NewTaskID builds a task id in the orchestrator's format.
func NewTaskID(meetingID string, now time.Time) string {
	return fmt.Sprintf("%s-transcription-%d", meetingID, now.UnixNano())
}

// DecodeChunkTask parses a delivery body. The task id falls back to the
// delivery's correlation id when the body does not carry one. Errors wrap
// ErrInvalidMessage.
func DecodeChunkTask(d *Delivery) (ChunkTask, error) {
	var task ChunkTask
	if d == nil {
		return task, fmt.Errorf("%w: nil delivery", ErrInvalidMessage)
	}
	if err := json.Unmarshal(d.Body, &task); err != nil {
		return task, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := task.Validate(); err != nil {
		return task, err
	}
	if task.TaskID == "" {
		task.TaskID = d.CorrelationID
	}
	return task, nil
}

// Validate checks the fields every task must carry.
func (t ChunkTask) Validate() error {
	var missing []string
	if strings.TrimSpace(t.FilePath) == "" {
		missing = append(missing, "file_path")
	}
	if strings.TrimSpace(t.MeetingID) == "" {
		missing = append(missing, "meeting_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}

// AckMessage reports a task outcome to the orchestrator.
type AckMessage struct {
	MeetingID string `json:"meeting_id"`
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	Status    string `json:"status"`
}

// NewAck builds a transcription ack for task.
func NewAck(task ChunkTask, status string) AckMessage {
	return AckMessage{
		MeetingID: task.MeetingID,
		TaskID:    task.TaskID,
		TaskType:  TaskTypeTranscription,
		Status:    status,
	}
}

// LogMessage is the document the central logger service stores.
type LogMessage struct {
	Timestamp string                 `json:"timestamp"`
	Service   string                 `json:"service"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
}

// Publishing is an outgoing message.
type Publishing struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	MessageID     string
	Headers       map[string]interface{}
}

// JSON marshals v into a persistent JSON publishing.
func JSON(v interface{}) (Publishing, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return Publishing{Body: body, ContentType: "application/json"}, nil
}

// Delivery is a received message awaiting settlement.
type Delivery struct {
	// ID is the broker's handle for the message.
	ID            string
	Queue         string
	Body          []byte
	CorrelationID string
	MessageID     string
	Redelivered   bool
	Headers       map[string]interface{}
	ReceivedAt    time.Time

	tag uint64
}
