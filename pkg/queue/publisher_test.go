package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
)

func TestPublisher_PublishJSON(t *testing.T) {
	b := NewMemoryBroker()
	p := NewPublisher(b, DefaultAckQueue, logging.NewNopLogger())
	defer p.Close()

	ack := AckMessage{MeetingID: "m1", TaskID: "t1", TaskType: TaskTypeTranscription, Status: StatusFailed}
	require.NoError(t, p.PublishJSON(context.Background(), ack))
	require.NoError(t, p.PublishJSON(context.Background(), ack))

	msgs := b.Messages(DefaultAckQueue)
	require.Len(t, msgs, 2)
	var got AckMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &got))
	assert.Equal(t, ack, got)
	assert.Equal(t, "application/json", msgs[0].ContentType)
	assert.Equal(t, 1, b.Connects(), "session should be reused")
}

func TestPublisher_ReconnectsAfterFailure(t *testing.T) {
	b := NewMemoryBroker()
	p := NewPublisher(b, "q", nil)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, Publishing{Body: []byte("1")}))
	b.Break()
	assert.Error(t, p.Publish(ctx, Publishing{Body: []byte("2")}))
	require.NoError(t, p.Publish(ctx, Publishing{Body: []byte("3")}))

	msgs := b.Messages("q")
	require.Len(t, msgs, 2)
	assert.Equal(t, "3", string(msgs[1].Body))
	assert.Equal(t, 2, b.Connects())
}

func TestPublisher_ConnectError(t *testing.T) {
	b := NewMemoryBroker()
	b.FailConnects(errors.New("refused"))
	p := NewPublisher(b, "q", nil)

	err := p.Publish(context.Background(), Publishing{Body: []byte("1")})
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}

func TestLogWriter_WriteBatch(t *testing.T) {
	b := NewMemoryBroker()
	w := NewLogWriter(NewPublisher(b, DefaultLogQueue, nil))

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err := w.WriteBatch(context.Background(), []logging.LogEntry{
		{Timestamp: ts, Level: "info", Service: "transcription-service", Message: "task completed",
			Fields: map[string]string{"meeting_id": "m1"}, Caller: "consumer.go:10"},
		{Timestamp: ts, Level: "error", Service: "transcription-service", Message: "task failed"},
	})
	require.NoError(t, err)

	msgs := b.Messages(DefaultLogQueue)
	require.Len(t, msgs, 2)

	var first LogMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &first))
	assert.Equal(t, "2024-03-01T10:00:00Z", first.Timestamp)
	assert.Equal(t, "INFO", first.Level)
	assert.Equal(t, "transcription-service", first.Service)
	assert.Equal(t, "m1", first.Details["meeting_id"])
	assert.Equal(t, "consumer.go:10", first.Details["caller"])

	var second LogMessage
	require.NoError(t, json.Unmarshal(msgs[1].Body, &second))
	assert.Equal(t, "ERROR", second.Level)
}
