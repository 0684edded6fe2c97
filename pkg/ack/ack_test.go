package ack

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJSON(ctx context.Context, v interface{}) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func TestReporter_PublishesToAckQueue(t *testing.T) {
	broker := queue.NewMemoryBroker()
	r := NewReporter(queue.NewPublisher(broker, queue.DefaultAckQueue, nil), 0, nil, nil)
	task := queue.ChunkTask{FilePath: "/a.wav", MeetingID: "m1", TaskID: "m1-transcription-7"}

	r.Completed(context.Background(), task)
	r.Failed(context.Background(), task)

	msgs := broker.Messages(queue.DefaultAckQueue)
	require.Len(t, msgs, 2)

	var first, second queue.AckMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &first))
	require.NoError(t, json.Unmarshal(msgs[1].Body, &second))
	assert.Equal(t, queue.AckMessage{MeetingID: "m1", TaskID: "m1-transcription-7", TaskType: "transcription", Status: "completed"}, first)
	assert.Equal(t, "failed", second.Status)
}

func TestReporter_SwallowsPublishErrors(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishJSON", mock.Anything, mock.AnythingOfType("queue.AckMessage")).Return(errors.New("broker down"))

	r := NewReporter(pub, 0, nil, nil)
	assert.NotPanics(t, func() {
		r.Failed(context.Background(), queue.ChunkTask{MeetingID: "m1", TaskID: "t1"})
	})
	pub.AssertExpectations(t)
}

func TestReporter_ReportsAfterCancellation(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishJSON", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewReporter(pub, 0, nil, nil).Completed(ctx, queue.ChunkTask{MeetingID: "m1", TaskID: "t1"})
	pub.AssertNumberOfCalls(t, "PublishJSON", 1)
}
