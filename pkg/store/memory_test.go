package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
)

func TestMemory_References(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	refs, err := s.GetReferences(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.NotNil(t, refs)

	put := speakers.ReferenceSet{"Speaker 1": {1, 0}}
	require.NoError(t, s.PutReferences(ctx, "m1", put))
	put["Speaker 1"][0] = 42

	got, err := s.GetReferences(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, speakers.ReferenceSet{"Speaker 1": {1, 0}}, got)

	got["Speaker 1"][0] = 7
	again, _ := s.GetReferences(ctx, "m1")
	assert.Equal(t, 1.0, again["Speaker 1"][0], "returned sets are copies")

	other, _ := s.GetReferences(ctx, "m2")
	assert.Empty(t, other)
}

func TestMemory_Transcriptions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	latest, err := s.LatestEnd(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, latest)

	require.NoError(t, s.InsertTranscription(ctx, &TranscriptionRecord{MeetingID: "m1", StartSeconds: 4, EndSeconds: 9.5}))
	require.NoError(t, s.InsertTranscription(ctx, &TranscriptionRecord{MeetingID: "m1", StartSeconds: 0, EndSeconds: 4}))
	require.NoError(t, s.InsertTranscription(ctx, &TranscriptionRecord{MeetingID: "m2", StartSeconds: 0, EndSeconds: 100}))

	latest, err = s.LatestEnd(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 9.5, latest)

	recs, err := s.ListTranscriptions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 0.0, recs[0].StartSeconds)
	assert.Equal(t, 4.0, recs[1].StartSeconds)
	assert.False(t, recs[0].CreatedAt.IsZero())
}
