package mongostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
)

const (
	embeddingsNS     = DefaultDatabase + "." + EmbeddingsCollection
	transcriptionsNS = DefaultDatabase + "." + TranscriptionsCollection
)

func newStore(mt *mtest.T) *Store {
	return New(mt.Client, DefaultDatabase, logging.NewNopLogger())
}

func TestGetReferences(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("existing set", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, embeddingsNS, mtest.FirstBatch, bson.D{
			{Key: "meeting_id", Value: "m1"},
			{Key: "embeddings", Value: bson.D{
				{Key: "Speaker 1", Value: bson.A{1.0, 0.5}},
				{Key: "SPEAKER_00", Value: bson.A{0.0, 1.0}},
			}},
		}))

		refs, err := s.GetReferences(context.Background(), "m1")
		require.NoError(mt, err)
		assert.Equal(mt, speakers.ReferenceSet{
			"Speaker 1":  {1.0, 0.5},
			"SPEAKER_00": {0.0, 1.0},
		}, refs)
	})

	mt.Run("absent meeting", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, embeddingsNS, mtest.FirstBatch))

		refs, err := s.GetReferences(context.Background(), "m2")
		require.NoError(mt, err)
		assert.Empty(mt, refs)
		assert.NotNil(mt, refs)
	})

	mt.Run("server error", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "boom",
		}))

		_, err := s.GetReferences(context.Background(), "m1")
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "store: get references")
	})
}

func TestPutReferences(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upsert", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := s.PutReferences(context.Background(), "m1", speakers.ReferenceSet{"Speaker 1": {1, 0}})
		require.NoError(mt, err)
	})
}

func TestTranscriptions(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		rec := &store.TranscriptionRecord{MeetingID: "m1", SpeakerID: "Speaker 1", EndSeconds: 3}
		require.NoError(mt, s.InsertTranscription(context.Background(), rec))
		assert.False(mt, rec.CreatedAt.IsZero())
	})

	mt.Run("latest end", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, transcriptionsNS, mtest.FirstBatch, bson.D{
			{Key: "meeting_id", Value: "m1"},
			{Key: "end_seconds", Value: 312.4},
		}))

		latest, err := s.LatestEnd(context.Background(), "m1")
		require.NoError(mt, err)
		assert.Equal(mt, 312.4, latest)
	})

	mt.Run("latest end without records", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, transcriptionsNS, mtest.FirstBatch))

		latest, err := s.LatestEnd(context.Background(), "m1")
		require.NoError(mt, err)
		assert.Equal(mt, 0.0, latest)
	})

	mt.Run("list", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, transcriptionsNS, mtest.FirstBatch,
			bson.D{{Key: "meeting_id", Value: "m1"}, {Key: "speaker_id", Value: "A"}, {Key: "timestamp_start", Value: "0:00:00"}, {Key: "start_seconds", Value: 0.0}},
			bson.D{{Key: "meeting_id", Value: "m1"}, {Key: "speaker_id", Value: "B"}, {Key: "timestamp_start", Value: "0:00:04"}, {Key: "start_seconds", Value: 4.2}},
		))

		recs, err := s.ListTranscriptions(context.Background(), "m1")
		require.NoError(mt, err)
		require.Len(mt, recs, 2)
		assert.Equal(mt, "B", recs[1].SpeakerID)
		assert.Equal(mt, "0:00:04", recs[1].TimestampStart)
	})
}
