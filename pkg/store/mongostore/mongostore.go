// Package mongostore stores reference sets and transcription records in
// MongoDB using the collections the rest of the meeting platform reads:
// "embeddings" (one document per meeting) and "transcriptions".
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
)

const (
	DefaultDatabase          = "database"
	TranscriptionsCollection = "transcriptions"
	EmbeddingsCollection     = "embeddings"
)

// Config for the Mongo backend.
type Config struct {
	URI      string
	Database string
	// ConnectRetries and RetryDelay bound the startup connection loop.
	ConnectRetries int
	RetryDelay     time.Duration
}

type embeddingDoc struct {
	MeetingID  string               `bson:"meeting_id"`
	Embeddings map[string][]float64 `bson:"embeddings"`
	UpdatedAt  time.Time            `bson:"updated_at"`
}

// Store is a store.Store on MongoDB.
type Store struct {
	client         *mongo.Client
	transcriptions *mongo.Collection
	embeddings     *mongo.Collection
	logger         logging.Logger
}

var _ store.Store = (*Store)(nil)

// Connect dials MongoDB, retrying with a fixed delay, and ensures indexes.
func Connect(ctx context.Context, cfg Config, logger logging.Logger) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	logger = logger.With(logging.Component("mongostore"))

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = client.Ping(pingCtx, nil)
			cancel()
			if err == nil {
				s := New(client, cfg.Database, logger)
				if err := s.EnsureIndexes(ctx); err != nil {
					client.Disconnect(ctx)
					return nil, err
				}
				logger.Info("connected to MongoDB", logging.F("database", cfg.Database))
				return s, nil
			}
			client.Disconnect(ctx)
		}
		lastErr = err
		logger.Warn("MongoDB connection failed",
			logging.F("attempt", attempt),
			logging.F("max_attempts", cfg.ConnectRetries),
			logging.Err(err))

		if attempt < cfg.ConnectRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("store: connect to MongoDB after %d attempts: %w", cfg.ConnectRetries, lastErr)
}

// New wraps an already connected client.
func New(client *mongo.Client, database string, logger logging.Logger) *Store {
	db := client.Database(database)
	return &Store{
		client:         client,
		transcriptions: db.Collection(TranscriptionsCollection),
		embeddings:     db.Collection(EmbeddingsCollection),
		logger:         logger,
	}
}

// EnsureIndexes creates the lookup indexes used by the worker.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.embeddings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "meeting_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("store: create embeddings index: %w", err)
	}
	_, err = s.transcriptions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "meeting_id", Value: 1}, {Key: "end_seconds", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("store: create transcriptions index: %w", err)
	}
	return nil
}

func (s *Store) GetReferences(ctx context.Context, meetingID string) (speakers.ReferenceSet, error) {
	var doc embeddingDoc
	err := s.embeddings.FindOne(ctx, bson.M{"meeting_id": meetingID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return speakers.ReferenceSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get references for %s: %w", meetingID, err)
	}
	if doc.Embeddings == nil {
		return speakers.ReferenceSet{}, nil
	}
	return speakers.ReferenceSet(doc.Embeddings), nil
}

func (s *Store) PutReferences(ctx context.Context, meetingID string, refs speakers.ReferenceSet) error {
	update := bson.M{"$set": embeddingDoc{
		MeetingID:  meetingID,
		Embeddings: map[string][]float64(refs),
		UpdatedAt:  time.Now().UTC(),
	}}
	_, err := s.embeddings.UpdateOne(ctx, bson.M{"meeting_id": meetingID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: put references for %s: %w", meetingID, err)
	}
	return nil
}

func (s *Store) InsertTranscription(ctx context.Context, rec *store.TranscriptionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.transcriptions.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("store: insert transcription for %s: %w", rec.MeetingID, err)
	}
	return nil
}

func (s *Store) LatestEnd(ctx context.Context, meetingID string) (float64, error) {
	var rec store.TranscriptionRecord
	opts := options.FindOne().SetSort(bson.D{{Key: "end_seconds", Value: -1}})
	err := s.transcriptions.FindOne(ctx, bson.M{"meeting_id": meetingID}, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: latest end for %s: %w", meetingID, err)
	}
	return rec.EndSeconds, nil
}

func (s *Store) ListTranscriptions(ctx context.Context, meetingID string) ([]store.TranscriptionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_seconds", Value: 1}})
	cur, err := s.transcriptions.Find(ctx, bson.M{"meeting_id": meetingID}, opts)
	if err != nil {
		return nil, fmt.Errorf("store: list transcriptions for %s: %w", meetingID, err)
	}
	var out []store.TranscriptionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: decode transcriptions for %s: %w", meetingID, err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("store: ping MongoDB: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
