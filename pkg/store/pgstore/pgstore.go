// Package pgstore is the PostgreSQL store backend. The schema ships with the
// package and is applied with pkg/db migrations.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/penf-transcribe/pkg/db"
	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsDir is the directory inside Migrations holding the .sql files.
const MigrationsDir = "migrations"

// Migrations returns the embedded schema files.
func Migrations() embed.FS {
	return migrationsFS
}

// Store is a store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps a connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for metrics registration.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) (*db.MigrationResult, error) {
	return db.RunMigrations(ctx, s.pool, migrationsFS, MigrationsDir)
}

func (s *Store) GetReferences(ctx context.Context, meetingID string) (speakers.ReferenceSet, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT embeddings FROM speaker_references WHERE meeting_id = $1`, meetingID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return speakers.ReferenceSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get references for %s: %w", meetingID, err)
	}
	return decodeReferences(raw)
}

func decodeReferences(raw []byte) (speakers.ReferenceSet, error) {
	refs := speakers.ReferenceSet{}
	if len(raw) == 0 {
		return refs, nil
	}
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("store: decode references: %w", err)
	}
	return refs, nil
}

func (s *Store) PutReferences(ctx context.Context, meetingID string, refs speakers.ReferenceSet) error {
	raw, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("store: encode references: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO speaker_references (meeting_id, embeddings, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (meeting_id)
		DO UPDATE SET embeddings = EXCLUDED.embeddings, updated_at = NOW()`,
		meetingID, raw)
	if err != nil {
		return fmt.Errorf("store: put references for %s: %w", meetingID, err)
	}
	return nil
}

func (s *Store) InsertTranscription(ctx context.Context, rec *store.TranscriptionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcriptions
			(meeting_id, speaker_id, transcription, timestamp_start, timestamp_end,
			 start_seconds, end_seconds, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.MeetingID, rec.SpeakerID, rec.Transcription, rec.TimestampStart, rec.TimestampEnd,
		rec.StartSeconds, rec.EndSeconds, rec.TaskID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert transcription for %s: %w", rec.MeetingID, err)
	}
	return nil
}

func (s *Store) LatestEnd(ctx context.Context, meetingID string) (float64, error) {
	var latest float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(end_seconds), 0) FROM transcriptions WHERE meeting_id = $1`, meetingID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("store: latest end for %s: %w", meetingID, err)
	}
	return latest, nil
}

func (s *Store) ListTranscriptions(ctx context.Context, meetingID string) ([]store.TranscriptionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT meeting_id, speaker_id, transcription, timestamp_start, timestamp_end,
		       start_seconds, end_seconds, COALESCE(task_id, ''), created_at
		FROM transcriptions
		WHERE meeting_id = $1
		ORDER BY start_seconds, id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: list transcriptions for %s: %w", meetingID, err)
	}
	defer rows.Close()

	var out []store.TranscriptionRecord
	for rows.Next() {
		var r store.TranscriptionRecord
		if err := rows.Scan(&r.MeetingID, &r.SpeakerID, &r.Transcription, &r.TimestampStart, &r.TimestampEnd,
			&r.StartSeconds, &r.EndSeconds, &r.TaskID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan transcription: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list transcriptions for %s: %w", meetingID, err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
