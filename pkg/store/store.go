// Package store defines persistence for speaker reference sets and
// transcription records, with in-memory, MongoDB and PostgreSQL backends.
//
// Backends wrap their errors with a "store:" prefix so that failures are
// classified as store failures by pkg/errors.
package store

import (
	"context"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
)

// TranscriptionRecord is one transcribed turn placed on the meeting timeline.
// Records are inserted once and never updated.
type TranscriptionRecord struct {
	MeetingID      string    `json:"meeting_id" yaml:"meeting_id" bson:"meeting_id"`
	SpeakerID      string    `json:"speaker_id" yaml:"speaker_id" bson:"speaker_id"`
	Transcription  string    `json:"transcription" yaml:"transcription" bson:"transcription"`
	TimestampStart string    `json:"timestamp_start" yaml:"timestamp_start" bson:"timestamp_start"`
	TimestampEnd   string    `json:"timestamp_end" yaml:"timestamp_end" bson:"timestamp_end"`
	StartSeconds   float64   `json:"start_seconds" yaml:"start_seconds" bson:"start_seconds"`
	EndSeconds     float64   `json:"end_seconds" yaml:"end_seconds" bson:"end_seconds"`
	TaskID         string    `json:"task_id,omitempty" yaml:"task_id,omitempty" bson:"task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at" bson:"created_at"`
}

// ReferenceStore holds one ReferenceSet per meeting.
type ReferenceStore interface {
	// GetReferences returns the meeting's set, empty (not nil error) if absent.
	GetReferences(ctx context.Context, meetingID string) (speakers.ReferenceSet, error)
	// PutReferences replaces the meeting's set.
	PutReferences(ctx context.Context, meetingID string, refs speakers.ReferenceSet) error
}

// TranscriptStore holds transcription records.
type TranscriptStore interface {
	InsertTranscription(ctx context.Context, rec *TranscriptionRecord) error
	// LatestEnd returns the largest EndSeconds recorded for the meeting, or 0.
	LatestEnd(ctx context.Context, meetingID string) (float64, error)
	// ListTranscriptions returns the meeting's records ordered by StartSeconds.
	ListTranscriptions(ctx context.Context, meetingID string) ([]TranscriptionRecord, error)
}

// Store is a full backend.
type Store interface {
	ReferenceStore
	TranscriptStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
