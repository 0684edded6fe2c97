package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
)

// Memory is a Store kept in process memory.
type Memory struct {
	mu          sync.RWMutex
	references  map[string]speakers.ReferenceSet
	transcripts map[string][]TranscriptionRecord
	now         func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		references:  make(map[string]speakers.ReferenceSet),
		transcripts: make(map[string][]TranscriptionRecord),
		now:         time.Now,
	}
}

func (m *Memory) GetReferences(ctx context.Context, meetingID string) (speakers.ReferenceSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs, ok := m.references[meetingID]
	if !ok {
		return speakers.ReferenceSet{}, nil
	}
	return refs.Clone(), nil
}

func (m *Memory) PutReferences(ctx context.Context, meetingID string, refs speakers.ReferenceSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.references[meetingID] = refs.Clone()
	return nil
}

func (m *Memory) InsertTranscription(ctx context.Context, rec *TranscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	m.transcripts[rec.MeetingID] = append(m.transcripts[rec.MeetingID], *rec)
	return nil
}

func (m *Memory) LatestEnd(ctx context.Context, meetingID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := 0.0
	for _, rec := range m.transcripts[meetingID] {
		if rec.EndSeconds > latest {
			latest = rec.EndSeconds
		}
	}
	return latest, nil
}

func (m *Memory) ListTranscriptions(ctx context.Context, meetingID string) ([]TranscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]TranscriptionRecord(nil), m.transcripts[meetingID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartSeconds < out[j].StartSeconds })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error  { return nil }
func (m *Memory) Close(ctx context.Context) error { return nil }
