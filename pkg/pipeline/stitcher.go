package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/audio"
	"github.com/otherjamesbrown/penf-transcribe/pkg/diarize"
	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/observability"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
	"github.com/otherjamesbrown/penf-transcribe/pkg/transcribe"
)

// Piece is a cropped turn ready for transcription.
type Piece struct {
	Turn      diarize.RawTurn
	Segment   audio.Segment
	SpeakerID string
}

// FormatTimestamp renders seconds as H:MM:SS from the truncated whole
// seconds. Hours are not padded.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// Stitcher transcribes pieces and appends them to the meeting timeline.
type Stitcher struct {
	transcriber transcribe.Transcriber
	records     store.TranscriptStore
	language    string
	metrics     *observability.WorkerMetrics
	logger      logging.Logger
	now         func() time.Time
}

// NewStitcher creates a Stitcher. An empty language selects the default hint.
func NewStitcher(t transcribe.Transcriber, records store.TranscriptStore, language string, metrics *observability.WorkerMetrics, logger logging.Logger) *Stitcher {
	if language == "" {
		language = transcribe.DefaultLanguage
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Stitcher{
		transcriber: t,
		records:     records,
		language:    language,
		metrics:     metrics,
		logger:      logger.With(logging.Component("stitcher")),
		now:         time.Now,
	}
}

// Stitch places pieces on the meeting timeline in order of turn start. Each
// piece starts at the latest end already recorded for the meeting and lasts
// as long as its audio. Segment files are removed once their record is
// stored. It returns the records inserted before any error.
func (s *Stitcher) Stitch(ctx context.Context, meetingID, taskID string, pieces []Piece) ([]store.TranscriptionRecord, error) {
	ordered := make([]Piece, len(pieces))
	copy(ordered, pieces)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Turn.Start < ordered[j].Turn.Start
	})

	log := s.logger.WithContext(ctx)
	stored := make([]store.TranscriptionRecord, 0, len(ordered))

	for _, p := range ordered {
		latest, err := s.records.LatestEnd(ctx, meetingID)
		if err != nil {
			return stored, tferrors.ClassifyError(fmt.Errorf("store: latest end: %w", err), "stitch")
		}

		started := time.Now()
		text, err := s.transcriber.Transcribe(ctx, p.Segment.Path, s.language)
		s.metrics.RecordCollaborator("transcription", err, time.Since(started).Seconds())
		if err != nil {
			return stored, tferrors.ClassifyError(fmt.Errorf("transcribe segment %.2f-%.2f: %w", p.Turn.Start, p.Turn.End, err), "transcribe")
		}

		duration := p.Segment.Duration()
		if duration <= 0 {
			if probed, perr := audio.Probe(p.Segment.Path); perr == nil {
				duration = probed
			}
		}

		start := latest
		end := latest + duration
		rec := store.TranscriptionRecord{
			MeetingID:      meetingID,
			SpeakerID:      p.SpeakerID,
			Transcription:  text,
			TimestampStart: FormatTimestamp(start),
			TimestampEnd:   FormatTimestamp(end),
			StartSeconds:   start,
			EndSeconds:     end,
			TaskID:         taskID,
			CreatedAt:      s.now().UTC(),
		}
		if err := s.records.InsertTranscription(ctx, &rec); err != nil {
			return stored, tferrors.ClassifyError(fmt.Errorf("store: insert transcription: %w", err), "stitch")
		}
		stored = append(stored, rec)
		s.metrics.RecordTurn(observability.TurnStored)

		if err := p.Segment.Remove(); err != nil {
			log.Warn("failed to remove segment file", logging.F("path", p.Segment.Path), logging.Err(err))
		}

		log.Debug("turn stored",
			logging.F("speaker_id", p.SpeakerID),
			logging.F("timestamp_start", rec.TimestampStart),
			logging.F("timestamp_end", rec.TimestampEnd))
	}

	return stored, nil
}
