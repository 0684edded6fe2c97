// Package pipeline turns one audio chunk of a meeting into speaker-attributed
// transcript records.
//
// Processing a chunk reads and then rewrites the meeting's reference set, and
// reads the meeting's latest end before appending records. Neither sequence
// is atomic. Callers must therefore guarantee that at most one chunk per
// meeting is in flight across all workers, either by routing every chunk of a
// meeting to one consumer or by holding the meeting lock from package lock
// around Process.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/otherjamesbrown/penf-transcribe/pkg/audio"
	"github.com/otherjamesbrown/penf-transcribe/pkg/diarize"
	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/observability"
	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
	"github.com/otherjamesbrown/penf-transcribe/pkg/transcribe"
)

// Pipeline stages, used in error classification, spans and logs.
const (
	StageLoad       = "load"
	StageDiarize    = "diarize"
	StageEmbed      = "embed"
	StageMatch      = "match"
	StageStitch     = "stitch"
	StageTranscribe = "transcribe"
)

// Deps are the collaborators a Processor needs.
type Deps struct {
	Diarizer    diarize.Diarizer
	Embedder    speakers.Embedder
	Transcriber transcribe.Transcriber
	Matcher     *speakers.Matcher
	Segmenter   *audio.Segmenter
	Store       store.Store
	Metrics     *observability.WorkerMetrics
	Tracer      *observability.Tracer
	Logger      logging.Logger
}

// Config tunes a Processor.
type Config struct {
	// AudioRoot resolves relative task file paths.
	AudioRoot string
	// Language is the transcription hint (default: pl).
	Language string
}

// Summary describes a processed chunk.
type Summary struct {
	Turns    int
	Dropped  int
	Clamped  int
	Stored   int
	Speakers map[string]string
	Records  []store.TranscriptionRecord
}

// Processor runs the per-chunk pipeline.
type Processor struct {
	deps     Deps
	cfg      Config
	stitcher *Stitcher
	logger   logging.Logger
}

// NewProcessor validates deps and creates a Processor.
func NewProcessor(deps Deps, cfg Config) (*Processor, error) {
	switch {
	case deps.Diarizer == nil:
		return nil, fmt.Errorf("pipeline: diarizer is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("pipeline: embedder is required")
	case deps.Transcriber == nil:
		return nil, fmt.Errorf("pipeline: transcriber is required")
	case deps.Matcher == nil:
		return nil, fmt.Errorf("pipeline: matcher is required")
	case deps.Segmenter == nil:
		return nil, fmt.Errorf("pipeline: segmenter is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer()
	}
	if cfg.Language == "" {
		cfg.Language = transcribe.DefaultLanguage
	}

	return &Processor{
		deps:     deps,
		cfg:      cfg,
		stitcher: NewStitcher(deps.Transcriber, deps.Store, cfg.Language, deps.Metrics, deps.Logger),
		logger:   deps.Logger.With(logging.Component("pipeline")),
	}, nil
}

// ResolvePath maps a task file path onto the local filesystem.
func (p *Processor) ResolvePath(path string) string {
	if p.cfg.AudioRoot == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.cfg.AudioRoot, path)
}

// Process diarizes, attributes, transcribes and stitches one chunk. Errors
// are *errors.PipelineError of KindProcessingFailure.
func (p *Processor) Process(ctx context.Context, task queue.ChunkTask) (*Summary, error) {
	ctx, span := p.deps.Tracer.StartTaskSpan(ctx, task.MeetingID, task.TaskID)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	summary, err := p.process(ctx, task)
	if err != nil {
		pe := tferrors.ClassifyError(err, "")
		helper.SetError(err, string(pe.Kind), string(pe.Code), pe.Retryable())
		return summary, pe
	}
	helper.SetCounts(summary.Turns, len(summary.Speakers))
	helper.SetSuccess()
	return summary, nil
}

func (p *Processor) process(ctx context.Context, task queue.ChunkTask) (*Summary, error) {
	log := p.logger.WithContext(ctx)
	summary := &Summary{Speakers: map[string]string{}}
	path := p.ResolvePath(task.FilePath)

	clip, err := audio.Load(path)
	if err != nil {
		return summary, tferrors.ClassifyError(err, StageLoad)
	}

	turns, err := p.diarize(ctx, path)
	if err != nil {
		return summary, err
	}
	kept, filtered := diarize.FilterTurns(turns, clip.Duration())
	summary.Dropped = filtered.Dropped
	summary.Clamped = filtered.Clamped
	for i := 0; i < filtered.Dropped; i++ {
		p.deps.Metrics.RecordTurn(observability.TurnFiltered)
	}
	for i := 0; i < filtered.Clamped; i++ {
		p.deps.Metrics.RecordTurn(observability.TurnClamped)
	}
	if filtered.Clamped > 0 {
		log.Warn("diarized turns clamped to chunk duration",
			logging.F("clamped", filtered.Clamped),
			logging.F("duration", clip.Duration()))
	}
	log.Info("chunk diarized",
		logging.F("turns", len(turns)),
		logging.F("dropped", filtered.Dropped),
		logging.F("duration", clip.Duration()))

	pieces, means, err := p.embed(ctx, clip, kept)
	defer func() {
		for _, piece := range pieces {
			piece.Segment.Remove()
		}
	}()
	if err != nil {
		return summary, err
	}
	summary.Turns = len(pieces)
	if len(pieces) == 0 {
		log.Info("chunk has no usable turns")
		return summary, nil
	}

	mapping, err := p.match(ctx, task.MeetingID, means)
	if err != nil {
		return summary, err
	}
	summary.Speakers = mapping
	for i := range pieces {
		pieces[i].SpeakerID = mapping[pieces[i].Turn.Label]
	}

	stageCtx, span := p.deps.Tracer.StartStageSpan(ctx, StageStitch)
	records, err := p.stitcher.Stitch(stageCtx, task.MeetingID, task.TaskID, pieces)
	endSpan(span, err)
	summary.Records = records
	summary.Stored = len(records)
	if err != nil {
		return summary, err
	}

	log.Info("chunk stitched",
		logging.F("records", len(records)),
		logging.F("speakers", len(mapping)))
	return summary, nil
}

func (p *Processor) diarize(ctx context.Context, path string) ([]diarize.RawTurn, error) {
	ctx, span := p.deps.Tracer.StartStageSpan(ctx, StageDiarize)
	started := time.Now()
	turns, err := p.deps.Diarizer.Diarize(ctx, path)
	p.deps.Metrics.RecordCollaborator("diarization", err, time.Since(started).Seconds())
	endSpan(span, err)
	if err != nil {
		return nil, tferrors.ClassifyError(fmt.Errorf("diarize %s: %w", path, err), StageDiarize)
	}
	return turns, nil
}

// embed crops every turn and computes one mean vector per raw label. Turns
// whose segment is too short are skipped.
func (p *Processor) embed(ctx context.Context, clip *audio.Clip, turns []diarize.RawTurn) ([]Piece, map[string][]float64, error) {
	ctx, span := p.deps.Tracer.StartStageSpan(ctx, StageEmbed)
	var err error
	defer func() { endSpan(span, err) }()

	acc := speakers.NewAccumulator()
	pieces := make([]Piece, 0, len(turns))

	for _, turn := range turns {
		seg, ok, cropErr := p.deps.Segmenter.Crop(clip, turn.Start, turn.End)
		if cropErr != nil {
			err = tferrors.ClassifyError(cropErr, StageEmbed)
			return pieces, nil, err
		}
		if !ok {
			p.deps.Metrics.RecordTurn(observability.TurnTooShort)
			continue
		}
		pieces = append(pieces, Piece{Turn: turn, Segment: seg})

		started := time.Now()
		vec, embedErr := p.deps.Embedder.Embed(ctx, seg.Path)
		p.deps.Metrics.RecordCollaborator("embedding", embedErr, time.Since(started).Seconds())
		if embedErr != nil {
			err = tferrors.ClassifyError(fmt.Errorf("embed segment %.2f-%.2f: %w", turn.Start, turn.End, embedErr), StageEmbed)
			return pieces, nil, err
		}
		if addErr := acc.Add(turn.Label, vec); addErr != nil {
			err = tferrors.ClassifyError(addErr, StageEmbed)
			return pieces, nil, err
		}
	}
	return pieces, acc.Means(), nil
}

// match resolves raw labels against the meeting's reference set and
// persists the updated set.
func (p *Processor) match(ctx context.Context, meetingID string, means map[string][]float64) (map[string]string, error) {
	ctx, span := p.deps.Tracer.StartStageSpan(ctx, StageMatch)
	mapping, err := p.matchRefs(ctx, meetingID, means)
	endSpan(span, err)
	return mapping, err
}

func (p *Processor) matchRefs(ctx context.Context, meetingID string, means map[string][]float64) (map[string]string, error) {
	refs, err := p.deps.Store.GetReferences(ctx, meetingID)
	if err != nil {
		return nil, tferrors.ClassifyError(fmt.Errorf("store: get references: %w", err), StageMatch)
	}

	result, err := p.deps.Matcher.Match(refs, means)
	if err != nil {
		return nil, tferrors.ClassifyError(err, StageMatch)
	}

	if err := p.deps.Store.PutReferences(ctx, meetingID, result.References); err != nil {
		return nil, tferrors.ClassifyError(fmt.Errorf("store: put references: %w", err), StageMatch)
	}

	log := p.logger.WithContext(ctx)
	for _, r := range result.Resolutions {
		distance := r.Distance
		if r.Action == speakers.ActionSeeded {
			distance = -1
		}
		p.deps.Metrics.RecordResolution(string(r.Action), distance)
		log.Debug("speaker resolved",
			logging.F("label", r.Label),
			logging.F("speaker_id", r.SpeakerID),
			logging.F("action", string(r.Action)),
			logging.F("distance", r.Distance))
	}
	return result.Mapping, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		pe := tferrors.ClassifyError(err, "")
		observability.NewSpanHelper(span).SetError(err, string(pe.Kind), string(pe.Code), pe.Retryable())
	}
	span.End()
}
