package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
)

// DefaultMinSamples is the shortest sub-segment, in frames, worth sending to
// the embedding and transcription engines.
const DefaultMinSamples = 512

// Segment is a sub-segment written to the scratch directory.
type Segment struct {
	Path  string
	Start float64
	End   float64
	// Frames is the sample count per channel actually written.
	Frames     int
	SampleRate int
}

// Duration in seconds, measured from the written samples.
func (s Segment) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Frames) / float64(s.SampleRate)
}

// Remove deletes the segment file.
func (s Segment) Remove() error {
	if s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Segmenter crops sub-segments out of a chunk clip.
type Segmenter struct {
	dir        string
	minSamples int
	logger     logging.Logger
}

// NewSegmenter creates a Segmenter writing into dir. A minSamples of zero or
// less selects DefaultMinSamples.
func NewSegmenter(dir string, minSamples int, logger logging.Logger) (*Segmenter, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "penf-transcribe")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: create scratch dir %s: %w", dir, err)
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Segmenter{
		dir:        dir,
		minSamples: minSamples,
		logger:     logger.With(logging.Component("segmenter")),
	}, nil
}

// MinSamples returns the configured minimum segment length in frames.
func (s *Segmenter) MinSamples() int {
	return s.minSamples
}

// Crop writes the [start, end) window of clip to a new WAV file. An end past
// the clip is clamped to its true duration. The boolean is false, with no
// file written, when the window holds fewer than MinSamples frames.
func (s *Segmenter) Crop(clip *Clip, start, end float64) (Segment, bool, error) {
	duration := clip.Duration()
	if start < 0 {
		start = 0
	}
	if end > duration {
		s.logger.Debug("clamping segment end to chunk duration",
			logging.F("requested_end", end),
			logging.F("duration", duration))
		end = duration
	}
	if end <= start {
		return Segment{}, false, nil
	}

	from := int(start * float64(clip.SampleRate))
	to := int(end * float64(clip.SampleRate))
	sub := clip.Slice(from, to)
	if sub.Frames() < s.minSamples {
		s.logger.Debug("skipping short segment",
			logging.F("start", start),
			logging.F("end", end),
			logging.F("frames", sub.Frames()))
		return Segment{}, false, nil
	}

	f, err := os.CreateTemp(s.dir, fmt.Sprintf("segment_%.2f_%.2f_*.wav", start, end))
	if err != nil {
		return Segment{}, false, fmt.Errorf("audio: create segment file: %w", err)
	}
	path := f.Name()
	f.Close()

	if err := sub.Save(path); err != nil {
		os.Remove(path)
		return Segment{}, false, err
	}

	return Segment{
		Path:       path,
		Start:      start,
		End:        end,
		Frames:     sub.Frames(),
		SampleRate: sub.SampleRate,
	}, true, nil
}
