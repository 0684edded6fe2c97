// Package audio loads meeting chunk WAV files and cuts them into per-turn
// sub-segments. Only linear PCM WAV is supported.
package audio

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
)

const wavFormatPCM = 1

// Clip is a decoded PCM buffer.
type Clip struct {
	SampleRate  int
	NumChannels int
	BitDepth    int
	// Data holds interleaved samples.
	Data []int
}

// NewClip wraps interleaved samples.
func NewClip(sampleRate, numChannels, bitDepth int, data []int) *Clip {
	return &Clip{
		SampleRate:  sampleRate,
		NumChannels: numChannels,
		BitDepth:    bitDepth,
		Data:        data,
	}
}

// Frames is the number of samples per channel.
func (c *Clip) Frames() int {
	if c.NumChannels <= 0 {
		return 0
	}
	return len(c.Data) / c.NumChannels
}

// Duration in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

// Slice returns the clip restricted to frames [from, to). Bounds are clamped.
func (c *Clip) Slice(from, to int) *Clip {
	frames := c.Frames()
	if from < 0 {
		from = 0
	}
	if to > frames {
		to = frames
	}
	if to < from {
		to = from
	}
	ch := c.NumChannels
	return NewClip(c.SampleRate, ch, c.BitDepth, c.Data[from*ch:to*ch])
}

// Load decodes a WAV file.
func Load(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("audio: %s: %w", path, tferrors.ErrMissingAudio)
		}
		return nil, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: %s is not a valid WAV file", path)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("audio: %s: unsupported audio format %d", path, dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode audio %s: %w", path, err)
	}
	return &Clip{
		SampleRate:  int(dec.SampleRate),
		NumChannels: int(dec.NumChans),
		BitDepth:    int(dec.BitDepth),
		Data:        buf.Data,
	}, nil
}

// Save encodes the clip as a PCM WAV file at path.
func (c *Clip) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, c.SampleRate, c.BitDepth, c.NumChannels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.NumChannels, SampleRate: c.SampleRate},
		Data:           c.Data,
		SourceBitDepth: c.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("audio: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("audio: finalize %s: %w", path, err)
	}
	return f.Close()
}

// Probe returns the duration in seconds of the PCM data in a WAV file,
// counted in frames. The header's byte-based estimate is not used.
func Probe(path string) (float64, error) {
	clip, err := Load(path)
	if err != nil {
		return 0, err
	}
	return clip.Duration(), nil
}
