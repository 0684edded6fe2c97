// Package diarize splits a chunk into speaker turns using an external
// diarization service. Labels on the returned turns are local to the chunk.
package diarize

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/collab"
)

// RawTurn is a contiguous span attributed to one chunk-local speaker label.
// Start and End are seconds from the start of the chunk.
type RawTurn struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Label string  `json:"speaker"`
}

// Duration of the turn in seconds.
func (t RawTurn) Duration() float64 {
	return t.End - t.Start
}

// Diarizer produces raw turns for an audio file.
type Diarizer interface {
	Diarize(ctx context.Context, path string) ([]RawTurn, error)
}

// HTTPDiarizer calls POST {base}/diarize with the chunk as multipart "file".
type HTTPDiarizer struct {
	client *collab.Client
}

// NewHTTPDiarizer creates a diarization client.
func NewHTTPDiarizer(baseURL string, timeout time.Duration) *HTTPDiarizer {
	return &HTTPDiarizer{client: collab.NewClient("diarizer", baseURL, timeout)}
}

type diarizeResponse struct {
	Turns []RawTurn `json:"turns"`
}

// Diarize returns the turns in the order the service emitted them.
func (d *HTTPDiarizer) Diarize(ctx context.Context, path string) ([]RawTurn, error) {
	var resp diarizeResponse
	if err := d.client.PostFile(ctx, "/diarize", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("diarize %s: %w", path, err)
	}
	return resp.Turns, nil
}

// Health probes the service.
func (d *HTTPDiarizer) Health(ctx context.Context) error {
	return d.client.Health(ctx)
}

// FilterStats counts what FilterTurns changed. Clamped counts kept turns
// with at least one bound moved into the chunk.
type FilterStats struct {
	Dropped int
	Clamped int
}

// FilterTurns clamps every turn to [0, duration] and drops turns left with
// start >= end.
func FilterTurns(turns []RawTurn, duration float64) ([]RawTurn, FilterStats) {
	kept := make([]RawTurn, 0, len(turns))
	var stats FilterStats
	for _, t := range turns {
		clamped := false
		if t.Start < 0 {
			t.Start, clamped = 0, true
		}
		if t.End > duration {
			t.End, clamped = duration, true
		}
		if t.Start >= t.End {
			stats.Dropped++
			continue
		}
		if clamped {
			stats.Clamped++
		}
		kept = append(kept, t)
	}
	return kept, stats
}
