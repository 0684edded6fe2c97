package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/collab"
)

// HTTPAdapter posts the segment to {base}/transcribe with a "language" form
// field and reads {"text": ...} back.
type HTTPAdapter struct {
	client *collab.Client
}

// NewHTTPAdapter creates an adapter for a self-hosted Whisper service.
func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{client: collab.NewClient("transcriber", baseURL, timeout)}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (a *HTTPAdapter) Transcribe(ctx context.Context, path, lang string) (string, error) {
	var resp transcribeResponse
	if err := a.client.PostFile(ctx, "/transcribe", path, map[string]string{"language": lang}, &resp); err != nil {
		return "", fmt.Errorf("transcribe %s: %w", path, err)
	}
	return resp.Text, nil
}

// Health probes the service.
func (a *HTTPAdapter) Health(ctx context.Context) error {
	return a.client.Health(ctx)
}
