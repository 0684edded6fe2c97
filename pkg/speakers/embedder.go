package speakers

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/penf-transcribe/pkg/collab"
)

// Embedder turns an audio segment into a speaker embedding.
type Embedder interface {
	Embed(ctx context.Context, path string) ([]float64, error)
}

// HTTPEmbedder calls POST {base}/embed with the segment as multipart "file".
type HTTPEmbedder struct {
	client *collab.Client
}

// NewHTTPEmbedder creates an embedding client.
func NewHTTPEmbedder(baseURL string, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{client: collab.NewClient("embedder", baseURL, timeout)}
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the segment's embedding vector.
func (e *HTTPEmbedder) Embed(ctx context.Context, path string) ([]float64, error) {
	var resp embedResponse
	if err := e.client.PostFile(ctx, "/embed", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("embed %s: %w", path, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embed %s: service returned an empty embedding", path)
	}
	return resp.Embedding, nil
}

// Health probes the service.
func (e *HTTPEmbedder) Health(ctx context.Context) error {
	return e.client.Health(ctx)
}
