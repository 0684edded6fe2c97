package transcribe

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sashabaranov/go-openai"
)

// DefaultModel is the Whisper model requested from OpenAI-compatible servers.
const DefaultModel = openai.Whisper1

// OpenAIAdapter calls an OpenAI-compatible audio transcription endpoint.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

// NewOpenAIAdapter creates an adapter. An empty URL targets api.openai.com.
func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL != "" {
		oc.BaseURL = cfg.URL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(oc),
		model:  model,
	}
}

func (a *OpenAIAdapter) Transcribe(ctx context.Context, path, lang string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	defer f.Close()

	resp, err := a.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    a.model,
		Reader:   f,
		FilePath: filepath.Base(path),
		Language: lang,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}
