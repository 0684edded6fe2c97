// Package transcribe adapts speech-to-text engines to a single Transcriber
// interface. Two providers are supported: any OpenAI-compatible Whisper
// endpoint, and a plain multipart /transcribe service.
package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// DefaultLanguage is the language hint sent with every request.
const DefaultLanguage = "pl"

// Providers.
const (
	ProviderOpenAI = "openai"
	ProviderHTTP   = "http"
)

// Transcriber turns an audio segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path, lang string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	URL      string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// New builds the configured Transcriber.
func New(cfg Config) (Transcriber, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIAdapter(cfg), nil
	case ProviderHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("transcribe: http provider requires a url")
		}
		return NewHTTPAdapter(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("transcribe: unknown provider %q", cfg.Provider)
	}
}

// NormalizeLanguage parses a BCP 47 tag and returns its base language code,
// e.g. "pl-PL" becomes "pl".
func NormalizeLanguage(s string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", s, err)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", fmt.Errorf("invalid language %q", s)
	}
	return base.String(), nil
}
