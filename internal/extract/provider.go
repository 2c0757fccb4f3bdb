package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Providers lists the supported provider names.
var Providers = []string{"gemini", "openai", "ollama"}

// Options selects and configures a provider.
type Options struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the API endpoint; for ollama it is the server host.
	BaseURL  string
	MaxChars int
	Logger   *zap.Logger
}

// New builds the Service for opts.Provider.
func New(ctx context.Context, opts Options) (Service, error) {
	switch opts.Provider {
	case "gemini", "":
		return NewGemini(ctx, GeminiConfig{
			APIKey:   opts.APIKey,
			Model:    opts.Model,
			BaseURL:  opts.BaseURL,
			MaxChars: opts.MaxChars,
			Logger:   opts.Logger,
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:   opts.APIKey,
			Model:    opts.Model,
			BaseURL:  opts.BaseURL,
			MaxChars: opts.MaxChars,
			Logger:   opts.Logger,
		})
	case "ollama":
		return NewOllama(OllamaConfig{
			Host:     opts.BaseURL,
			Model:    opts.Model,
			MaxChars: opts.MaxChars,
			Logger:   opts.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
}
