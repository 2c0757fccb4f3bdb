package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
	"go.uber.org/zap"
)

// DefaultOllamaModel is used when no model is configured for the ollama provider.
const DefaultOllamaModel = "llama3.1"

// OllamaConfig configures the local Ollama provider.
type OllamaConfig struct {
	Host     string
	Model    string
	MaxChars int
	Logger   *zap.Logger
}

type ollamaBackend struct {
	client *api.Client
	model  string
}

// NewOllama creates a Service backed by a local Ollama server. An empty host
// falls back to OLLAMA_HOST.
func NewOllama(cfg OllamaConfig) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}

	hostURL := envconfig.Host()
	if cfg.Host != "" {
		u, err := url.Parse(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.Host, err)
		}
		hostURL = u
	}
	client := api.NewClient(hostURL, http.DefaultClient)

	return newClient(&ollamaBackend{client: client, model: cfg.Model}, "ollama", cfg.Model, cfg.MaxChars, cfg.Logger), nil
}

func (b *ollamaBackend) generate(ctx context.Context, g generation) (string, Usage, error) {
	schema := extractionSchema
	if g.Kind == searchKind {
		schema = searchSchema
	}
	format, err := json.Marshal(schema)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal schema: %w", err)
	}

	stream := false
	req := api.GenerateRequest{
		Model:  b.model,
		System: g.Instructions,
		Prompt: g.Input,
		Format: json.RawMessage(format),
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": 0.2,
		},
	}

	var out strings.Builder
	var usage Usage
	err = b.client.Generate(ctx, &req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		if resp.Done {
			usage.InputTokens = resp.PromptEvalCount
			usage.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to generate response: %w", err)
	}
	return out.String(), usage, nil
}
