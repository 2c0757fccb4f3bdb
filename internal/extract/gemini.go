package extract

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured for the gemini provider.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey   string
	Model    string
	BaseURL  string
	MaxChars int
	Logger   *zap.Logger
}

type geminiBackend struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Service backed by Google's Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newClient(&geminiBackend{client: client, model: cfg.Model}, "gemini", cfg.Model, cfg.MaxChars, cfg.Logger), nil
}

func (b *geminiBackend) generate(ctx context.Context, g generation) (string, Usage, error) {
	schema := geminiExtractionSchema
	if g.Kind == searchKind {
		schema = geminiSearchSchema
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(g.Input), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.Instructions, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    schema,
		Temperature:       genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", Usage{}, err
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return resp.Text(), usage, nil
}

var nuggetTypeEnum = []string{string(Quote), string(Learning), string(Insight)}

var geminiExtractionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title":           {Type: genai.TypeString},
		"is_front_matter": {Type: genai.TypeBoolean},
		"is_back_matter":  {Type: genai.TypeBoolean},
		"nuggets": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"id":      {Type: genai.TypeString},
					"type":    {Type: genai.TypeString, Enum: nuggetTypeEnum},
					"content": {Type: genai.TypeString},
					"source":  {Type: genai.TypeString},
				},
				Required:         []string{"id", "type", "content"},
				PropertyOrdering: []string{"id", "type", "content", "source"},
			},
		},
	},
	Required:         []string{"title", "is_front_matter", "is_back_matter", "nuggets"},
	PropertyOrdering: []string{"is_front_matter", "is_back_matter", "title", "nuggets"},
}

var geminiSearchSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"found":   {Type: genai.TypeBoolean},
		"content": {Type: genai.TypeString},
		"type":    {Type: genai.TypeString, Enum: nuggetTypeEnum},
		"source":  {Type: genai.TypeString},
	},
	Required:         []string{"found"},
	PropertyOrdering: []string{"found", "content", "type", "source"},
}
