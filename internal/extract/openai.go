package extract

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"go.uber.org/zap"
)

// DefaultOpenAIModel is used when no model is configured for the openai provider.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey   string
	Model    string
	BaseURL  string
	MaxChars int
	Logger   *zap.Logger
}

type openAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a Service backed by the OpenAI Responses API.
func NewOpenAI(cfg OpenAIConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are a user decision; the reading loop never retries on its own.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return newClient(&openAIBackend{client: &client, model: cfg.Model}, "openai", cfg.Model, cfg.MaxChars, cfg.Logger), nil
}

func (b *openAIBackend) generate(ctx context.Context, g generation) (string, Usage, error) {
	schema := extractionSchema
	if g.Kind == searchKind {
		schema = searchSchema
	}

	params := responses.ResponseNewParams{
		Model:           b.model,
		MaxOutputTokens: openai.Int(4000),
		Instructions:    openai.String(g.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(g.Input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   g.Name,
					Schema: schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		},
	}

	resp, err := b.client.Responses.New(ctx, params)
	if err != nil {
		return "", Usage{}, err
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	return resp.OutputText(), usage, nil
}
