package extract

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// DefaultMaxInputChars bounds how much segment text goes into one request.
const DefaultMaxInputChars = 60_000

type schemaKind int

const (
	extractionKind schemaKind = iota
	searchKind
)

// generation is one structured-output call to a backend.
type generation struct {
	Name         string
	Instructions string
	Input        string
	Kind         schemaKind
}

// backend is the provider-specific transport. It returns the raw model text
// and the token usage reported for the call.
type backend interface {
	generate(ctx context.Context, g generation) (string, Usage, error)
}

// Client implements Service on top of a provider backend.
type Client struct {
	backend  backend
	provider string
	model    string
	maxChars int
	log      *zap.Logger
}

func newClient(b backend, provider, model string, maxChars int, log *zap.Logger) *Client {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		backend:  b,
		provider: provider,
		model:    model,
		maxChars: maxChars,
		log:      log.With(zap.String("provider", provider), zap.String("model", model)),
	}
}

func (c *Client) Name() string  { return c.provider }
func (c *Client) Model() string { return c.model }

// Extract classifies a segment and mines its nuggets. An empty or unparsable
// model answer is an empty result with zero usage, not an error.
func (c *Client) Extract(ctx context.Context, req Request) (Result, error) {
	text, usage, err := c.backend.generate(ctx, generation{
		Name:         "SegmentNuggets",
		Instructions: buildExtractionInstructions(req.Filters),
		Input:        buildExtractionInput(req, c.maxChars),
		Kind:         extractionKind,
	})
	if err != nil {
		return Result{}, c.wrap("extract", err)
	}

	var payload extractionPayload
	if err := decodeModelJSON(text, &payload); err != nil {
		c.log.Warn("Discarding unparsable extraction response",
			zap.Int("segment", req.Index),
			zap.Int("response_len", len(text)),
			zap.Error(err))
		return Result{}, nil
	}

	res := payload.result(usage)
	c.log.Debug("Extracted segment",
		zap.Int("segment", req.Index),
		zap.Int("nuggets", len(res.Nuggets)),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens))
	return res, nil
}

// Search asks whether the context window contains a passage matching the query.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return SearchResult{}, errors.New("empty search query")
	}
	text, usage, err := c.backend.generate(ctx, generation{
		Name:         "PassageSearch",
		Instructions: searchPrompt,
		Input:        buildSearchInput(req, c.maxChars),
		Kind:         searchKind,
	})
	if err != nil {
		return SearchResult{}, c.wrap("search", err)
	}

	var payload searchPayload
	if err := decodeModelJSON(text, &payload); err != nil {
		c.log.Warn("Discarding unparsable search response", zap.Error(err))
		return SearchResult{}, nil
	}
	return payload.result(usage), nil
}

func (c *Client) wrap(op string, err error) error {
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &ServiceError{Provider: c.provider, Op: op, Err: err}
}
