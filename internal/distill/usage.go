package distill

import (
	"strings"

	"github.com/metcalfc/distill/internal/extract"
)

// UsageStats accumulates token usage and estimated cost for a session. The
// totals only ever grow; cost is summed per call, never recomputed.
type UsageStats struct {
	TotalInputTokens  int     `json:"totalInputTokens"`
	TotalOutputTokens int     `json:"totalOutputTokens"`
	EstimatedCost     float64 `json:"estimatedCost"`
}

// Pricing is a per-million-token rate card in USD.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input_per_million" validate:"gte=0"`
	OutputPerMillion float64 `yaml:"output_per_million" validate:"gte=0"`
}

// Cost prices a single call.
func (p Pricing) Cost(u extract.Usage) float64 {
	return float64(u.InputTokens)/1e6*p.InputPerMillion + float64(u.OutputTokens)/1e6*p.OutputPerMillion
}

// add records one call. Negative counts are ignored.
func (s *UsageStats) add(u extract.Usage, p Pricing) {
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	s.TotalInputTokens += u.InputTokens
	s.TotalOutputTokens += u.OutputTokens
	if c := p.Cost(u); c > 0 {
		s.EstimatedCost += c
	}
}

// DefaultPricing holds list prices for the default models of each provider.
var DefaultPricing = map[string]Pricing{
	"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.5-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-2.5-pro":        {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-2.0-flash":      {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gpt-4o-mini":           {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":                {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4.1-mini":          {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-4.1":               {InputPerMillion: 2.00, OutputPerMillion: 8.00},
}

// PricingFor returns the rate card for model. Unknown models, including
// local ones, are free.
func PricingFor(model string) Pricing {
	if p, ok := DefaultPricing[model]; ok {
		return p
	}
	// Versioned names like gpt-4o-mini-2024-07-18.
	best := ""
	for name := range DefaultPricing {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	return DefaultPricing[best]
}
