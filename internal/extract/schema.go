package extract

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/invopop/jsonschema"
)

// nuggetPayload is the wire shape of one nugget in a model response.
type nuggetPayload struct {
	ID      string `json:"id" jsonschema:"description=Id unique within the segment such as n0"`
	Type    string `json:"type" jsonschema:"enum=quote,enum=learning,enum=insight"`
	Content string `json:"content"`
	Source  string `json:"source" jsonschema:"description=Speaker or cited author; empty when unattributed"`
}

// extractionPayload is the wire shape of an extraction response.
type extractionPayload struct {
	Title         string          `json:"title"`
	IsFrontMatter bool            `json:"is_front_matter"`
	IsBackMatter  bool            `json:"is_back_matter"`
	Nuggets       []nuggetPayload `json:"nuggets"`
}

// searchPayload is the wire shape of a deep search response.
type searchPayload struct {
	Found   bool   `json:"found"`
	Content string `json:"content"`
	Type    string `json:"type" jsonschema:"enum=quote,enum=learning,enum=insight"`
	Source  string `json:"source"`
}

var (
	extractionSchema = generateSchema[extractionPayload]()
	searchSchema     = generateSchema[searchPayload]()
)

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)

	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	requireAllProperties(m)
	return m
}

// requireAllProperties makes every object property required and closed, which
// strict structured-output modes demand.
func requireAllProperties(schema map[string]any) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]any); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]any); ok {
				requireAllProperties(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		requireAllProperties(items)
	}
}

// decodeModelJSON unmarshals JSON from a model response, tolerating prose or
// code fences around the object.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

func (p extractionPayload) result(usage Usage) Result {
	res := Result{
		Title:         strings.TrimSpace(p.Title),
		IsBackMatter:  p.IsBackMatter,
		IsFrontMatter: p.IsFrontMatter,
		Usage:         usage,
	}
	for _, n := range p.Nuggets {
		t, ok := ParseNuggetType(n.Type)
		content := strings.TrimSpace(n.Content)
		if !ok || content == "" {
			continue
		}
		res.Nuggets = append(res.Nuggets, RawNugget{
			ID:      strings.TrimSpace(n.ID),
			Type:    t,
			Content: content,
			Source:  strings.TrimSpace(n.Source),
		})
	}
	return res
}

func (p searchPayload) result(usage Usage) SearchResult {
	res := SearchResult{Usage: usage}
	content := strings.TrimSpace(p.Content)
	if !p.Found || content == "" {
		return res
	}
	t, ok := ParseNuggetType(p.Type)
	if !ok {
		t = Quote
	}
	res.Found = true
	res.Content = content
	res.Type = t
	res.Source = strings.TrimSpace(p.Source)
	return res
}
