// Package extract defines the contract with the language-model service that
// pulls nuggets out of book segments, plus the providers that implement it.
package extract

import (
	"context"
	"fmt"
	"strings"
)

// NuggetType classifies an extracted nugget.
type NuggetType string

const (
	Quote    NuggetType = "quote"
	Learning NuggetType = "learning"
	Insight  NuggetType = "insight"
)

// AllNuggetTypes lists the nugget types in display order.
var AllNuggetTypes = []NuggetType{Quote, Learning, Insight}

// ParseNuggetType converts a string to a NuggetType.
func ParseNuggetType(s string) (NuggetType, bool) {
	switch NuggetType(strings.ToLower(strings.TrimSpace(s))) {
	case Quote:
		return Quote, true
	case Learning:
		return Learning, true
	case Insight:
		return Insight, true
	default:
		return "", false
	}
}

// TypeSet is a set of nugget types. The zero value is empty.
type TypeSet uint8

func typeBit(t NuggetType) TypeSet {
	for i, known := range AllNuggetTypes {
		if known == t {
			return 1 << i
		}
	}
	return 0
}

// NewTypeSet builds a set from the given types.
func NewTypeSet(types ...NuggetType) TypeSet {
	var s TypeSet
	for _, t := range types {
		s |= typeBit(t)
	}
	return s
}

// AllTypes returns the set containing every nugget type.
func AllTypes() TypeSet { return NewTypeSet(AllNuggetTypes...) }

func (s TypeSet) Has(t NuggetType) bool       { b := typeBit(t); return b != 0 && s&b != 0 }
func (s TypeSet) With(t NuggetType) TypeSet    { return s | typeBit(t) }
func (s TypeSet) Without(t NuggetType) TypeSet { return s &^ typeBit(t) }

// Toggle flips membership of t.
func (s TypeSet) Toggle(t NuggetType) TypeSet {
	if s.Has(t) {
		return s.Without(t)
	}
	return s.With(t)
}

// Types returns the members in display order.
func (s TypeSet) Types() []NuggetType {
	var out []NuggetType
	for _, t := range AllNuggetTypes {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s TypeSet) String() string {
	types := s.Types()
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// Filters control which segments are mined and which nugget types are requested.
// Filters are comparable; any change invalidates cached analyses.
type Filters struct {
	IncludeBackMatter  bool
	IncludeFrontMatter bool
	Types              TypeSet
}

// DefaultFilters skips front and back matter and requests every nugget type.
func DefaultFilters() Filters {
	return Filters{Types: AllTypes()}
}

func (f Filters) String() string {
	return fmt.Sprintf("back=%t front=%t types=%s", f.IncludeBackMatter, f.IncludeFrontMatter, f.Types)
}

// Usage is the token accounting reported by one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is one segment sent for extraction.
type Request struct {
	Text     string
	Index    int
	Location string
	Filters  Filters
}

// RawNugget is a nugget as returned by the service, before it is bound to a segment.
type RawNugget struct {
	ID      string
	Type    NuggetType
	Content string
	Source  string
}

// Result is the structured outcome of one extraction call.
type Result struct {
	Title         string
	IsBackMatter  bool
	IsFrontMatter bool
	Nuggets       []RawNugget
	Usage         Usage
}

// SearchRequest asks whether a passage matching Query appears in Context.
type SearchRequest struct {
	Query   string
	Title   string
	Context []string
}

// SearchResult is the outcome of a deep search.
type SearchResult struct {
	Found   bool
	Content string
	Type    NuggetType
	Source  string
	Usage   Usage
}

// Extractor mines one segment.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// Searcher looks for a passage across a window of segments.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (SearchResult, error)
}

// Service is a provider that can both extract and search.
type Service interface {
	Extractor
	Searcher
	Name() string
	Model() string
}
