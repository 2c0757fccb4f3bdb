// Package distill is the segment analysis pipeline: the analysis cache, the
// controller that fetches and prefetches segment analyses, usage accounting
// and the ledger of selected notes.
package distill

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/metcalfc/distill/internal/extract"
)

var (
	ErrIndexOutOfRange = errors.New("segment index out of range")
	ErrStale           = errors.New("navigation superseded")
	ErrNuggetNotFound  = errors.New("nugget not found")
	ErrEmptyTag        = errors.New("empty tag")
	ErrEmptyQuery      = errors.New("empty search query")
)

// Nugget is one extracted quote, learning or insight bound to a segment.
type Nugget struct {
	ID        string             `json:"id"`
	Type      extract.NuggetType `json:"type"`
	Content   string             `json:"content"`
	Source    string             `json:"source,omitempty"`
	Location  string             `json:"location"`
	SortIndex int                `json:"sortIndex"`
	Tags      []string           `json:"tags"`
}

func (n Nugget) clone() Nugget {
	n.Tags = cloneTags(n.Tags)
	return n
}

// Note is a nugget the user selected for export.
type Note struct {
	Nugget
	ChapterTitle string `json:"chapterTitle"`
	ChapterIndex int    `json:"chapterIndex"`
}

func (n Note) clone() Note {
	n.Nugget = n.Nugget.clone()
	return n
}

// SegmentAnalysis is the cached outcome of extracting one segment.
type SegmentAnalysis struct {
	Title         string
	IsBackMatter  bool
	IsFrontMatter bool
	Nuggets       []Nugget
}

func (a SegmentAnalysis) clone() SegmentAnalysis {
	nuggets := make([]Nugget, len(a.Nuggets))
	for i, n := range a.Nuggets {
		nuggets[i] = n.clone()
	}
	a.Nuggets = nuggets
	return a
}

// Suppressed reports whether the segment's nuggets were withheld because of
// its matter classification.
func (a SegmentAnalysis) Suppressed(f extract.Filters) bool {
	return (a.IsBackMatter && !f.IncludeBackMatter) || (a.IsFrontMatter && !f.IncludeFrontMatter)
}

// Nugget looks up a nugget by id.
func (a SegmentAnalysis) Nugget(id string) (Nugget, bool) {
	for _, n := range a.Nuggets {
		if n.ID == id {
			return n.clone(), true
		}
	}
	return Nugget{}, false
}

// newAnalysis binds an extraction result to segment index under the filters
// the request was made with.
func newAnalysis(index int, location string, res extract.Result, f extract.Filters) SegmentAnalysis {
	a := SegmentAnalysis{
		Title:         res.Title,
		IsBackMatter:  res.IsBackMatter,
		IsFrontMatter: res.IsFrontMatter,
		Nuggets:       []Nugget{},
	}
	if a.Suppressed(f) {
		return a
	}

	seen := make(map[string]bool, len(res.Nuggets))
	for rank, raw := range res.Nuggets {
		if !f.Types.Has(raw.Type) {
			continue
		}
		sub := raw.ID
		if sub == "" || seen[sub] || strings.Contains(sub, "_search_") {
			sub = "n" + strconv.Itoa(rank)
		}
		seen[sub] = true
		a.Nuggets = append(a.Nuggets, Nugget{
			ID:        nuggetID(index, sub),
			Type:      raw.Type,
			Content:   raw.Content,
			Source:    raw.Source,
			Location:  location,
			SortIndex: rank,
			Tags:      []string{},
		})
	}
	return a
}

func nuggetID(index int, sub string) string {
	return fmt.Sprintf("c%d_%s", index, sub)
}

// SegmentOf recovers the segment index encoded in a nugget id.
func SegmentOf(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "c")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(num)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// NormalizeTag trims whitespace and strips one leading '#'.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "#")
	return strings.TrimSpace(tag)
}

// NormalizeTags normalizes each tag and drops empties and duplicates,
// keeping first occurrences in order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = NormalizeTag(t); t != "" {
			out, _ = AddTag(out, t)
		}
	}
	return out
}

// AddTag appends tag unless already present. Comparison is case-sensitive.
func AddTag(tags []string, tag string) ([]string, bool) {
	for _, t := range tags {
		if t == tag {
			return tags, false
		}
	}
	return append(tags, tag), true
}

// RemoveTag removes tag, preserving the order of the rest.
func RemoveTag(tags []string, tag string) ([]string, bool) {
	for i, t := range tags {
		if t == tag {
			out := make([]string, 0, len(tags)-1)
			out = append(out, tags[:i]...)
			return append(out, tags[i+1:]...), true
		}
	}
	return tags, false
}

func cloneTags(tags []string) []string {
	return append(make([]string, 0, len(tags)), tags...)
}
