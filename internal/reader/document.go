// Package reader turns a book file into an ordered list of text segments.
package reader

import (
	"errors"
	"path/filepath"
	"strings"
)

// Document is a loaded book: a title plus parallel segment and location slices.
// It is built once per load and never mutated afterwards.
type Document struct {
	Title     string
	Segments  []string
	Locations []string
}

// Validate checks the segment/location invariant.
func (d *Document) Validate() error {
	if d == nil {
		return errors.New("nil document")
	}
	if len(d.Segments) != len(d.Locations) {
		return errors.New("segments and locations differ in length")
	}
	if len(d.Segments) == 0 {
		return errors.New("document has no readable segments")
	}
	return nil
}

// Len returns the number of segments.
func (d *Document) Len() int {
	return len(d.Segments)
}

// Segment returns the text and location label at index i.
func (d *Document) Segment(i int) (text, location string, ok bool) {
	if i < 0 || i >= len(d.Segments) {
		return "", "", false
	}
	return d.Segments[i], d.Locations[i], true
}

// Window returns the segment texts from lo to hi inclusive, clamped to the document.
func (d *Document) Window(lo, hi int) []string {
	if lo < 0 {
		lo = 0
	}
	if hi >= len(d.Segments) {
		hi = len(d.Segments) - 1
	}
	if hi < lo {
		return nil
	}
	out := make([]string, hi-lo+1)
	copy(out, d.Segments[lo:hi+1])
	return out
}

// titleFromPath derives a display title from a file name.
func titleFromPath(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return strings.Join(strings.Fields(base), " ")
}

// normalizeSpace collapses all whitespace runs to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
