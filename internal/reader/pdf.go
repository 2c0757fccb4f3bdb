package reader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DefaultPagesPerSegment is used when Options leaves PagesPerSegment unset.
const DefaultPagesPerSegment = 8

// PDFFormat segments PDF files into fixed windows of pages.
type PDFFormat struct{}

func init() {
	Register(&PDFFormat{})
}

func (f *PDFFormat) Name() string         { return "PDF" }
func (f *PDFFormat) Extensions() []string { return []string{".pdf"} }
func (f *PDFFormat) Magic() []byte        { return []byte("%PDF-") }

// Segment extracts plain text page by page and groups pages into segments
// labelled with their page range.
func (f *PDFFormat) Segment(filename string, opts Options) (doc *Document, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = &ParseError{Path: filename, Format: f.Name(), Err: fmt.Errorf("%v", r)}
		}
	}()

	file, r, err := pdf.Open(filename)
	if err != nil {
		return nil, &ParseError{Path: filename, Format: f.Name(), Err: err}
	}
	defer file.Close()

	total := r.NumPage()
	if total == 0 {
		return nil, &ParseError{Path: filename, Format: f.Name(), Err: errors.New("no pages")}
	}

	per := opts.PagesPerSegment
	if per <= 0 {
		per = DefaultPagesPerSegment
	}

	doc = &Document{Title: pdfTitle(r)}
	if doc.Title == "" {
		doc.Title = titleFromPath(filename)
	}

	for start := 1; start <= total; start += per {
		end := min(start+per-1, total)
		var b strings.Builder
		for i := start; i <= end; i++ {
			p := r.Page(i)
			if p.V.IsNull() {
				continue
			}
			text, err := p.GetPlainText(nil)
			if err != nil {
				continue
			}
			b.WriteString(text)
			b.WriteString(" ")
		}
		text := normalizeSpace(b.String())
		if text == "" {
			continue
		}
		doc.Segments = append(doc.Segments, text)
		doc.Locations = append(doc.Locations, pageLabel(start, end))
	}

	return doc, nil
}

func pdfTitle(r *pdf.Reader) string {
	return strings.TrimSpace(r.Trailer().Key("Info").Key("Title").Text())
}

func pageLabel(start, end int) string {
	if start == end {
		return fmt.Sprintf("p. %d", start)
	}
	return fmt.Sprintf("pp. %d-%d", start, end)
}
