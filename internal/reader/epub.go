package reader

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/taylorskalyo/goreader/epub"
	"golang.org/x/net/html"
)

// EPUBFormat segments EPUB files, one segment per non-empty spine item.
type EPUBFormat struct{}

func init() {
	Register(&EPUBFormat{})
}

func (f *EPUBFormat) Name() string         { return "EPUB" }
func (f *EPUBFormat) Extensions() []string { return []string{".epub"} }
func (f *EPUBFormat) Magic() []byte        { return []byte("PK\x03\x04") }

// Sniff tells an EPUB apart from other zip archives such as .docx or .jar by
// its container manifest.
func (f *EPUBFormat) Sniff(filename string) bool {
	return hasContainer(filename) == nil
}

const containerPath = "META-INF/container.xml"

// hasContainer checks for the manifest before goreader opens the archive,
// which panics when it is missing.
func hasContainer(filename string) error {
	z, err := zip.OpenReader(filename)
	if err != nil {
		return err
	}
	defer z.Close()
	for _, file := range z.File {
		if file.Name == containerPath {
			return nil
		}
	}
	return errors.New("missing " + containerPath)
}

// Segment splits the book along its spine. Location labels come from the NCX
// table of contents when an entry points at the spine item.
func (f *EPUBFormat) Segment(filename string, _ Options) (*Document, error) {
	if err := hasContainer(filename); err != nil {
		return nil, &ParseError{Path: filename, Format: f.Name(), Err: err}
	}
	rc, err := epub.OpenReader(filename)
	if err != nil {
		return nil, &ParseError{Path: filename, Format: f.Name(), Err: err}
	}
	defer rc.Close()

	if len(rc.Rootfiles) == 0 {
		return nil, &ParseError{Path: filename, Format: f.Name(), Err: errors.New("no rootfiles found in epub")}
	}
	book := rc.Rootfiles[0]
	tocByHref := buildTOCHrefMap(filename, book)

	doc := &Document{Title: strings.TrimSpace(book.Title)}
	if doc.Title == "" {
		doc.Title = titleFromPath(filename)
	}

	for i, ref := range book.Spine.Itemrefs {
		if ref.Item == nil {
			continue
		}
		r, err := ref.Item.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			continue
		}

		text := normalizeSpace(extractTextFromHTML(string(data)))
		if text == "" {
			continue
		}

		label := fmt.Sprintf("Section %d", i+1)
		if ref.Item.HREF != "" {
			if t, ok := tocByHref[ref.Item.HREF]; ok && t != "" {
				label = t
			} else if t, ok := tocByHref[path.Base(ref.Item.HREF)]; ok && t != "" {
				label = t
			}
		}
		doc.Segments = append(doc.Segments, text)
		doc.Locations = append(doc.Locations, label)
	}

	return doc, nil
}

func extractTextFromHTML(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return ""
	}

	var out strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				out.WriteString(t)
				out.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out.String()
}
