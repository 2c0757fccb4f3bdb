package reader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Options tunes segmentation for formats that have no natural chapter boundaries.
type Options struct {
	PagesPerSegment int
}

// Format defines a book format that can be split into segments.
type Format interface {
	Name() string
	Extensions() []string
	Magic() []byte
	Segment(filename string, opts Options) (*Document, error)
}

// sniffer is implemented by formats whose magic bytes are shared with other
// file types. Sniff reports whether the file really is the format.
type sniffer interface {
	Sniff(filename string) bool
}

var registry []Format

// Register adds a format to the registry.
func Register(f Format) {
	registry = append(registry, f)
}

// Load segments a file using the registered format matching its extension,
// falling back to the file's leading magic bytes.
func Load(filename string, opts Options) (*Document, error) {
	f, err := lookup(filename)
	if err != nil {
		return nil, err
	}
	doc, err := f.Segment(filename, opts)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, &ParseError{Path: filename, Format: f.Name(), Err: err}
	}
	return doc, nil
}

func lookup(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, f := range registry {
		for _, e := range f.Extensions() {
			if ext == e {
				return f, nil
			}
		}
	}

	head, err := readHead(filename, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	for _, f := range registry {
		m := f.Magic()
		if len(m) == 0 || !bytes.HasPrefix(head, m) {
			continue
		}
		if s, ok := f.(sniffer); ok && !s.Sniff(filename) {
			continue
		}
		return f, nil
	}
	return nil, &FormatError{Path: filename, Reason: "expected one of " + strings.Join(SupportedFormats(), ", ")}
}

func readHead(filename string, n int) ([]byte, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// SupportedFormats returns registered format names with their extensions.
func SupportedFormats() []string {
	var out []string
	for _, f := range registry {
		out = append(out, f.Name()+" ("+strings.Join(f.Extensions(), ", ")+")")
	}
	return out
}
