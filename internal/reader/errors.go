package reader

import "fmt"

// FormatError reports a file that is neither a PDF nor an EPUB.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unsupported format for %s: %s", e.Path, e.Reason)
}

// ParseError reports a supported file whose container could not be read.
type ParseError struct {
	Path   string
	Format string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s as %s: %v", e.Path, e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
