// Package export renders selected notes as a Markdown document.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/metcalfc/distill/internal/distill"
	"github.com/metcalfc/distill/internal/extract"
)

// Markdown writes notes grouped by chapter title, in ledger order. Quotes are
// block quotes, learnings bold bullets and insights plain bullets.
func Markdown(w io.Writer, title string, notes []distill.Note) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", headingText(title, "Notes"))
	if len(notes) == 0 {
		b.WriteString("_No notes selected._\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	for _, g := range groupByChapter(notes) {
		fmt.Fprintf(&b, "## %s\n\n", g.title)
		for _, n := range g.notes {
			b.WriteString(item(n))
			b.WriteString("\n\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

type group struct {
	title string
	notes []distill.Note
}

// groupByChapter keeps the first-appearance order of chapter titles.
func groupByChapter(notes []distill.Note) []group {
	var groups []group
	pos := make(map[string]int)
	for _, n := range notes {
		title := headingText(n.ChapterTitle, fmt.Sprintf("Segment %d", n.ChapterIndex+1))
		i, ok := pos[title]
		if !ok {
			i = len(groups)
			pos[title] = i
			groups = append(groups, group{title: title})
		}
		groups[i].notes = append(groups[i].notes, n)
	}
	return groups
}

func item(n distill.Note) string {
	content := strings.Join(strings.Fields(n.Content), " ")
	var line string
	switch n.Type {
	case extract.Quote:
		line = "> " + content
	case extract.Learning:
		line = "- **" + content + "**"
	default:
		line = "- " + content
	}
	if n.Source != "" {
		line += " — " + n.Source
	}
	if n.Location != "" {
		line += " (" + n.Location + ")"
	}
	for _, t := range n.Tags {
		line += " #" + hashtag(t)
	}
	return line
}

func hashtag(tag string) string {
	return strings.Join(strings.Fields(tag), "-")
}

func headingText(s, fallback string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return fallback
	}
	return s
}

// FileName returns a safe file name for the export of title.
func FileName(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		name = "notes_" + time.Now().Format("20060102")
	}
	return name + ".md"
}
