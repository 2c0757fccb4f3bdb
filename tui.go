package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/metcalfc/distill/internal/distill"
	"github.com/metcalfc/distill/internal/export"
	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Padding(0, 1)

	controlsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Italic(true)

	loadingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAA00")).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	tagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5FAFFF"))

	typeStyles = map[extract.NuggetType]lipgloss.Style{
		extract.Quote:    lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF87")),
		extract.Learning: lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787")),
		extract.Insight:  lipgloss.NewStyle().Foreground(lipgloss.Color("#AF87FF")),
	}
)

type mode int

const (
	modeBrowse mode = iota
	modeTag
	modeSearch
	modePreview
)

type model struct {
	ctx       context.Context
	sess      *session.Session
	exportDir string

	view    distill.View
	cursor  int
	mode    mode
	status  string
	pending int

	input   textinput.Model
	spinner spinner.Model
	preview viewport.Model

	quitting bool
	closed   bool
	width    int
	height   int
}

// viewMsg carries the outcome of waiting for a segment.
type viewMsg struct {
	view distill.View
	err  error
}

type searchMsg struct {
	note  distill.Note
	found bool
	err   error
}

type exportedMsg struct {
	path  string
	close bool
	err   error
}

func newModel(ctx context.Context, sess *session.Session, exportDir string) model {
	ti := textinput.New()
	ti.CharLimit = 200
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = loadingStyle

	return model{
		ctx:       ctx,
		sess:      sess,
		exportDir: exportDir,
		view:      sess.Current(),
		input:     ti,
		spinner:   sp,
		preview:   viewport.New(80, 20),
		width:     80,
		height:    24,
	}
}

func (m model) Init() tea.Cmd {
	return m.await(m.sess.Controller().Ticket())
}

// await resolves a ticket in the background and ticks the spinner meanwhile.
func (m model) await(t distill.Ticket) tea.Cmd {
	ctrl := m.sess.Controller()
	ctx := m.ctx
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		v, err := ctrl.Await(ctx, t)
		return viewMsg{view: v, err: err}
	})
}

func (m model) goTo(index int) (model, tea.Cmd) {
	t, err := m.sess.Controller().Goto(index)
	if err != nil {
		return m, nil
	}
	m.view = m.sess.Current()
	m.cursor = 0
	m.status = ""
	return m, m.await(t)
}

// refilter shows the loading view after a filter change and waits for the
// re-analysis of the current segment.
func (m model) refilter(t distill.Ticket, changed bool) (model, tea.Cmd) {
	if !changed {
		return m, nil
	}
	m.view = m.sess.Current()
	m.cursor = 0
	m.status = "Filters: " + m.sess.Controller().Filters().String()
	return m, m.await(t)
}

func (m model) nuggets() []distill.Nugget {
	if m.view.Analysis == nil {
		return nil
	}
	return m.view.Analysis.Nuggets
}

func (m model) current() (distill.Nugget, bool) {
	ns := m.nuggets()
	if m.cursor < 0 || m.cursor >= len(ns) {
		return distill.Nugget{}, false
	}
	return ns[m.cursor], true
}

// refresh re-reads the view so tag edits show up.
func (m model) refresh() model {
	v := m.sess.Current()
	if v.Index == m.view.Index && !v.Loading {
		m.view = v
	}
	return m
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.preview.Width = msg.Width
		m.preview.Height = max(msg.Height-2, 1)
		return m, nil

	case viewMsg:
		if errors.Is(msg.err, distill.ErrStale) {
			return m, nil
		}
		m.view = msg.view
		if m.cursor >= len(m.nuggets()) {
			m.cursor = 0
		}
		return m, nil

	case searchMsg:
		m.pending--
		switch {
		case msg.err != nil:
			m.status = "Search failed: " + msg.err.Error()
		case !msg.found:
			m.status = "No matching passage nearby"
		default:
			m.status = "Found and selected: " + truncate(msg.note.Content, 60)
		}
		return m, nil

	case exportedMsg:
		if msg.err != nil {
			m.status = "Export failed: " + msg.err.Error()
			return m, nil
		}
		if msg.close {
			m.closed = true
			m.quitting = true
			m.status = "Exported to " + msg.path
			return m, tea.Quit
		}
		m.status = "Exported to " + msg.path
		return m, nil

	case spinner.TickMsg:
		if !m.view.Loading && m.pending == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch m.mode {
		case modeTag, modeSearch:
			return m.updatePrompt(msg)
		case modePreview:
			return m.updatePreview(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctrl := m.sess.Controller()
	switch msg.String() {
	case "right", "l", "n":
		if m.view.Index+1 < m.sess.Document().Len() {
			return m.goTo(m.view.Index + 1)
		}
		return m, nil

	case "left", "h", "p":
		if m.view.Index > 0 {
			return m.goTo(m.view.Index - 1)
		}
		return m, nil

	case "r":
		if m.view.Err != nil {
			return m.goTo(m.view.Index)
		}
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case "down", "j":
		if m.cursor+1 < len(m.nuggets()) {
			m.cursor++
		}
		return m, nil

	case " ", "enter":
		n, ok := m.current()
		if !ok {
			return m, nil
		}
		selected, err := m.sess.Toggle(n.ID)
		switch {
		case err != nil:
			m.status = err.Error()
		case selected:
			m.status = "Selected"
		default:
			m.status = "Deselected"
		}
		return m, nil

	case "t":
		if _, ok := m.current(); !ok {
			return m, nil
		}
		return m.openPrompt(modeTag, "tag: ")

	case "T":
		n, ok := m.current()
		if !ok || len(n.Tags) == 0 {
			return m, nil
		}
		if err := m.sess.RemoveTag(n.ID, n.Tags[len(n.Tags)-1]); err != nil {
			m.status = err.Error()
		}
		return m.refresh(), nil

	case "/":
		return m.openPrompt(modeSearch, "find: ")

	case "b":
		return m.refilter(ctrl.ToggleBackMatter())
	case "f":
		return m.refilter(ctrl.ToggleFrontMatter())
	case "1":
		return m.refilter(ctrl.ToggleType(extract.Quote))
	case "2":
		return m.refilter(ctrl.ToggleType(extract.Learning))
	case "3":
		return m.refilter(ctrl.ToggleType(extract.Insight))

	case "v":
		m.mode = modePreview
		m.preview.SetContent(m.renderNotes())
		m.preview.GotoTop()
		return m, nil

	case "e":
		return m, m.exportCmd(false)
	case "E":
		return m, m.exportCmd(true)

	case "q", "Q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m model) openPrompt(md mode, prompt string) (tea.Model, tea.Cmd) {
	m.mode = md
	m.input.Prompt = prompt
	m.input.SetValue("")
	return m, m.input.Focus()
}

func (m model) closePrompt() model {
	m.mode = modeBrowse
	m.input.Blur()
	m.input.SetValue("")
	return m
}

func (m model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+c":
		return m.closePrompt(), nil

	case "enter":
		value := m.input.Value()
		md := m.mode
		m = m.closePrompt()
		if md == modeTag {
			n, ok := m.current()
			if !ok {
				return m, nil
			}
			if err := m.sess.AddTag(n.ID, value); err != nil {
				m.status = err.Error()
			}
			return m.refresh(), nil
		}
		if strings.TrimSpace(value) == "" {
			return m, nil
		}
		m.pending++
		m.status = "Searching nearby segments..."
		return m, tea.Batch(m.spinner.Tick, m.searchCmd(value))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) updatePreview(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "v", "q":
		m.mode = modeBrowse
		return m, nil
	}
	var cmd tea.Cmd
	m.preview, cmd = m.preview.Update(msg)
	return m, cmd
}

func (m model) searchCmd(query string) tea.Cmd {
	sess, ctx := m.sess, m.ctx
	return func() tea.Msg {
		note, found, err := sess.Search(ctx, query)
		return searchMsg{note: note, found: found, err: err}
	}
}

func (m model) exportCmd(andClose bool) tea.Cmd {
	sess, dir := m.sess, m.exportDir
	return func() tea.Msg {
		path, err := writeExport(sess, dir)
		if err == nil && andClose {
			err = sess.Discard()
		}
		return exportedMsg{path: path, close: andClose, err: err}
	}
}

// writeExport writes the session's notes into dir and returns the file path.
func writeExport(sess *session.Session, dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, export.FileName(sess.Document().Title))
	var buf bytes.Buffer
	if err := sess.Export(&buf); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	return path, nil
}

// renderNotes renders the export with glamour, falling back to raw Markdown.
func (m model) renderNotes() string {
	var buf bytes.Buffer
	if err := m.sess.Export(&buf); err != nil {
		return err.Error()
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(m.width-4, 20)),
	)
	if err != nil {
		return buf.String()
	}
	out, err := r.Render(buf.String())
	if err != nil {
		return buf.String()
	}
	return out
}

func (m model) View() string {
	if m.quitting {
		if m.closed {
			return selectedStyle.Render("\n  "+m.status+"\n") + "\n"
		}
		return ""
	}
	if m.mode == modePreview {
		return m.preview.View() + "\n" + controlsStyle.Render("↑/↓: scroll  v/esc: back")
	}

	var sb strings.Builder
	sb.WriteString(m.statusLine())
	sb.WriteString("\n\n")
	sb.WriteString(m.body())
	sb.WriteString("\n")

	switch m.mode {
	case modeTag, modeSearch:
		sb.WriteString(m.input.View())
		sb.WriteString("\n")
	default:
		if m.pending > 0 {
			sb.WriteString(m.spinner.View() + " ")
		}
		if m.status != "" {
			sb.WriteString(statusStyle.Render(m.status))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(controlsStyle.Render("←/→: segment  ↑/↓: nugget  SPACE: select  t/T: tag  /: find  b/f/1/2/3: filters  v: notes  e/E: export  Q: quit"))
	return sb.String()
}

func (m model) statusLine() string {
	doc := m.sess.Document()
	stats := m.sess.Stats()
	return statusStyle.Render(fmt.Sprintf("%s | %d/%d %s | %d notes | %d in / %d out | $%.4f",
		doc.Title,
		m.view.Index+1,
		doc.Len(),
		m.view.Location,
		len(m.sess.Notes()),
		stats.TotalInputTokens,
		stats.TotalOutputTokens,
		stats.EstimatedCost,
	))
}

func (m model) body() string {
	switch {
	case m.view.Loading:
		return m.spinner.View() + loadingStyle.Render(" Analysing "+m.view.Location+"...")
	case m.view.Err != nil:
		return errorStyle.Render("Error: "+m.view.Err.Error()) + "\n" + controlsStyle.Render("r: retry")
	case m.view.Analysis == nil:
		return ""
	}

	a := m.view.Analysis
	var sb strings.Builder
	if a.Title != "" {
		sb.WriteString(titleStyle.Render(a.Title))
		sb.WriteString("\n\n")
	}
	if a.Suppressed(m.sess.Controller().Filters()) {
		kind, key := "back matter", "B"
		if a.IsFrontMatter {
			kind, key = "front matter", "F"
		}
		sb.WriteString(controlsStyle.Render(fmt.Sprintf("Skipped %s. %s: include it", kind, key)))
		return sb.String()
	}
	if len(a.Nuggets) == 0 {
		sb.WriteString(controlsStyle.Render("Nothing worth keeping here."))
		return sb.String()
	}

	wrap := lipgloss.NewStyle().Width(max(m.width-8, 20))
	for i, n := range a.Nuggets {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		mark := "[ ]"
		if m.sess.Selected(n.ID) {
			mark = selectedStyle.Render("[x]")
		}
		label := typeStyles[n.Type].Render(string(n.Type))
		line := n.Content
		if n.Source != "" {
			line += " (" + n.Source + ")"
		}
		sb.WriteString(fmt.Sprintf("%s%s %s\n", cursor, mark, label))
		sb.WriteString(wrap.MarginLeft(6).Render(line))
		sb.WriteString("\n")
		if len(n.Tags) > 0 {
			sb.WriteString(strings.Repeat(" ", 6) + tagStyle.Render("#"+strings.Join(n.Tags, " #")))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
