// Package session ties a loaded document to its controller, note ledger and
// persisted snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/metcalfc/distill/internal/distill"
	"github.com/metcalfc/distill/internal/export"
	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/reader"
	"github.com/metcalfc/distill/internal/state"
)

// Options configures a Session.
type Options struct {
	// Store may be nil, in which case nothing is persisted.
	Store    state.Store
	Searcher extract.Searcher
	// Fresh ignores any saved snapshot.
	Fresh      bool
	Controller distill.Options
	Logger     *zap.Logger
}

// Session is one open document.
type Session struct {
	doc    *reader.Document
	ctrl   *distill.Controller
	ledger *distill.Ledger
	search extract.Searcher
	store  state.Store
	key    string
	log    *zap.Logger

	persistMu sync.Mutex
	discarded bool
	restored  bool
}

// Open starts a session for doc, restoring the saved snapshot for its title
// unless opts.Fresh is set. Storage failures are logged, never returned.
func Open(doc *reader.Document, ex extract.Extractor, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		doc:    doc,
		ledger: distill.NewLedger(),
		search: opts.Searcher,
		store:  opts.Store,
		key:    state.Key(doc.Title),
		log:    log.With(zap.String("session", state.Key(doc.Title))),
	}

	copts := opts.Controller
	copts.Logger = s.log
	copts.OnChange = s.persist
	copts.Tags = s.noteTags
	s.ctrl = distill.NewController(doc, ex, copts)

	if snap, ok := s.load(opts.Fresh); ok {
		s.restore(snap)
	}
	return s
}

func (s *Session) load(fresh bool) (state.Snapshot, bool) {
	if s.store == nil || fresh {
		return state.Snapshot{}, false
	}
	snap, ok, err := s.store.Load(s.key)
	if err != nil {
		s.log.Warn("Failed to load saved session", zap.Error(err))
		return state.Snapshot{}, false
	}
	return snap, ok
}

// restore applies a snapshot. The position goes last: moving persists, and
// the written snapshot must already carry the restored notes and usage.
func (s *Session) restore(snap state.Snapshot) {
	s.ledger.Restore(snap.Notes)
	s.ctrl.RestoreStats(snap.Stats)
	index := min(max(snap.ChapterIndex, 0), s.doc.Len()-1)
	if _, err := s.ctrl.Goto(index); err != nil {
		s.log.Warn("Failed to restore position", zap.Int("segment", snap.ChapterIndex), zap.Error(err))
	}
	s.restored = true
	s.log.Info("Restored session",
		zap.Int("segment", index),
		zap.Int("notes", len(snap.Notes)),
		zap.Int("input_tokens", snap.Stats.TotalInputTokens))
}

// Restored reports whether a saved snapshot was applied.
func (s *Session) Restored() bool { return s.restored }

func (s *Session) Document() *reader.Document       { return s.doc }
func (s *Session) Controller() *distill.Controller { return s.ctrl }
func (s *Session) Key() string                     { return s.key }
func (s *Session) Notes() []distill.Note           { return s.ledger.Notes() }
func (s *Session) Selected(id string) bool         { return s.ledger.Has(id) }
func (s *Session) Stats() distill.UsageStats       { return s.ctrl.Stats() }
func (s *Session) Current() distill.View           { return s.ctrl.Current() }

// Navigate moves to index and waits for its analysis.
func (s *Session) Navigate(ctx context.Context, index int) (distill.View, error) {
	return s.ctrl.Navigate(ctx, index)
}

// Toggle selects or deselects a nugget. Selecting needs the nugget's segment
// to be cached; deselecting works from the ledger alone.
func (s *Session) Toggle(id string) (bool, error) {
	if note, ok := s.ledger.Get(id); ok {
		s.ledger.Toggle(note.Nugget, note.ChapterTitle, note.ChapterIndex)
		s.persist()
		return false, nil
	}

	seg, ok := distill.SegmentOf(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", distill.ErrNuggetNotFound, id)
	}
	a, ok := s.ctrl.Analysis(seg)
	if !ok {
		return false, fmt.Errorf("%w: segment %d is not analysed", distill.ErrNuggetNotFound, seg)
	}
	n, ok := a.Nugget(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", distill.ErrNuggetNotFound, id)
	}
	s.ledger.Toggle(n, s.chapterTitle(seg, a), seg)
	s.persist()
	return true, nil
}

func (s *Session) chapterTitle(seg int, a distill.SegmentAnalysis) string {
	if a.Title != "" {
		return a.Title
	}
	_, location, _ := s.doc.Segment(seg)
	return location
}

// UpdateTags replaces a nugget's tags on both the cached nugget and its note.
func (s *Session) UpdateTags(id string, tags []string) error {
	tags = distill.NormalizeTags(tags)
	inCache := s.ctrl.SetNuggetTags(id, tags)
	inLedger := s.ledger.SetTags(id, tags)
	if !inCache && !inLedger {
		return fmt.Errorf("%w: %s", distill.ErrNuggetNotFound, id)
	}
	if inLedger {
		s.persist()
	}
	return nil
}

// AddTag adds one tag to a nugget.
func (s *Session) AddTag(id, tag string) error {
	return s.editTags(id, tag, distill.AddTag)
}

// RemoveTag removes one tag from a nugget.
func (s *Session) RemoveTag(id, tag string) error {
	return s.editTags(id, tag, distill.RemoveTag)
}

func (s *Session) editTags(id, tag string, edit func([]string, string) ([]string, bool)) error {
	tag = distill.NormalizeTag(tag)
	if tag == "" {
		return distill.ErrEmptyTag
	}
	current, ok := s.tags(id)
	if !ok {
		return fmt.Errorf("%w: %s", distill.ErrNuggetNotFound, id)
	}
	next, changed := edit(current, tag)
	if !changed {
		return nil
	}
	return s.UpdateTags(id, next)
}

// Tags returns the current tags of a nugget.
func (s *Session) Tags(id string) []string {
	tags, _ := s.tags(id)
	return tags
}

// noteTags lets fresh analyses pick up the tags of selected notes.
func (s *Session) noteTags(id string) ([]string, bool) {
	note, ok := s.ledger.Get(id)
	if !ok {
		return nil, false
	}
	return note.Tags, true
}

func (s *Session) tags(id string) ([]string, bool) {
	if note, ok := s.ledger.Get(id); ok {
		return note.Tags, true
	}
	if n, ok := s.ctrl.Nugget(id); ok {
		return n.Tags, true
	}
	return nil, false
}

// Search looks for a passage near the current segment and selects it when
// found. A failed call is reported as not found together with the error.
func (s *Session) Search(ctx context.Context, query string) (distill.Note, bool, error) {
	if s.search == nil {
		return distill.Note{}, false, errors.New("search is not available")
	}
	n, found, err := s.ctrl.Search(ctx, s.search, query)
	if err != nil || !found {
		return distill.Note{}, false, err
	}

	seg, _ := distill.SegmentOf(n.ID)
	var chapter string
	if a, ok := s.ctrl.Analysis(seg); ok {
		chapter = s.chapterTitle(seg, a)
	} else {
		_, chapter, _ = s.doc.Segment(seg)
	}
	s.ledger.Toggle(n, chapter, seg)
	s.persist()

	note, _ := s.ledger.Get(n.ID)
	return note, true, nil
}

// Export writes the selected notes as Markdown.
func (s *Session) Export(w io.Writer) error {
	return export.Markdown(w, s.doc.Title, s.ledger.Notes())
}

// Discard deletes the saved snapshot and stops persisting. Used when the
// user exports and closes the book.
func (s *Session) Discard() error {
	s.ctrl.Close()
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.discarded = true
	if s.store == nil {
		return nil
	}
	return s.store.Delete(s.key)
}

// Reset forgets notes, usage and cached analyses and deletes the snapshot.
// The session stays usable from segment 0.
func (s *Session) Reset() (distill.Ticket, error) {
	s.ledger.Clear()
	t := s.ctrl.Reset()
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.store == nil {
		return t, nil
	}
	return t, s.store.Delete(s.key)
}

// Close stops background work. The snapshot is kept.
func (s *Session) Close() {
	s.ctrl.Close()
	s.persist()
}

func (s *Session) persist() {
	if s.store == nil || s.ctrl == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.discarded {
		return
	}
	snap := state.Snapshot{
		ChapterIndex: s.ctrl.Index(),
		Notes:        s.ledger.Notes(),
		Stats:        s.ctrl.Stats(),
	}
	if err := s.store.Save(s.key, snap); err != nil {
		s.log.Warn("Failed to persist session", zap.Error(err))
	}
}
