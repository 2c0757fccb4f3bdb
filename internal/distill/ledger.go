package distill

import (
	"sort"
	"sync"
)

// Ledger is the ordered set of selected notes. It is independent of the
// analysis cache: notes survive cache invalidation.
type Ledger struct {
	mu    sync.RWMutex
	notes []Note
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Toggle removes the note with n's id if present, otherwise adds n as a note
// of the given chapter. It reports whether the nugget is now selected.
func (l *Ledger) Toggle(n Nugget, chapterTitle string, chapterIndex int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOf(n.ID); i >= 0 {
		l.notes = append(l.notes[:i:i], l.notes[i+1:]...)
		return false
	}
	l.notes = append(l.notes, Note{
		Nugget:       n.clone(),
		ChapterTitle: chapterTitle,
		ChapterIndex: chapterIndex,
	})
	l.sortLocked()
	return true
}

func (l *Ledger) indexOf(id string) int {
	for i, n := range l.notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// sortLocked orders by chapter then rank. Ties keep insertion order.
func (l *Ledger) sortLocked() {
	sort.SliceStable(l.notes, func(i, j int) bool {
		a, b := l.notes[i], l.notes[j]
		if a.ChapterIndex != b.ChapterIndex {
			return a.ChapterIndex < b.ChapterIndex
		}
		return a.SortIndex < b.SortIndex
	})
}

func (l *Ledger) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOf(id) >= 0
}

func (l *Ledger) Get(id string) (Note, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexOf(id); i >= 0 {
		return l.notes[i].clone(), true
	}
	return Note{}, false
}

// Notes returns a copy of the ledger in order.
func (l *Ledger) Notes() []Note {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Note, len(l.notes))
	for i, n := range l.notes {
		out[i] = n.clone()
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.notes)
}

// SetTags replaces the tags of a selected note.
func (l *Ledger) SetTags(id string, tags []string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.notes[i].Tags = cloneTags(tags)
	return true
}

// Restore replaces the ledger with persisted notes, dropping duplicate ids.
func (l *Ledger) Restore(notes []Note) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = l.notes[:0]
	seen := make(map[string]bool, len(notes))
	for _, n := range notes {
		if n.ID == "" || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		l.notes = append(l.notes, n.clone())
	}
	l.sortLocked()
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	l.notes = nil
	l.mu.Unlock()
}
