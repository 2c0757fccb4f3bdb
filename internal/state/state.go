package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/metcalfc/distill/internal/distill"
)

const (
	appName       = "distill"
	stateFileName = "sessions.json"
	keyPrefix     = "distill_"
)

// Snapshot is the persisted state of one reading session.
type Snapshot struct {
	ChapterIndex int                `json:"chapterIndex"`
	Notes        []distill.Note     `json:"notes"`
	Stats        distill.UsageStats `json:"stats"`
}

// Store persists session snapshots by key.
type Store interface {
	// Load returns the snapshot for key; ok is false when none exists.
	Load(key string) (snap Snapshot, ok bool, err error)
	Save(key string, snap Snapshot) error
	Delete(key string) error
	Keys() ([]string, error)
	Close() error
}

// StorageError reports a failed read or write of persisted state.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Key derives the storage key for a document title: lowercased, with runs of
// anything but letters and digits collapsed to one underscore.
func Key(title string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	if b.Len() == 0 {
		return keyPrefix + "untitled"
	}
	return keyPrefix + b.String()
}

// FileStore keeps every snapshot in one JSON file.
type FileStore struct {
	path string
	data map[string]Snapshot
	mu   sync.RWMutex
}

// NewFileStore creates or loads sessions.json in dir, or in
// XDG_STATE_HOME/distill when dir is empty. An unreadable file is not fatal:
// the store starts empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = StateDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	store := &FileStore{
		path: filepath.Join(dir, stateFileName),
		data: make(map[string]Snapshot),
	}
	if err := store.load(); err != nil {
		store.data = make(map[string]Snapshot)
	}
	return store, nil
}

// StateDir returns XDG_STATE_HOME/distill or ~/.local/state/distill
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", appName)
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(key string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[key]
	return snap, ok, nil
}

func (s *FileStore) Save(key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	s.data[key] = snap
	if err := s.save(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return &StorageError{Op: "save", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	if err := s.save(); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.data)
}

func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
