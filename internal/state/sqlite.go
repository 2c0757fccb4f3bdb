package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteFileName = "sessions.db"

// SQLiteStore keeps snapshots in a SQLite database, one row per session.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens sessions.db in dir, or in the default state directory
// when dir is empty.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if dir == "" {
		dir = StateDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to create directory: %w", err)}
	}
	path := filepath.Join(dir, sqliteFileName)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to open database: %w", err)}
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Load(key string) (Snapshot, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, &StorageError{Op: "load", Key: key, Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, false, &StorageError{Op: "load", Key: key, Err: err}
	}
	return snap, true, nil
}

func (s *SQLiteStore) Save(key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}
	_, err = s.db.Exec(`
	INSERT INTO sessions (key, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, string(data), time.Now().Unix())
	if err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM sessions ORDER BY key`)
	if err != nil {
		return nil, &StorageError{Op: "keys", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &StorageError{Op: "keys", Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "keys", Err: err}
	}
	return keys, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Open returns the store for backend, "file" or "sqlite".
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dir)
	case "sqlite":
		return NewSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
