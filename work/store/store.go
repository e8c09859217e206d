package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Store persists one JSON file per datum inside a profile directory.
// Every write is a full-file replacement through renameio, so readers in
// another process (the UI) never observe a partially written file.
type Store struct {
	dir string
}

// New creates the profile directory if needed and returns a Store over it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory this store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path for a named datum.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Save marshals v and atomically replaces the named file.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.SaveRaw(name, data)
}

// SaveRaw atomically replaces the named file with raw bytes.
// renameio handles temp file creation, fsync and the atomic rename.
func (s *Store) SaveRaw(name string, data []byte) error {
	if err := renameio.WriteFile(s.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Load reads the named file into v. A missing file is reported as
// fs.ErrNotExist so callers can treat it as "no state yet".
func (s *Store) Load(name string, v any) error {
	data, err := s.LoadRaw(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// LoadRaw reads the named file verbatim.
func (s *Store) LoadRaw(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fs.ErrNotExist
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Exists reports whether the named datum is present on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Delete removes the named datum. Missing files are not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
