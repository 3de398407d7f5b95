package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const sessionsFileName = "sessions.json"

// FileStore keeps descriptors in a single JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store writing dir/sessions.json.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, sessionsFileName)}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the descriptor list. A missing file is an empty list.
func (s *FileStore) Load(_ context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Descriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Save overwrites the file with descriptors via a temp file and rename.
func (s *FileStore) Save(_ context.Context, descriptors []Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if descriptors == nil {
		descriptors = []Descriptor{}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(descriptors, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
