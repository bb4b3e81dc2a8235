// Package file implements the JSON-file preferences backend used in
// standalone mode.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// FileKVStore keeps preferences in a single JSON object on disk.
// Apply writes a temp file and renames it over the original, so a batch is
// either fully visible or not at all.
type FileKVStore struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

// NewFileKVStore loads (or lazily creates) the preferences file at path.
func NewFileKVStore(path string) (*FileKVStore, error) {
	s := &FileKVStore{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	return s, nil
}

func (s *FileKVStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *FileKVStore) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *FileKVStore) Apply(_ context.Context, set map[string]string, del []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.data)
	for _, k := range del {
		delete(next, k)
	}
	maps.Copy(next, set)

	if err := s.writeUnsafe(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *FileKVStore) Close() error { return nil }

func (s *FileKVStore) writeUnsafe(data map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*.json")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}
