// Package store is the durable key-value file that keeps session config and
// entitlement state across restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"murmur/log"
)

// Store is a JSON object on disk, one top-level key per value. Every Put
// rewrites the whole file atomically.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// Open loads path, creating its directory. A missing file is an empty store.
// An unparsable file is renamed aside with a .corrupt suffix and replaced by
// an empty store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s := &Store{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		aside := fmt.Sprintf("%s.%d.corrupt", path, time.Now().Unix())
		log.Warnf("state file %s unreadable (%v), moved to %s", path, err, aside)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("move corrupt state aside: %w", rerr)
		}
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Get decodes key into v. It reports false if the key is absent.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Put stores v under key and flushes the file. On a write failure the
// in-memory value is rolled back so memory and disk stay in step.
func (s *Store) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	s.data[key] = raw
	if err := WriteJSON(s.path, s.data); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// Delete removes key and flushes the file.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := WriteJSON(s.path, s.data); err != nil {
		s.data[key] = prev
		return fmt.Errorf("persist delete %s: %w", key, err)
	}
	return nil
}

// WriteJSON writes v to path via a temp file in the same directory and a
// rename, so readers see either the old or the new content.
func WriteJSON(path string, v any) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	committed := false
	defer func() {
		if !committed {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmpFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	return nil
}
