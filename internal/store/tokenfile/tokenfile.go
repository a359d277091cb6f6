// Package tokenfile stores the current broker session as a JSON file shared
// by every bridge process on the host.
package tokenfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"kitebridge/internal/model"
)

// Store is a model.TokenStore backed by a single file. Writes go to a temp
// file in the same directory and are renamed into place, so readers in other
// processes see either the old or the new session, never a torn write.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a store for path (e.g. "session_cache.json").
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the session file location.
func (s *Store) Path() string { return s.path }

// Load reads the session. A missing file or empty token is model.ErrNoSession.
func (s *Store) Load(ctx context.Context) (model.Session, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Session{}, model.ErrNoSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("tokenfile: read %s: %w", s.path, err)
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.Session{}, fmt.Errorf("tokenfile: decode %s: %w", s.path, err)
	}
	if sess.Empty() {
		return model.Session{}, model.ErrNoSession
	}
	return sess, nil
}

// Save atomically replaces the session file.
func (s *Store) Save(ctx context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(sess, "", "    ")
	if err != nil {
		return fmt.Errorf("tokenfile: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tokenfile: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("tokenfile: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("tokenfile: rename: %w", err)
	}
	log.Printf("[tokenfile] session saved to %s", s.path)
	return nil
}

// Clear deletes the session file.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: remove %s: %w", s.path, err)
	}
	log.Printf("[tokenfile] session cache %s cleared", s.path)
	return nil
}
