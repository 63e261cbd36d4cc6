package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	fileExtension = ".json"
	tempSuffix    = ".tmp"
)

// FileStore keeps one JSON file per key inside a directory. Writes are
// atomic (temp file + rename) so concurrent readers never see partial data.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("localstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileExtension)
}

func (s *FileStore) Read(key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	return data, true, nil
}

func (s *FileStore) Write(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.path(key)
	tmpPath := target + tempSuffix
	if err := os.WriteFile(tmpPath, value, 0o644); err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localstore: remove %s: %w", key, err)
	}
	return nil
}

// Watch reports keys changed by any process writing into the store
// directory until ctx is cancelled. Temp files are ignored.
func (s *FileStore) Watch(ctx context.Context, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("localstore: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("localstore: watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if key, relevant := keyForEvent(event); relevant {
				onChange(key)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("localstore: watcher: %w", watchErr)
		}
	}
}

func keyForEvent(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, fileExtension) {
		return "", false
	}
	key := strings.TrimSuffix(name, fileExtension)
	if validateKey(key) != nil {
		return "", false
	}
	return key, true
}
