// Package localstore provides device-scoped key/value persistence that
// serves as the warm cache of reader state.
package localstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Keys used by the reader. Each holds one serialized mapping.
const (
	KeyProgress = "lamrim-progress"
	KeyNotes    = "lamrim-notes"
	KeySettings = "lamrim-settings"
)

// ErrInvalidKey indicates a key that is empty or unsafe to persist.
var ErrInvalidKey = errors.New("localstore: invalid key")

// Store is synchronous key/value storage scoped to the device.
type Store interface {
	Read(key string) ([]byte, bool, error)
	Write(key string, value []byte) error
	Remove(key string) error
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || trimmed != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Read(key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Write(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
