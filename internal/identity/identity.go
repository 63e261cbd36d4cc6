// Package identity describes who is using the reader and lets sync
// components observe sign-in and sign-out.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("identity: invalid user id")

// Status mirrors the authentication state reported by the identity backend.
type Status string

const (
	StatusLoading       Status = "loading"
	StatusAnonymous     Status = "anonymous"
	StatusAuthenticated Status = "authenticated"
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Identity is the current user as seen by the reader.
type Identity struct {
	UserID      UserID
	IsAnonymous bool
	Status      Status
}

// Loading is the identity before the backend answered.
func Loading() Identity {
	return Identity{Status: StatusLoading}
}

// Anonymous is an identity without a durable account.
func Anonymous(userID UserID) Identity {
	return Identity{UserID: userID, IsAnonymous: true, Status: StatusAnonymous}
}

// Authenticated is a signed-in identity with a durable account.
func Authenticated(userID UserID) Identity {
	return Identity{UserID: userID, Status: StatusAuthenticated}
}

// CanSync reports whether the identity may use the remote store.
func (i Identity) CanSync() bool {
	return i.Status == StatusAuthenticated && !i.IsAnonymous && i.UserID != ""
}

// Provider exposes the current identity and notifies observers of changes.
type Provider interface {
	Current() Identity
	Subscribe(onChange func(Identity)) (cancel func())
}

// Manual is a Provider whose identity is set explicitly, e.g. from CLI
// flags or by a host application bridging its own auth backend.
type Manual struct {
	mu        sync.Mutex
	current   Identity
	nextID    int64
	listeners map[int64]func(Identity)
}

// NewManual constructs a Manual provider holding the initial identity.
func NewManual(initial Identity) *Manual {
	return &Manual{
		current:   initial,
		listeners: make(map[int64]func(Identity)),
	}
}

// Current returns the identity last set.
func (m *Manual) Current() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set replaces the identity and notifies subscribers synchronously when it changed.
func (m *Manual) Set(next Identity) {
	m.mu.Lock()
	if m.current == next {
		m.mu.Unlock()
		return
	}
	m.current = next
	listeners := make([]func(Identity), 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
}

// Subscribe registers a change listener.
func (m *Manual) Subscribe(onChange func(Identity)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = onChange
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
