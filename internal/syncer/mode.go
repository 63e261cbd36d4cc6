package syncer

import "sync"

// Mode is the sync state of an orchestrator.
type Mode int

const (
	// ModeLocalOnly keeps all state on the device.
	ModeLocalOnly Mode = iota
	// ModeMigrating is reconciling local state with the remote store.
	ModeMigrating
	// ModeSynced writes through to the remote store and follows its pushes.
	ModeSynced
)

func (m Mode) String() string {
	switch m {
	case ModeLocalOnly:
		return "local-only"
	case ModeMigrating:
		return "migrating"
	case ModeSynced:
		return "synced"
	default:
		return "unknown"
	}
}

type listenerSet[T any] struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]func(T)
}

func (l *listenerSet[T]) add(listener func(T)) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[int64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.entries[id] = listener
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.entries, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet[T]) notify(value T) {
	l.mu.Lock()
	listeners := make([]func(T), 0, len(l.entries))
	for _, listener := range l.entries {
		listeners = append(listeners, listener)
	}
	l.mu.Unlock()

	for _, listener := range listeners {
		listener(value)
	}
}
