package syncer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
)

const identityBacklog = 16

// SessionConfig wires a Session.
type SessionConfig struct {
	Identity identity.Provider
	Progress *ProgressSync
	Notes    *NotesSync
	Logger   *zap.Logger
}

// Session follows an identity provider and drives both orchestrators
// through their modes. Identity changes are applied in order on one
// goroutine.
type Session struct {
	provider identity.Provider
	progress *ProgressSync
	notes    *NotesSync
	logger   *zap.Logger

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	unsubscribe func()
	changes     chan identity.Identity
	done        chan struct{}
}

// NewSession validates the dependencies of a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Identity == nil {
		return nil, newServiceError(opSessionNew, "missing_identity_provider", errMissingProvider)
	}
	if cfg.Progress == nil || cfg.Notes == nil {
		return nil, newServiceError(opSessionNew, "missing_sync", errMissingSync)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{
		provider: cfg.Identity,
		progress: cfg.Progress,
		notes:    cfg.Notes,
		logger:   logger,
	}, nil
}

// Progress returns the progress orchestrator.
func (s *Session) Progress() *ProgressSync {
	return s.progress
}

// Notes returns the notes orchestrator.
func (s *Session) Notes() *NotesSync {
	return s.notes
}

// Start applies the current identity and follows later changes until
// Close. The returned error is the outcome of the initial apply; local
// operation continues regardless.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.changes = make(chan identity.Identity, identityBacklog)
	s.done = make(chan struct{})
	changes := s.changes
	s.unsubscribe = s.provider.Subscribe(func(next identity.Identity) {
		select {
		case changes <- next:
		case <-runCtx.Done():
		}
	})
	s.mu.Unlock()

	err := s.Apply(runCtx, s.provider.Current())
	go s.follow(runCtx, changes)
	return err
}

func (s *Session) follow(ctx context.Context, changes <-chan identity.Identity) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-changes:
			if err := s.Apply(ctx, next); err != nil {
				s.logger.Warn("identity change left sync local-only",
					zap.String("user_id", next.UserID.String()),
					zap.Error(err))
			}
		}
	}
}

// Apply moves both orchestrators to the mode allowed by the identity.
func (s *Session) Apply(ctx context.Context, current identity.Identity) error {
	if current.Status == identity.StatusLoading {
		return nil
	}
	progressErr := s.progress.SetIdentity(ctx, current)
	notesErr := s.notes.SetIdentity(ctx, current)
	if err := errors.Join(progressErr, notesErr); err != nil {
		logError(s.logger, opSessionApply, "migration_failed", err,
			zap.String("user_id", current.UserID.String()))
		return err
	}
	return nil
}

// Flush waits until both write queues drained.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.progress.Flush(ctx); err != nil {
		return err
	}
	return s.notes.Flush(ctx)
}

// Close stops following identity changes and closes both orchestrators.
func (s *Session) Close() {
	s.mu.Lock()
	started := s.started
	unsubscribe := s.unsubscribe
	cancel := s.cancel
	done := s.done
	s.started = false
	s.unsubscribe = nil
	s.mu.Unlock()

	if started {
		if unsubscribe != nil {
			unsubscribe()
		}
		cancel()
		<-done
	}
	s.progress.Close()
	s.notes.Close()
}
