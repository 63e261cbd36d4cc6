// Package syncer keeps reader progress and notes available offline and
// reconciles them with a per-user remote store once the reader signs in.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
	"github.com/MarcoPoloResearchLab/lamrim/internal/toc"
)

const progressQueueKey = "progress"

// ProgressRemote is the per-user progress document of the remote store.
type ProgressRemote interface {
	FetchProgress(ctx context.Context, userID identity.UserID) (progress.Snapshot, error)
	SubscribeProgress(ctx context.Context, userID identity.UserID, onSnapshot func(progress.Snapshot)) (cancel func(), err error)
	WriteProgress(ctx context.Context, userID identity.UserID, snapshot progress.Snapshot) error
}

// ProgressConfig wires a ProgressSync. Remote may be nil when no backend
// is configured; the orchestrator then stays local-only.
type ProgressConfig struct {
	Local    localstore.Store
	Remote   ProgressRemote
	Contents *toc.Contents
	Clock    func() time.Time
	Queue    QueueConfig
	Logger   *zap.Logger
}

// ProgressSync owns the progress snapshot of one device.
type ProgressSync struct {
	local    localstore.Store
	remote   ProgressRemote
	contents *toc.Contents
	clock    func() time.Time
	logger   *zap.Logger
	queue    *WriteQueue

	mu          sync.Mutex
	snapshot    progress.Snapshot
	mode        Mode
	userID      identity.UserID
	generation  uint64
	revision    uint64
	cancelSub   func()
	deferred    progress.Snapshot
	hasDeferred bool

	modeListeners   listenerSet[Mode]
	changeListeners listenerSet[progress.Snapshot]
}

// NewProgressSync loads the cached snapshot and starts in local-only mode.
func NewProgressSync(cfg ProgressConfig) (*ProgressSync, error) {
	if cfg.Local == nil {
		return nil, newServiceError(opProgressNew, "missing_local_store", errMissingLocalStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	queueConfig := cfg.Queue
	if queueConfig.Logger == nil {
		queueConfig.Logger = logger
	}

	s := &ProgressSync{
		local:    cfg.Local,
		remote:   cfg.Remote,
		contents: cfg.Contents,
		clock:    clock,
		logger:   logger,
		snapshot: progress.Snapshot{},
		mode:     ModeLocalOnly,
	}
	s.snapshot = s.loadLocal()
	s.queue = NewWriteQueue(queueConfig)
	return s, nil
}

func (s *ProgressSync) loadLocal() progress.Snapshot {
	data, found, err := s.local.Read(localstore.KeyProgress)
	if err != nil {
		logError(s.logger, opProgressLoad, "read_failed", err)
		return progress.Snapshot{}
	}
	if !found {
		return progress.Snapshot{}
	}
	snapshot, err := progress.DecodeSnapshot(data)
	if err != nil {
		logError(s.logger, opProgressLoad, "decode_failed", err)
		return progress.Snapshot{}
	}
	return dropDefaults(snapshot)
}

func dropDefaults(snapshot progress.Snapshot) progress.Snapshot {
	for sectionID, entry := range snapshot {
		if entry.IsDefault() {
			delete(snapshot, sectionID)
		}
	}
	return snapshot
}

func (s *ProgressSync) persistLocked(snapshot progress.Snapshot) error {
	data, err := progress.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.local.Write(localstore.KeyProgress, data)
}

// Mode returns the current sync mode.
func (s *ProgressSync) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Snapshot returns a copy of the current progress.
func (s *ProgressSync) Snapshot() progress.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Status returns the status of a section.
func (s *ProgressSync) Status(sectionID string) progress.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.StatusOf(sectionID)
}

// IsBookmarked reports whether a section is bookmarked.
func (s *ProgressSync) IsBookmarked(sectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.IsBookmarked(sectionID)
}

// CompletedCount returns the number of completed sections.
func (s *ProgressSync) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.CompletedCount()
}

// TotalCount returns the number of sections in the table of contents, or
// zero when none was supplied.
func (s *ProgressSync) TotalCount() int {
	if s.contents == nil {
		return 0
	}
	return s.contents.TotalSections()
}

// Bookmarks returns the bookmarked section ids.
func (s *ProgressSync) Bookmarks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Bookmarks()
}

// MarkCompleted completes a section. It reports whether anything changed.
func (s *ProgressSync) MarkCompleted(sectionID string) (bool, error) {
	return s.apply(sectionID, progress.MarkCompleted(sectionID))
}

// MarkUnread resets a section to available, keeping its bookmark.
func (s *ProgressSync) MarkUnread(sectionID string) (bool, error) {
	return s.apply(sectionID, progress.MarkUnread(sectionID))
}

// ToggleBookmark flips the bookmark of a section.
func (s *ProgressSync) ToggleBookmark(sectionID string) (bool, error) {
	return s.apply(sectionID, progress.ToggleBookmark(sectionID))
}

// ResetAll sets every section back to available, keeping bookmarks.
func (s *ProgressSync) ResetAll() (bool, error) {
	return s.apply("", progress.ResetAll())
}

func (s *ProgressSync) apply(sectionID string, mutation progress.Mutation) (bool, error) {
	if sectionID != "" && s.contents != nil && !s.contents.SectionExists(sectionID) {
		return false, newServiceError(opProgressMutate, "unknown_section", ErrUnknownSection)
	}

	s.mu.Lock()
	next, changed := mutation(s.snapshot, s.clock().UTC())
	if !changed {
		s.mu.Unlock()
		return false, nil
	}
	persistErr := s.persistLocked(next)
	s.snapshot = next
	s.revision++
	if s.mode == ModeSynced {
		s.enqueueLocked(next)
	}
	published := next.Clone()
	s.mu.Unlock()

	s.changeListeners.notify(published)
	if persistErr != nil {
		logError(s.logger, opProgressMutate, "persist_failed", persistErr,
			zap.String("section_id", sectionID))
		return true, newServiceError(opProgressMutate, "persist_failed", persistErr)
	}
	return true, nil
}

func (s *ProgressSync) enqueueLocked(snapshot progress.Snapshot) {
	userID := s.userID
	payload := snapshot.Clone()
	err := s.queue.Enqueue(WriteTask{
		Key:       progressQueueKey,
		Operation: "write_progress",
		Run: func(ctx context.Context) error {
			return s.remote.WriteProgress(ctx, userID, payload)
		},
	})
	if err != nil {
		logError(s.logger, opProgressMutate, "enqueue_failed", err,
			zap.String("user_id", userID.String()))
	}
}

// SetIdentity moves the orchestrator to the mode the identity allows.
// A signed-in, non-anonymous identity with a configured remote triggers
// migration; anything else drops to local-only. Migration errors leave
// the orchestrator local-only with local data intact.
func (s *ProgressSync) SetIdentity(ctx context.Context, current identity.Identity) error {
	if !current.CanSync() || s.remote == nil {
		s.detach()
		return nil
	}

	s.mu.Lock()
	if s.userID == current.UserID && s.mode != ModeLocalOnly {
		s.mu.Unlock()
		return nil
	}
	cancelPrevious := s.cancelSub
	s.cancelSub = nil
	s.generation++
	generation := s.generation
	s.userID = current.UserID
	s.mode = ModeMigrating
	s.mu.Unlock()

	if cancelPrevious != nil {
		cancelPrevious()
	}
	s.modeListeners.notify(ModeMigrating)
	return s.migrate(ctx, generation, current.UserID)
}

func (s *ProgressSync) migrate(ctx context.Context, generation uint64, userID identity.UserID) error {
	s.mu.Lock()
	startRevision := s.revision
	local := s.snapshot.Clone()
	s.mu.Unlock()

	remote, err := s.remote.FetchProgress(ctx, userID)
	if err != nil {
		return s.failMigration(generation, "fetch_failed", err, userID)
	}
	remote = dropDefaults(remote.Clone())
	merged := progress.Merge(local, remote)
	if !progress.Equal(merged, remote) {
		if err := s.remote.WriteProgress(ctx, userID, merged); err != nil {
			return s.failMigration(generation, "write_failed", err, userID)
		}
	}

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return nil
	}
	// the migration copy is stale once the reader mutated meanwhile
	if s.revision != startRevision {
		merged = progress.Merge(s.snapshot, remote)
	}
	persistErr := s.persistLocked(merged)
	s.snapshot = merged
	published := merged.Clone()
	s.mu.Unlock()

	if persistErr != nil {
		logError(s.logger, opProgressMigrate, "persist_failed", persistErr,
			zap.String("user_id", userID.String()))
	}
	s.changeListeners.notify(published)

	cancel, err := s.remote.SubscribeProgress(context.WithoutCancel(ctx), userID, func(snapshot progress.Snapshot) {
		s.handlePush(generation, snapshot)
	})
	if err != nil {
		return s.failMigration(generation, "subscribe_failed", err, userID)
	}

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancelSub = cancel
	s.mode = ModeSynced
	var changed bool
	// mutations made while migrating were not written remotely; the queued
	// write produces a fresher push than the one held back
	if s.revision != startRevision {
		s.enqueueLocked(s.snapshot)
	} else if s.hasDeferred {
		published, changed, persistErr = s.applyPushLocked(s.deferred)
	}
	s.deferred = nil
	s.hasDeferred = false
	s.mu.Unlock()

	if persistErr != nil {
		logError(s.logger, opProgressMigrate, "persist_failed", persistErr,
			zap.String("user_id", userID.String()))
	}
	s.logger.Info("progress synced", zap.String("user_id", userID.String()))
	s.modeListeners.notify(ModeSynced)
	if changed {
		s.changeListeners.notify(published)
	}
	return nil
}

func (s *ProgressSync) failMigration(generation uint64, reason string, cause error, userID identity.UserID) error {
	logError(s.logger, opProgressMigrate, reason, cause, zap.String("user_id", userID.String()))

	s.mu.Lock()
	current := s.generation == generation
	if current {
		s.generation++
		s.mode = ModeLocalOnly
		s.userID = ""
		s.deferred = nil
		s.hasDeferred = false
	}
	s.mu.Unlock()

	if current {
		s.modeListeners.notify(ModeLocalOnly)
	}
	return newServiceError(opProgressMigrate, reason, cause)
}

// handlePush merges a remote snapshot into memory. Pushes that arrive
// while migrating are held until the migration settled.
func (s *ProgressSync) handlePush(generation uint64, remote progress.Snapshot) {
	s.mu.Lock()
	if s.generation != generation || s.mode == ModeLocalOnly {
		s.mu.Unlock()
		return
	}
	if s.mode == ModeMigrating {
		s.deferred = remote.Clone()
		s.hasDeferred = true
		s.mu.Unlock()
		return
	}
	// the queued write will produce a fresher push
	if s.queue.Pending(progressQueueKey) > 0 {
		s.mu.Unlock()
		s.logger.Debug("progress push skipped while writes are pending")
		return
	}
	published, changed, persistErr := s.applyPushLocked(remote)
	s.mu.Unlock()

	if persistErr != nil {
		logError(s.logger, opProgressPush, "persist_failed", persistErr)
	}
	if changed {
		s.changeListeners.notify(published)
	}
}

func (s *ProgressSync) applyPushLocked(remote progress.Snapshot) (progress.Snapshot, bool, error) {
	merged := progress.Merge(s.snapshot, dropDefaults(remote.Clone()))
	if progress.Equal(merged, s.snapshot) {
		return nil, false, nil
	}
	persistErr := s.persistLocked(merged)
	s.snapshot = merged
	return merged.Clone(), true, persistErr
}

func (s *ProgressSync) detach() {
	s.mu.Lock()
	if s.mode == ModeLocalOnly && s.cancelSub == nil {
		s.mu.Unlock()
		return
	}
	s.generation++
	cancel := s.cancelSub
	s.cancelSub = nil
	s.userID = ""
	s.mode = ModeLocalOnly
	s.deferred = nil
	s.hasDeferred = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.modeListeners.notify(ModeLocalOnly)
}

// OnModeChange registers a listener for mode transitions.
func (s *ProgressSync) OnModeChange(listener func(Mode)) (cancel func()) {
	return s.modeListeners.add(listener)
}

// OnChange registers a listener for snapshot changes.
func (s *ProgressSync) OnChange(listener func(progress.Snapshot)) (cancel func()) {
	return s.changeListeners.add(listener)
}

// Flush waits until queued remote writes finished.
func (s *ProgressSync) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// QueueStats reports the remote write queue counters.
func (s *ProgressSync) QueueStats() QueueStats {
	return s.queue.Stats()
}

// FailedWrites returns recent remote writes that exhausted their retries.
func (s *ProgressSync) FailedWrites() []FailedWrite {
	return s.queue.Failed()
}

// Close cancels the subscription and stops the write queue.
func (s *ProgressSync) Close() {
	s.detach()
	s.queue.Close()
}
