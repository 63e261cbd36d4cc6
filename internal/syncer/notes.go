package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/toc"
)

const noteQueueKeyPrefix = "note:"

type dirtyNote struct {
	userID identity.UserID
	seq    uint64
}

// NotesRemote is the per-user notes collection of the remote store.
type NotesRemote interface {
	SubscribeNotes(ctx context.Context, userID identity.UserID, onNotes func([]notes.Note)) (cancel func(), err error)
	WriteNote(ctx context.Context, userID identity.UserID, note notes.Note) error
	DeleteNote(ctx context.Context, userID identity.UserID, noteID notes.NoteID) error
	BatchWriteNotes(ctx context.Context, userID identity.UserID, batch []notes.Note) error
}

// NotesConfig wires a NotesSync. Remote may be nil.
type NotesConfig struct {
	Local      localstore.Store
	Remote     NotesRemote
	Contents   *toc.Contents
	IDProvider notes.IDProvider
	Clock      func() time.Time
	Queue      QueueConfig
	Logger     *zap.Logger
}

// NotesSync owns the notes collection of one device.
type NotesSync struct {
	local      localstore.Store
	remote     NotesRemote
	contents   *toc.Contents
	idProvider notes.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	queue      *WriteQueue

	mu          sync.Mutex
	collection  notes.Collection
	mode        Mode
	userID      identity.UserID
	generation  uint64
	revision    uint64
	cancelSub   func()
	deferred    []notes.Note
	hasDeferred bool
	// dirty holds notes whose latest remote write has not landed yet
	dirty    map[notes.NoteID]dirtyNote
	writeSeq uint64

	modeListeners   listenerSet[Mode]
	changeListeners listenerSet[[]notes.Note]
}

// NewNotesSync loads the cached notes and starts in local-only mode.
func NewNotesSync(cfg NotesConfig) (*NotesSync, error) {
	if cfg.Local == nil {
		return nil, newServiceError(opNotesNew, "missing_local_store", errMissingLocalStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNotesNew, "missing_id_provider", errMissingIDProvider)
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

	s := &NotesSync{
		local:      cfg.Local,
		remote:     cfg.Remote,
		contents:   cfg.Contents,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		mode:       ModeLocalOnly,
		dirty:      make(map[notes.NoteID]dirtyNote),
	}
	s.collection = s.loadLocal()
	s.queue = NewWriteQueue(queueConfig)
	return s, nil
}

func (s *NotesSync) loadLocal() notes.Collection {
	data, found, err := s.local.Read(localstore.KeyNotes)
	if err != nil {
		logError(s.logger, opNotesLoad, "read_failed", err)
		return notes.Collection{}
	}
	if !found {
		return notes.Collection{}
	}
	collection, err := notes.DecodeCollection(data)
	if err != nil {
		logError(s.logger, opNotesLoad, "decode_failed", err)
		return notes.Collection{}
	}
	return collection
}

func (s *NotesSync) persistLocked(collection notes.Collection) error {
	data, err := notes.EncodeCollection(collection)
	if err != nil {
		return err
	}
	return s.local.Write(localstore.KeyNotes, data)
}

func noteQueueKey(id notes.NoteID) string {
	return noteQueueKeyPrefix + id.String()
}

// Mode returns the current sync mode.
func (s *NotesSync) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// List returns every note, newest first.
func (s *NotesSync) List() []notes.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection.List()
}

// ListBySection returns the notes of one section, newest first.
func (s *NotesSync) ListBySection(sectionID string) []notes.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection.ListBySection(sectionID)
}

// Get returns a note by id.
func (s *NotesSync) Get(id notes.NoteID) (notes.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection.Get(id)
}

// Add creates a note in a section.
func (s *NotesSync) Add(sectionID, content string) (notes.Note, error) {
	if s.contents != nil && !s.contents.SectionExists(sectionID) {
		return notes.Note{}, newServiceError(opNotesMutate, "unknown_section", ErrUnknownSection)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		logError(s.logger, opNotesMutate, "id_generation_failed", err)
		return notes.Note{}, newServiceError(opNotesMutate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	note := notes.Note{
		ID:        id,
		SectionID: sectionID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := note.Validate(); err != nil {
		return notes.Note{}, newServiceError(opNotesMutate, "invalid_note", err)
	}

	s.mu.Lock()
	next := s.collection.Clone()
	next[note.ID] = note
	persistErr := s.commitLocked(next)
	if s.mode == ModeSynced {
		s.enqueueWriteLocked(note)
	}
	published := next.List()
	s.mu.Unlock()

	s.changeListeners.notify(published)
	return note, s.persistError(persistErr, note.ID)
}

// Update replaces the content of a note. It reports false when the note
// does not exist.
func (s *NotesSync) Update(id notes.NoteID, content string) (bool, error) {
	s.mu.Lock()
	note, ok := s.collection[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	note.Content = content
	note.UpdatedAt = s.clock().UTC()
	next := s.collection.Clone()
	next[id] = note
	persistErr := s.commitLocked(next)
	if s.mode == ModeSynced {
		s.enqueueWriteLocked(note)
	}
	published := next.List()
	s.mu.Unlock()

	s.changeListeners.notify(published)
	return true, s.persistError(persistErr, id)
}

// Delete removes a note. It reports false when the note does not exist.
func (s *NotesSync) Delete(id notes.NoteID) (bool, error) {
	s.mu.Lock()
	if _, ok := s.collection[id]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	next := s.collection.Clone()
	delete(next, id)
	persistErr := s.commitLocked(next)
	if s.mode == ModeSynced {
		s.enqueueDeleteLocked(id)
	}
	published := next.List()
	s.mu.Unlock()

	s.changeListeners.notify(published)
	return true, s.persistError(persistErr, id)
}

func (s *NotesSync) commitLocked(next notes.Collection) error {
	err := s.persistLocked(next)
	s.collection = next
	s.revision++
	return err
}

func (s *NotesSync) persistError(err error, id notes.NoteID) error {
	if err == nil {
		return nil
	}
	logError(s.logger, opNotesMutate, "persist_failed", err, zap.String("note_id", id.String()))
	return newServiceError(opNotesMutate, "persist_failed", err)
}

func (s *NotesSync) enqueueWriteLocked(note notes.Note) {
	userID := s.userID
	s.enqueueLocked(note.ID, WriteTask{
		Key:       noteQueueKey(note.ID),
		Operation: "write_note",
		Run: func(ctx context.Context) error {
			return s.remote.WriteNote(ctx, userID, note)
		},
	})
}

func (s *NotesSync) enqueueDeleteLocked(id notes.NoteID) {
	userID := s.userID
	s.enqueueLocked(id, WriteTask{
		Key:       noteQueueKey(id),
		Operation: "delete_note",
		Run: func(ctx context.Context) error {
			return s.remote.DeleteNote(ctx, userID, id)
		},
	})
}

func (s *NotesSync) enqueueLocked(id notes.NoteID, task WriteTask) {
	s.writeSeq++
	marker := dirtyNote{userID: s.userID, seq: s.writeSeq}
	s.dirty[id] = marker
	task.Done = func(err error) {
		s.settle(id, marker, err)
	}
	if err := s.queue.Enqueue(task); err != nil {
		logError(s.logger, opNotesMutate, "enqueue_failed", err,
			zap.String("key", task.Key),
			zap.String("user_id", s.userID.String()))
	}
}

// settle clears the dirty marker once the latest write of a note landed.
// Failed writes stay dirty and are retried on the next push or sign-in.
func (s *NotesSync) settle(id notes.NoteID, marker dirtyNote, err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.dirty[id] == marker {
		delete(s.dirty, id)
	}
	s.mu.Unlock()
}

// dirtyLocked reports whether a note has a remote write for the current
// user that has not landed.
func (s *NotesSync) dirtyLocked(id notes.NoteID) bool {
	marker, ok := s.dirty[id]
	return ok && marker.userID == s.userID
}

// retryDirtyLocked enqueues the local version of every dirty note that has
// no write in flight.
func (s *NotesSync) retryDirtyLocked() {
	for id := range s.dirty {
		if !s.dirtyLocked(id) || s.queue.Pending(noteQueueKey(id)) > 0 {
			continue
		}
		if note, ok := s.collection[id]; ok {
			s.enqueueWriteLocked(note)
		} else {
			s.enqueueDeleteLocked(id)
		}
	}
}

// SetIdentity moves the orchestrator to the mode the identity allows.
func (s *NotesSync) SetIdentity(ctx context.Context, current identity.Identity) error {
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

func (s *NotesSync) migrate(ctx context.Context, generation uint64, userID identity.UserID) error {
	s.mu.Lock()
	startRevision := s.revision
	uploaded := s.collection.Clone()
	s.mu.Unlock()

	if len(uploaded) > 0 {
		if err := s.remote.BatchWriteNotes(ctx, userID, uploaded.List()); err != nil {
			return s.failMigration(generation, "batch_write_failed", err, userID)
		}
	}

	cancel, err := s.remote.SubscribeNotes(context.WithoutCancel(ctx), userID, func(list []notes.Note) {
		s.handlePush(generation, list)
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
	for id, marker := range s.dirty {
		if _, ok := uploaded[id]; ok || marker.userID != userID {
			delete(s.dirty, id)
		}
	}
	if s.revision != startRevision {
		s.enqueueDiffLocked(uploaded, s.collection)
	}
	s.retryDirtyLocked()
	var published []notes.Note
	var persistErr error
	changed := false
	if s.hasDeferred {
		published, changed, persistErr = s.applyPushLocked(s.deferred)
		s.deferred = nil
		s.hasDeferred = false
	}
	s.mu.Unlock()

	if persistErr != nil {
		logError(s.logger, opNotesMigrate, "persist_failed", persistErr, zap.String("user_id", userID.String()))
	}
	s.logger.Info("notes synced", zap.String("user_id", userID.String()), zap.Int("uploaded", len(uploaded)))
	s.modeListeners.notify(ModeSynced)
	if changed {
		s.changeListeners.notify(published)
	}
	return nil
}

// enqueueDiffLocked writes the edits made while the batch upload ran.
func (s *NotesSync) enqueueDiffLocked(uploaded, current notes.Collection) {
	for id, note := range current {
		previous, ok := uploaded[id]
		if ok && previous == note {
			continue
		}
		s.enqueueWriteLocked(note)
	}
	for id := range uploaded {
		if _, ok := current[id]; !ok {
			s.enqueueDeleteLocked(id)
		}
	}
}

func (s *NotesSync) failMigration(generation uint64, reason string, cause error, userID identity.UserID) error {
	logError(s.logger, opNotesMigrate, reason, cause, zap.String("user_id", userID.String()))

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
	return newServiceError(opNotesMigrate, reason, cause)
}

// handlePush replaces the collection with the remote set. Pushes that
// arrive while migrating are held until the edits made meanwhile are queued.
func (s *NotesSync) handlePush(generation uint64, list []notes.Note) {
	s.mu.Lock()
	if s.generation != generation || s.mode == ModeLocalOnly {
		s.mu.Unlock()
		return
	}
	if s.mode == ModeMigrating {
		s.deferred = list
		s.hasDeferred = true
		s.mu.Unlock()
		return
	}
	published, changed, persistErr := s.applyPushLocked(list)
	s.mu.Unlock()

	if persistErr != nil {
		logError(s.logger, opNotesPush, "persist_failed", persistErr)
	}
	if changed {
		s.changeListeners.notify(published)
	}
}

// applyPushLocked installs the remote set. Dirty notes keep their local
// version, or stay removed when their last write is a delete, and get
// their write retried when none is in flight.
func (s *NotesSync) applyPushLocked(list []notes.Note) ([]notes.Note, bool, error) {
	next := make(notes.Collection, len(list))
	for _, note := range list {
		if err := note.Validate(); err != nil {
			s.logger.Warn("dropping invalid remote note", zap.String("note_id", note.ID.String()), zap.Error(err))
			continue
		}
		next[note.ID] = note
	}
	for id := range s.dirty {
		if !s.dirtyLocked(id) {
			continue
		}
		if local, ok := s.collection[id]; ok {
			next[id] = local
		} else {
			delete(next, id)
		}
	}
	if s.mode == ModeSynced {
		s.retryDirtyLocked()
	}
	if notes.Equal(next, s.collection) {
		return nil, false, nil
	}
	persistErr := s.persistLocked(next)
	s.collection = next
	return next.List(), true, persistErr
}

func (s *NotesSync) detach() {
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
func (s *NotesSync) OnModeChange(listener func(Mode)) (cancel func()) {
	return s.modeListeners.add(listener)
}

// OnChange registers a listener receiving the full note list after changes.
func (s *NotesSync) OnChange(listener func([]notes.Note)) (cancel func()) {
	return s.changeListeners.add(listener)
}

// Flush waits until queued remote writes finished.
func (s *NotesSync) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// QueueStats reports the remote write queue counters.
func (s *NotesSync) QueueStats() QueueStats {
	return s.queue.Stats()
}

// FailedWrites returns recent remote writes that exhausted their retries.
func (s *NotesSync) FailedWrites() []FailedWrite {
	return s.queue.Failed()
}

// Close cancels the subscription and stops the write queue.
func (s *NotesSync) Close() {
	s.detach()
	s.queue.Close()
}
