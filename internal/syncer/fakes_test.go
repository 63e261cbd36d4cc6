package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

var errRemoteUnavailable = errors.New("remote unavailable")

var (
	instantOne   = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	instantTwo   = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	instantThree = time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
)

// fakeRemote is an in-memory remote store that delivers the current
// document on subscribe and after every write, like the real store.
type fakeRemote struct {
	mu            sync.Mutex
	progress      map[identity.UserID]progress.Snapshot
	notes         map[identity.UserID]notes.Collection
	progressSubs  map[int]progressSubscriber
	notesSubs     map[int]notesSubscriber
	nextSub       int
	fetchErr      error
	fetchStarted  chan struct{}
	fetchGate     chan struct{}
	subscribeErr  error
	failWrites    int
	progressFetch int
	progressPuts  int
	notePuts      int
	noteDeletes   int
	batches       int
}

type progressSubscriber struct {
	userID   identity.UserID
	callback func(progress.Snapshot)
}

type notesSubscriber struct {
	userID   identity.UserID
	callback func([]notes.Note)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		progress:     make(map[identity.UserID]progress.Snapshot),
		notes:        make(map[identity.UserID]notes.Collection),
		progressSubs: make(map[int]progressSubscriber),
		notesSubs:    make(map[int]notesSubscriber),
	}
}

func (r *fakeRemote) FetchProgress(ctx context.Context, userID identity.UserID) (progress.Snapshot, error) {
	r.mu.Lock()
	started, gate := r.fetchStarted, r.fetchGate
	r.mu.Unlock()
	if gate != nil {
		close(started)
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressFetch++
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.progress[userID].Clone(), nil
}

func (r *fakeRemote) SubscribeProgress(ctx context.Context, userID identity.UserID, onSnapshot func(progress.Snapshot)) (func(), error) {
	r.mu.Lock()
	if r.subscribeErr != nil {
		r.mu.Unlock()
		return nil, r.subscribeErr
	}
	r.nextSub++
	id := r.nextSub
	r.progressSubs[id] = progressSubscriber{userID: userID, callback: onSnapshot}
	current := r.progress[userID].Clone()
	r.mu.Unlock()

	onSnapshot(current)
	return func() {
		r.mu.Lock()
		delete(r.progressSubs, id)
		r.mu.Unlock()
	}, nil
}

func (r *fakeRemote) WriteProgress(ctx context.Context, userID identity.UserID, snapshot progress.Snapshot) error {
	r.mu.Lock()
	if r.failWrites > 0 {
		r.failWrites--
		r.mu.Unlock()
		return errRemoteUnavailable
	}
	r.progressPuts++
	r.progress[userID] = snapshot.Clone()
	r.mu.Unlock()
	r.publishProgress(userID)
	return nil
}

// putProgress simulates a write made by another device.
func (r *fakeRemote) putProgress(userID identity.UserID, snapshot progress.Snapshot) {
	r.mu.Lock()
	r.progress[userID] = snapshot.Clone()
	r.mu.Unlock()
	r.publishProgress(userID)
}

func (r *fakeRemote) publishProgress(userID identity.UserID) {
	r.mu.Lock()
	current := r.progress[userID].Clone()
	var callbacks []func(progress.Snapshot)
	for _, subscriber := range r.progressSubs {
		if subscriber.userID == userID {
			callbacks = append(callbacks, subscriber.callback)
		}
	}
	r.mu.Unlock()
	for _, callback := range callbacks {
		callback(current.Clone())
	}
}

func (r *fakeRemote) progressOf(userID identity.UserID) progress.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[userID].Clone()
}

func (r *fakeRemote) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progressSubs) + len(r.notesSubs)
}

func (r *fakeRemote) SubscribeNotes(ctx context.Context, userID identity.UserID, onNotes func([]notes.Note)) (func(), error) {
	r.mu.Lock()
	if r.subscribeErr != nil {
		r.mu.Unlock()
		return nil, r.subscribeErr
	}
	r.nextSub++
	id := r.nextSub
	r.notesSubs[id] = notesSubscriber{userID: userID, callback: onNotes}
	current := r.notes[userID].List()
	r.mu.Unlock()

	onNotes(current)
	return func() {
		r.mu.Lock()
		delete(r.notesSubs, id)
		r.mu.Unlock()
	}, nil
}

func (r *fakeRemote) WriteNote(ctx context.Context, userID identity.UserID, note notes.Note) error {
	r.mu.Lock()
	if r.failWrites > 0 {
		r.failWrites--
		r.mu.Unlock()
		return errRemoteUnavailable
	}
	r.notePuts++
	r.collectionLocked(userID)[note.ID] = note
	r.mu.Unlock()
	r.publishNotes(userID)
	return nil
}

func (r *fakeRemote) DeleteNote(ctx context.Context, userID identity.UserID, noteID notes.NoteID) error {
	r.mu.Lock()
	if r.failWrites > 0 {
		r.failWrites--
		r.mu.Unlock()
		return errRemoteUnavailable
	}
	r.noteDeletes++
	delete(r.collectionLocked(userID), noteID)
	r.mu.Unlock()
	r.publishNotes(userID)
	return nil
}

func (r *fakeRemote) BatchWriteNotes(ctx context.Context, userID identity.UserID, batch []notes.Note) error {
	r.mu.Lock()
	if r.failWrites > 0 {
		r.failWrites--
		r.mu.Unlock()
		return errRemoteUnavailable
	}
	r.batches++
	collection := r.collectionLocked(userID)
	for _, note := range batch {
		collection[note.ID] = note
	}
	r.mu.Unlock()
	r.publishNotes(userID)
	return nil
}

// putNote simulates a note written by another device.
func (r *fakeRemote) putNote(userID identity.UserID, note notes.Note) {
	r.mu.Lock()
	r.collectionLocked(userID)[note.ID] = note
	r.mu.Unlock()
	r.publishNotes(userID)
}

func (r *fakeRemote) collectionLocked(userID identity.UserID) notes.Collection {
	collection, ok := r.notes[userID]
	if !ok {
		collection = notes.Collection{}
		r.notes[userID] = collection
	}
	return collection
}

func (r *fakeRemote) publishNotes(userID identity.UserID) {
	r.mu.Lock()
	current := r.notes[userID].List()
	var callbacks []func([]notes.Note)
	for _, subscriber := range r.notesSubs {
		if subscriber.userID == userID {
			callbacks = append(callbacks, subscriber.callback)
		}
	}
	r.mu.Unlock()
	for _, callback := range callbacks {
		callback(append([]notes.Note(nil), current...))
	}
}

func (r *fakeRemote) notesOf(userID identity.UserID) notes.Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes[userID].Clone()
}

// failingStore rejects writes while keeping reads working.
type failingStore struct {
	*localstore.MemoryStore
}

func (s failingStore) Write(key string, value []byte) error {
	return errors.New("disk full")
}

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{current: start}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDs) NewID() (notes.NoteID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return notes.NoteID("note-" + string(rune('a'+p.next-1))), nil
}

func fastQueue() QueueConfig {
	return QueueConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func mustUserID(t *testing.T, raw string) identity.UserID {
	t.Helper()
	userID, err := identity.NewUserID(raw)
	if err != nil {
		t.Fatalf("invalid user id %q: %v", raw, err)
	}
	return userID
}

func flush(t *testing.T, flusher interface{ Flush(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := flusher.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}
